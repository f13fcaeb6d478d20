package worker

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/outbox"
	"github.com/saiset-co/sai-offline/router"
	"github.com/saiset-co/sai-offline/strategy"
	"github.com/saiset-co/sai-offline/types"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

const MessageSkipWaiting = "SKIP_WAITING"

type Event struct {
	Kind         EventKind
	Request      *types.Request
	Data         []byte
	Notification *types.Notification
	Action       string
	Tag          string
}

type Result struct {
	Response     *types.Response
	Decision     router.Decision
	Outcome      strategy.Outcome
	Notification *types.Notification
	Sync         *outbox.SyncReport
	Err          error
}

type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	SkipWaiting(ctx context.Context) error
}

type Strategies interface {
	Run(ctx context.Context, name types.StrategyName, req *types.Request) strategy.Result
}

type Pusher interface {
	Push(ctx context.Context, data []byte) (*types.Notification, error)
	Click(ctx context.Context, notification *types.Notification, action string) error
}

type Syncer interface {
	Sync(ctx context.Context, tag string) (*outbox.SyncReport, error)
}

type handler func(ctx context.Context, event Event) Result

type Option func(*Worker)

func WithPush(pusher Pusher) Option {
	return func(w *Worker) { w.pusher = pusher }
}

func WithSync(syncer Syncer) Option {
	return func(w *Worker) { w.syncer = syncer }
}

// Worker routes lifecycle, fetch, message, push and sync events to the
// component that owns them.
type Worker struct {
	logger     types.Logger
	metrics    types.MetricsManager
	classifier *router.Classifier
	lifecycle  Lifecycle
	strategies Strategies
	pusher     Pusher
	syncer     Syncer
	handlers   map[EventKind]handler
}

func New(logger types.Logger, metrics types.MetricsManager, classifier *router.Classifier, lifecycle Lifecycle, strategies Strategies, opts ...Option) *Worker {
	w := &Worker{
		logger:     logger,
		metrics:    metrics,
		classifier: classifier,
		lifecycle:  lifecycle,
		strategies: strategies,
	}

	for _, opt := range opts {
		opt(w)
	}

	w.handlers = map[EventKind]handler{
		EventInstall:           w.handleInstall,
		EventActivate:          w.handleActivate,
		EventFetch:             w.handleFetch,
		EventMessage:           w.handleMessage,
		EventPush:              w.handlePush,
		EventNotificationClick: w.handleClick,
		EventSync:              w.handleSync,
	}

	return w
}

func (w *Worker) Dispatch(ctx context.Context, event Event) Result {
	h, ok := w.handlers[event.Kind]
	if !ok {
		w.record(event.Kind, "unknown")
		return Result{Err: types.Errorf(types.ErrUnknownEvent, "event: %s", event.Kind)}
	}

	start := time.Now()
	result := h(ctx, event)

	status := "success"
	if result.Err != nil {
		status = "error"
	}
	w.record(event.Kind, status)

	if event.Kind != EventFetch {
		w.logger.Debug("Event dispatched",
			zap.String("event", string(event.Kind)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(result.Err))
	}

	return result
}

// Fetch classifies and serves a single request.
func (w *Worker) Fetch(ctx context.Context, req *types.Request) Result {
	return w.Dispatch(ctx, Event{Kind: EventFetch, Request: req})
}

func (w *Worker) Classify(req *types.Request) router.Decision {
	return w.classifier.Classify(req)
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) Result {
	return Result{Err: w.lifecycle.Install(ctx)}
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) Result {
	return Result{Err: w.lifecycle.Activate(ctx)}
}

func (w *Worker) handleFetch(ctx context.Context, event Event) Result {
	if event.Request == nil {
		return Result{Err: types.Errorf(types.ErrInvalidParameter, "fetch event without request")}
	}

	decision := w.classifier.Classify(event.Request)
	run := w.strategies.Run(ctx, decision.Strategy, event.Request)

	return Result{
		Response: run.Response,
		Decision: decision,
		Outcome:  run.Outcome,
		Err:      run.Err,
	}
}

func (w *Worker) handleMessage(ctx context.Context, event Event) Result {
	if !gjson.ValidBytes(event.Data) {
		return Result{Err: types.Errorf(types.ErrInvalidPayload, "message is not valid JSON")}
	}

	messageType := gjson.GetBytes(event.Data, "type").String()
	if messageType != MessageSkipWaiting {
		w.logger.Debug("Ignoring message", zap.String("type", messageType))
		return Result{}
	}

	return Result{Err: w.lifecycle.SkipWaiting(ctx)}
}

func (w *Worker) handlePush(ctx context.Context, event Event) Result {
	if w.pusher == nil {
		return Result{Err: types.ErrSurfaceNotReady}
	}

	notification, err := w.pusher.Push(ctx, event.Data)
	return Result{Notification: notification, Err: err}
}

func (w *Worker) handleClick(ctx context.Context, event Event) Result {
	if w.pusher == nil {
		return Result{Err: types.ErrSurfaceNotReady}
	}

	err := w.pusher.Click(ctx, event.Notification, event.Action)
	return Result{Notification: event.Notification, Err: err}
}

func (w *Worker) handleSync(ctx context.Context, event Event) Result {
	if w.syncer == nil {
		return Result{Err: types.ErrOutboxDisabled}
	}

	report, err := w.syncer.Sync(ctx, event.Tag)
	return Result{Sync: report, Err: err}
}

func (w *Worker) record(kind EventKind, result string) {
	w.metrics.Counter("worker_events_total", map[string]string{
		"event":  string(kind),
		"result": result,
	}).Inc()
}
