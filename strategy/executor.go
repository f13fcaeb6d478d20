package strategy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-offline/types"
)

type Outcome string

const (
	OutcomeBypass  Outcome = "bypass"
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeOffline Outcome = "offline"
	OutcomeError   Outcome = "error"
)

// Buckets gives access to the current runtime bucket and offline page; both
// can change when a new generation activates.
type Buckets interface {
	OfflineURL() string
	MatchRuntime(ctx context.Context, req *types.Request) (*types.Response, bool, error)
	PutRuntime(ctx context.Context, req *types.Request, resp *types.Response) error
}

type Result struct {
	Response *types.Response
	Outcome  Outcome
	Err      error
}

type Executor struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	store             types.CacheStorage
	fetcher           types.Fetcher
	buckets           Buckets
	networkTimeout    time.Duration
	backgroundTimeout time.Duration
	refreshes         singleflight.Group
	wg                sync.WaitGroup
}

func NewExecutor(logger types.Logger, metrics types.MetricsManager, store types.CacheStorage, fetcher types.Fetcher, buckets Buckets, config *types.StrategyConfig) *Executor {
	if config == nil {
		config = &types.StrategyConfig{}
	}

	backgroundTimeout := config.BackgroundTimeout
	if backgroundTimeout <= 0 {
		backgroundTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Executor{
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger,
		metrics:           metrics,
		store:             store,
		fetcher:           fetcher,
		buckets:           buckets,
		networkTimeout:    config.NetworkTimeout,
		backgroundTimeout: backgroundTimeout,
	}
}

func (e *Executor) Execute(ctx context.Context, name types.StrategyName, req *types.Request) (*types.Response, error) {
	result := e.Run(ctx, name, req)
	return result.Response, result.Err
}

func (e *Executor) Run(ctx context.Context, name types.StrategyName, req *types.Request) Result {
	start := time.Now()

	var result Result
	switch name {
	case types.StrategyNetworkOnly:
		result = e.networkOnly(ctx, req)
	case types.StrategyNetworkOnlyWithOffline:
		result = e.networkWithOfflineFallback(ctx, req)
	case types.StrategyNetworkFirst:
		result = e.networkFirst(ctx, req)
	case types.StrategyCacheFirst:
		result = e.cacheFirst(ctx, req)
	default:
		result = Result{Outcome: OutcomeError, Err: types.Errorf(types.ErrStrategyUnknown, "strategy: %s", name)}
	}

	if result.Err != nil {
		result.Outcome = OutcomeError
	}

	e.metrics.Counter("strategy_requests_total", map[string]string{
		"strategy": string(name),
		"outcome":  string(result.Outcome),
	}).Inc()

	e.metrics.Histogram("strategy_duration_seconds",
		[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		map[string]string{"strategy": string(name)},
	).ObserveDuration(start)

	return result
}

// Wait blocks until detached refreshes finish or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight refreshes and waits for them to return.
func (e *Executor) Close(ctx context.Context) error {
	e.cancel()
	return e.Wait(ctx)
}

func (e *Executor) networkOnly(ctx context.Context, req *types.Request) Result {
	resp, err := e.fetcher.Fetch(ctx, req)
	return Result{Response: resp, Outcome: OutcomeBypass, Err: err}
}

func (e *Executor) networkWithOfflineFallback(ctx context.Context, req *types.Request) Result {
	resp, err := e.fetch(ctx, req)
	if err == nil {
		return Result{Response: resp, Outcome: OutcomeBypass}
	}

	offlineURL := e.buckets.OfflineURL()
	offline, found, matchErr := e.store.Match(ctx, types.NewRequest(http.MethodGet, offlineURL))
	if matchErr != nil {
		e.logger.Error("Failed to look up offline page",
			zap.String("offline_url", offlineURL),
			zap.Error(matchErr))
	}

	if found {
		e.logger.Debug("Serving offline page",
			zap.String("url", req.URL),
			zap.Error(err))
		return Result{Response: offline, Outcome: OutcomeOffline}
	}

	return Result{Err: fmt.Errorf("%w: %w", types.ErrOffline, err)}
}

func (e *Executor) networkFirst(ctx context.Context, req *types.Request) Result {
	resp, err := e.fetch(ctx, req)
	if err == nil {
		e.put(ctx, req, resp)
		return Result{Response: resp, Outcome: OutcomeMiss}
	}

	if cached, found := e.match(ctx, req); found {
		e.logger.Debug("Network failed, serving cached entry",
			zap.String("key", req.Key()),
			zap.Error(err))
		return Result{Response: cached, Outcome: OutcomeHit}
	}

	return Result{Err: err}
}

func (e *Executor) cacheFirst(ctx context.Context, req *types.Request) Result {
	if cached, found := e.match(ctx, req); found {
		e.refresh(req)
		return Result{Response: cached, Outcome: OutcomeHit}
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{Err: err}
	}

	e.put(ctx, req, resp)
	return Result{Response: resp, Outcome: OutcomeMiss}
}

// refresh re-fetches req outside the request path. Nothing waits on it
// and its errors are only logged; concurrent refreshes of one key collapse
// into a single fetch.
func (e *Executor) refresh(req *types.Request) {
	detached := req.Clone()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		_, _, _ = e.refreshes.Do(detached.Key(), func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(e.ctx, e.backgroundTimeout)
			defer cancel()

			resp, err := e.fetcher.Fetch(ctx, detached)
			if err != nil {
				e.logger.Debug("Background refresh failed",
					zap.String("key", detached.Key()),
					zap.Error(err))
				return nil, nil
			}

			e.put(ctx, detached, resp)
			return nil, nil
		})
	}()
}

func (e *Executor) fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if e.networkTimeout <= 0 {
		return e.fetcher.Fetch(ctx, req)
	}

	ctx, cancel := context.WithTimeout(ctx, e.networkTimeout)
	defer cancel()

	return e.fetcher.Fetch(ctx, req)
}

// match prefers the runtime bucket, which holds the latest copy of
// anything refreshed since install, over the precache.
func (e *Executor) match(ctx context.Context, req *types.Request) (*types.Response, bool) {
	cached, found, err := e.buckets.MatchRuntime(ctx, req)
	if err != nil {
		e.logger.Error("Runtime cache lookup failed", zap.String("key", req.Key()), zap.Error(err))
	}
	if found {
		return cached, true
	}

	cached, found, err = e.store.Match(ctx, req)
	if err != nil {
		e.logger.Error("Cache lookup failed", zap.String("key", req.Key()), zap.Error(err))
	}
	return cached, found
}

// put writes a 200 response into the runtime bucket. Write failures never
// reach the caller.
func (e *Executor) put(ctx context.Context, req *types.Request, resp *types.Response) {
	if !req.IsGet() || !resp.Cacheable() {
		return
	}

	if err := e.buckets.PutRuntime(ctx, req, resp); err != nil {
		e.logger.Error("Failed to write runtime cache",
			zap.String("key", req.Key()),
			zap.Error(err))
	}
}
