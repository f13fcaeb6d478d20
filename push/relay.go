package push

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	MessageShow       = "show"
	MessageClose      = "close"
	MessageOpenWindow = "open_window"
	MessageClaim      = "claim"
	MessageClick      = "notificationclick"
)

type RelayState int32

const (
	RelayStateStopped RelayState = iota
	RelayStateRunning
	RelayStateReconnecting
	RelayStateStopping
)

type RelayMessage struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
	URL          string              `json:"url,omitempty"`
	Action       string              `json:"action,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

type ClickFunc func(ctx context.Context, notification *types.Notification, action string) error

// Relay forwards notifications and window requests to a page gateway over
// a websocket it dials, and feeds clicks from pages back through OnClick.
type Relay struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	metrics types.MetricsManager
	config  *types.RelayConfig
	dialer  *websocket.Dialer
	send    chan *RelayMessage
	shown   *shownSet
	shownMu sync.RWMutex
	onClick ClickFunc
	state   atomic.Value
	wg      sync.WaitGroup
}

func NewRelay(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.RelayConfig) (*Relay, error) {
	if config == nil || config.URL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "relay url is empty")
	}

	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}

	relayCtx, cancel := context.WithCancel(ctx)

	r := &Relay{
		ctx:     relayCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		config:  &cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		send:    make(chan *RelayMessage, 256),
		shown:   newShownSet(cfg.MaxShown),
	}
	r.state.Store(RelayStateStopped)

	logger.Info("Push relay initialized",
		zap.String("url", cfg.URL),
		zap.Duration("reconnect_delay", cfg.ReconnectDelay))

	return r, nil
}

// OnClick must be set before Start.
func (r *Relay) OnClick(fn ClickFunc) {
	r.onClick = fn
}

func (r *Relay) Start() error {
	if !r.state.CompareAndSwap(RelayStateStopped, RelayStateRunning) {
		return types.ErrServerAlreadyRunning
	}

	conn, err := r.dial()
	if err != nil {
		r.state.Store(RelayStateStopped)
		r.logger.Error("Failed to establish initial relay connection", zap.Error(err))
		return err
	}

	r.wg.Add(1)
	go r.run(conn)

	r.logger.Info("Push relay started")
	return nil
}

func (r *Relay) Stop() error {
	if !r.state.CompareAndSwap(RelayStateRunning, RelayStateStopping) &&
		!r.state.CompareAndSwap(RelayStateReconnecting, RelayStateStopping) {
		return types.ErrServerNotRunning
	}

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Push relay stopped gracefully")
	case <-time.After(10 * time.Second):
		r.logger.Warn("Push relay stop timeout")
	}

	r.state.Store(RelayStateStopped)
	return nil
}

func (r *Relay) IsRunning() bool {
	state := r.getState()
	return state == RelayStateRunning || state == RelayStateReconnecting
}

func (r *Relay) Show(_ context.Context, n *types.Notification) error {
	r.shownMu.Lock()
	evicted := r.shown.add(n)
	r.shownMu.Unlock()

	for _, id := range evicted {
		r.logger.Debug("Evicting oldest relayed notification", zap.String("id", id))
	}

	return r.publish(&RelayMessage{Type: MessageShow, ID: n.ID, Notification: n})
}

func (r *Relay) Close(_ context.Context, id string) error {
	r.shownMu.Lock()
	r.shown.remove(id)
	r.shownMu.Unlock()

	return r.publish(&RelayMessage{Type: MessageClose, ID: id})
}

func (r *Relay) Get(id string) (*types.Notification, bool) {
	r.shownMu.RLock()
	defer r.shownMu.RUnlock()

	return r.shown.get(id)
}

func (r *Relay) Notifications() []*types.Notification {
	r.shownMu.RLock()
	defer r.shownMu.RUnlock()

	return r.shown.list()
}

func (r *Relay) OpenWindow(_ context.Context, url string) error {
	return r.publish(&RelayMessage{Type: MessageOpenWindow, URL: url})
}

func (r *Relay) Claim(context.Context) error {
	return r.publish(&RelayMessage{Type: MessageClaim})
}

func (r *Relay) publish(message *RelayMessage) error {
	if !r.IsRunning() {
		r.recordMetric("publish", "not_running", message.Type)
		return types.ErrSurfaceNotReady
	}

	message.Timestamp = time.Now()

	select {
	case r.send <- message:
		r.recordMetric("publish", "queued", message.Type)
		return nil
	case <-r.ctx.Done():
		return types.ErrSurfaceNotReady
	default:
		r.logger.Error("Relay send queue is full, dropping message", zap.String("type", message.Type))
		r.recordMetric("publish", "dropped", message.Type)
		return types.ErrRelayPublish
	}
}

func (r *Relay) run(conn *websocket.Conn) {
	defer r.wg.Done()

	for {
		done := make(chan struct{})
		go r.readPump(conn, done)

		r.writePump(conn, done)
		_ = conn.Close()
		<-done

		if r.ctx.Err() != nil {
			return
		}

		r.state.CompareAndSwap(RelayStateRunning, RelayStateReconnecting)

		var ok bool
		conn, ok = r.reconnect()
		if !ok {
			return
		}

		r.state.CompareAndSwap(RelayStateReconnecting, RelayStateRunning)
		r.logger.Info("Reconnected to push relay")
	}
}

func (r *Relay) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; ; attempt++ {
		select {
		case <-r.ctx.Done():
			return nil, false
		case <-time.After(r.config.ReconnectDelay):
		}

		conn, err := r.dial()
		if err == nil {
			return conn, true
		}

		r.logger.Warn("Relay reconnection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func (r *Relay) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := r.dialer.DialContext(dialCtx, r.config.URL, nil)
	if err != nil {
		return nil, types.WrapError(err, "failed to dial push relay")
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.config.PongWait))
	})

	return conn, nil
}

func (r *Relay) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("Push relay read failed", zap.Error(err))
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.config.PongWait))

		var message RelayMessage
		if err := utils.Unmarshal(data, &message); err != nil {
			r.logger.Error("Failed to unmarshal relay message", zap.Error(err))
			continue
		}

		r.handleIncoming(&message)
	}
}

func (r *Relay) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(r.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(r.config.WriteWait))
			return
		case <-done:
			return
		case message := <-r.send:
			data, err := utils.Marshal(message)
			if err != nil {
				r.logger.Error("Failed to marshal relay message", zap.String("type", message.Type), zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(r.config.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Warn("Push relay write failed", zap.String("type", message.Type), zap.Error(err))
				r.recordMetric("write", "error", message.Type)
				return
			}
			r.recordMetric("write", "success", message.Type)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(r.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Warn("Push relay ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (r *Relay) handleIncoming(message *RelayMessage) {
	switch message.Type {
	case MessageClick:
	case MessageClose:
		r.shownMu.Lock()
		r.shown.remove(message.ID)
		r.shownMu.Unlock()
		return
	default:
		r.logger.Debug("Ignoring relay message", zap.String("type", message.Type))
		return
	}

	notification := message.Notification
	if notification == nil {
		notification, _ = r.Get(message.ID)
	}

	if notification == nil {
		r.logger.Warn("Click for unknown notification", zap.String("id", message.ID))
		return
	}

	if r.onClick == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	if err := r.onClick(ctx, notification, message.Action); err != nil {
		r.logger.Error("Notification click handler failed",
			zap.String("id", notification.ID),
			zap.Error(err))
	}
}

func (r *Relay) getState() RelayState {
	return r.state.Load().(RelayState)
}

func (r *Relay) recordMetric(operation, result, messageType string) {
	r.metrics.Counter("relay_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"type":      messageType,
	}).Inc()
}
