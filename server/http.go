package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/outbox"
	"github.com/saiset-co/sai-offline/router"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
	"github.com/saiset-co/sai-offline/worker"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	HeaderStrategy             = "X-Cache-Strategy"
	HeaderCache                = "X-Cache"
	HeaderServiceWorkerAllowed = "Service-Worker-Allowed"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, event worker.Event) worker.Result
	Classify(req *types.Request) router.Decision
}

type StatusProvider interface {
	Status() lifecycle.Status
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req *types.Request) (*outbox.Entry, error)
	Tag() string
}

type NotificationLookup interface {
	Get(id string) (*types.Notification, bool)
	Notifications() []*types.Notification
}

type TLSListener interface {
	Listen(addr string) (net.Listener, error)
}

// Deps are the components the HTTP surface fronts. Health, Metrics,
// Outbox, Notifications, TLS and Middlewares are optional.
type Deps struct {
	Worker        Dispatcher
	Lifecycle     StatusProvider
	Origin        types.Fetcher
	Health        types.HealthManager
	Outbox        Enqueuer
	Notifications NotificationLookup
	Metrics       http.Handler
	Middlewares   *middleware.Chain
	TLS           TLSListener
}

type route struct {
	method  string
	handler fasthttp.RequestHandler
}

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.ServiceConfig
	deps            Deps
	server          *fasthttp.Server
	listener        net.Listener
	routes          map[string]route
	handler         fasthttp.RequestHandler
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(ctx context.Context, logger types.Logger, config *types.ServiceConfig, deps Deps) (*FastHTTPServer, error) {
	if config == nil || config.Server == nil || config.Server.HTTP == nil {
		return nil, types.ErrConfigIsNil
	}
	if deps.Worker == nil || deps.Lifecycle == nil || deps.Origin == nil {
		return nil, types.ErrHandlerIsNil
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := time.Duration(config.Server.HTTP.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	h := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		deps:            deps,
		routes:          make(map[string]route),
		shutdownTimeout: shutdownTimeout,
	}

	h.registerRoutes()

	h.handler = h.mainHandler
	if deps.Middlewares != nil {
		h.handler = deps.Middlewares.Then(h.mainHandler)
	}

	h.state.Store(StateStopped)

	return h, nil
}

// Handler is the full request pipeline, middlewares included.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return h.handler
}

func (h *FastHTTPServer) Start() error {
	if !h.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	httpConfig := h.config.Server.HTTP
	addr := fmt.Sprintf("%s:%d", httpConfig.Host, httpConfig.Port)

	var ln net.Listener
	var err error
	if h.deps.TLS != nil {
		ln, err = h.deps.TLS.Listen(addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		h.state.Store(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "%s: %v", addr, err)
	}

	h.listener = ln
	h.server = &fasthttp.Server{
		Handler:                      h.handler,
		Name:                         h.config.Name,
		ReadTimeout:                  time.Duration(httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(httpConfig.IdleTimeout) * time.Second,
		MaxRequestBodySize:           maxBodySize(h.config.Origin),
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.state.Store(StateStopped)
		}
	}()

	h.state.Store(StateRunning)

	h.logger.Info("HTTP server started successfully",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", h.deps.TLS != nil))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.state.Store(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("Server stop timeout, some connections may not have closed gracefully", zap.Error(err))
		return nil
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.state.Load().(State) == StateRunning
}

// Addr is the bound listener address once started.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *FastHTTPServer) registerRoutes() {
	prefix := strings.TrimSuffix(h.config.Server.ControlPrefix, "/")

	h.add(http.MethodPost, prefix+"/install", h.handleInstall)
	h.add(http.MethodPost, prefix+"/activate", h.handleActivate)
	h.add(http.MethodPost, prefix+"/message", h.handleMessage)
	h.add(http.MethodPost, prefix+"/push", h.handlePush)
	h.add(http.MethodPost, prefix+"/sync", h.handleSync)
	h.add(http.MethodPost, prefix+"/outbox", h.handleOutbox)
	h.add(http.MethodPost, prefix+"/notificationclick", h.handleNotificationClick)
	h.add(http.MethodGet, prefix+"/notifications", h.handleNotifications)
	h.add(http.MethodGet, prefix+"/state", h.handleState)
	h.add(http.MethodGet, prefix+"/classify", h.handleClassify)

	if h.deps.Health != nil && h.config.Health != nil && h.config.Health.Enabled {
		h.add(http.MethodGet, h.config.Health.Path, h.handleHealth)
	}

	if h.deps.Metrics != nil && h.config.Metrics != nil && h.config.Metrics.Enabled {
		h.add(http.MethodGet, h.config.Metrics.Path, fasthttpadaptor.NewFastHTTPHandler(h.deps.Metrics))
	}

	script := h.config.Server.WorkerScript
	if script == "" {
		script = "/service-worker.js"
	}
	h.add(http.MethodGet, script, h.handleWorkerScript)
}

func (h *FastHTTPServer) add(method, path string, handler fasthttp.RequestHandler) {
	h.routes[path] = route{method: method, handler: handler}
}

func (h *FastHTTPServer) mainHandler(ctx *fasthttp.RequestCtx) {
	if r, ok := h.routes[string(ctx.Path())]; ok {
		if string(ctx.Method()) != r.method {
			ctx.Response.Header.Set(fasthttp.HeaderAllow, r.method)
			utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, types.NewErrorf("method %s not allowed", ctx.Method()))
			return
		}
		r.handler(ctx)
		return
	}

	h.handleProxy(ctx)
}

func maxBodySize(origin *types.OriginConfig) int {
	if origin == nil || origin.MaxBodySize <= 0 {
		return fasthttp.DefaultMaxRequestBodySize
	}
	return origin.MaxBodySize
}
