package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/cron"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/outbox"
	"github.com/saiset-co/sai-offline/push"
	"github.com/saiset-co/sai-offline/router"
	"github.com/saiset-co/sai-offline/server"
	"github.com/saiset-co/sai-offline/strategy"
	"github.com/saiset-co/sai-offline/tls"
	"github.com/saiset-co/sai-offline/types"
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
	jobOutboxSync   = "outbox-sync"
	jobUpdateCheck  = "lifecycle-update-check"
	defaultInstallT = time.Minute
)

// Service wires the cache router together: origin fetcher, cache storage,
// lifecycle, strategies, push surfaces, outbox and the HTTP surface.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *config.ConfigurationManager
	logger          *logger.ZapWrapper
	metrics         types.MetricsManager
	prometheus      *metrics.PrometheusMetrics
	store           *cache.Storage
	origin          *client.OriginFetcher
	lifecycle       *lifecycle.Manager
	executor        *strategy.Executor
	classifier      *router.Classifier
	outbox          *outbox.Outbox
	registry        *push.Registry
	relay           *push.Relay
	worker          *worker.Worker
	health          *health.Manager
	cron            *cron.Manager
	server          *server.FastHTTPServer
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return New(ctx, configManager)
}

func New(ctx context.Context, configManager *config.ConfigurationManager) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          configManager,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}
	s.state.Store(StateStopped)

	if err := s.registerComponents(); err != nil {
		cancel()
		s.closeResources()
		return nil, err
	}

	return s, nil
}

func (s *Service) registerComponents() error {
	cfg := s.config.GetConfig()

	zapLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	s.logger = zapLogger

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		s.prometheus = metrics.NewPrometheusMetrics(s.logger, cfg.Metrics)
		s.metrics = s.prometheus
	} else {
		s.metrics = metrics.NewNop()
	}

	s.origin, err = client.NewOriginFetcher(s.logger, s.metrics, cfg.Origin)
	if err != nil {
		return types.WrapError(err, "failed to register origin fetcher")
	}

	s.store, err = cache.NewStorage(s.ctx, cfg.Cache, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cache storage")
	}

	var surface types.NotificationSurface
	var clients types.Clients
	var notifications server.NotificationLookup

	s.registry = push.NewRegistry()
	if cfg.Push != nil {
		s.registry = push.NewRegistryWithLimit(cfg.Push.MaxShown)
	}
	surface, clients, notifications = s.registry, s.registry, s.registry

	if cfg.Push != nil && cfg.Push.Enabled && cfg.Push.Relay != nil && cfg.Push.Relay.Enabled {
		s.relay, err = push.NewRelay(s.ctx, s.logger, s.metrics, cfg.Push.Relay)
		if err != nil {
			return types.WrapError(err, "failed to register push relay")
		}
		surface, clients, notifications = s.relay, s.relay, s.relay
	}

	s.lifecycle, err = lifecycle.NewManager(s.logger, s.metrics, s.store, s.origin, cfg.Cache, cfg.Lifecycle,
		lifecycle.WithClients(clients))
	if err != nil {
		return types.WrapError(err, "failed to register lifecycle manager")
	}

	s.executor = strategy.NewExecutor(s.logger, s.metrics, s.store, s.origin, s.lifecycle, cfg.Strategy)
	s.classifier = router.NewClassifier(cfg.Routing)

	opts := make([]worker.Option, 0, 2)

	if cfg.Push != nil && cfg.Push.Enabled {
		opts = append(opts, worker.WithPush(push.NewHandler(s.logger, s.metrics, cfg.Push, surface, clients)))
	}

	if cfg.Outbox != nil && cfg.Outbox.Enabled {
		s.outbox, err = outbox.New(s.logger, s.metrics, s.origin, cfg.Outbox)
		if err != nil {
			return types.WrapError(err, "failed to register outbox")
		}
		opts = append(opts, worker.WithSync(s.outbox))
	}

	s.worker = worker.New(s.logger, s.metrics, s.classifier, s.lifecycle, s.executor, opts...)

	if s.relay != nil {
		s.relay.OnClick(func(ctx context.Context, notification *types.Notification, action string) error {
			return s.worker.Dispatch(ctx, worker.Event{
				Kind:         worker.EventNotificationClick,
				Notification: notification,
				Action:       action,
			}).Err
		})
	}

	s.health = health.NewManager(s.ctx, s.logger, types.ServiceInfo{Name: cfg.Name, Version: cfg.Version})
	s.health.RegisterChecker("cache", health.CacheChecker(s.store))
	s.health.RegisterChecker("lifecycle", health.LifecycleChecker(
		func() string { return string(s.lifecycle.State()) },
		func() string { return s.lifecycle.Generation().Version },
	))
	s.health.RegisterChecker("origin", health.BreakerChecker(s.origin.Breaker().StateString))

	if cfg.Cron != nil && cfg.Cron.Enabled {
		s.cron = cron.NewManager(s.ctx, s.logger, s.metrics, cfg.Cron)
		if err := s.registerJobs(cfg); err != nil {
			return err
		}
	}

	chain, err := middleware.NewChain(s.logger, s.metrics, cfg.Middlewares)
	if err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	deps := server.Deps{
		Worker:      s.worker,
		Lifecycle:   s.lifecycle,
		Origin:      s.origin,
		Health:      s.health,
		Middlewares: chain,
	}
	if cfg.Push != nil && cfg.Push.Enabled {
		deps.Notifications = notifications
	}
	if s.outbox != nil {
		deps.Outbox = s.outbox
	}
	if s.prometheus != nil {
		deps.Metrics = s.prometheus.Handler()
	}
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		certManager, err := tls.NewCertManager(s.logger, cfg.Server.TLS)
		if err != nil {
			return types.WrapError(err, "failed to register TLS manager")
		}
		deps.TLS = certManager
	}

	s.server, err = server.NewHTTPServer(s.ctx, s.logger, cfg, deps)
	if err != nil {
		return types.WrapError(err, "failed to register HTTP server")
	}

	return nil
}

func (s *Service) registerJobs(cfg *types.ServiceConfig) error {
	if s.outbox != nil && cfg.Outbox.Schedule != "" {
		err := s.cron.Add(jobOutboxSync, cfg.Outbox.Schedule, func(ctx context.Context) error {
			return s.worker.Dispatch(ctx, worker.Event{Kind: worker.EventSync, Tag: s.outbox.Tag()}).Err
		})
		if err != nil {
			return types.WrapError(err, "failed to register outbox sync job")
		}
	}

	if cfg.Lifecycle.CheckSchedule != "" {
		err := s.cron.Add(jobUpdateCheck, cfg.Lifecycle.CheckSchedule, s.checkForUpdate)
		if err != nil {
			return types.WrapError(err, "failed to register update check job")
		}
	}

	return nil
}

// checkForUpdate reloads the configuration file and installs a new
// generation when the configured version changed.
func (s *Service) checkForUpdate(ctx context.Context) error {
	if err := s.config.Load(); err != nil {
		return err
	}

	installed, err := s.lifecycle.Update(ctx, s.config.GetConfig().Lifecycle)
	if err != nil {
		return err
	}
	if installed {
		s.logger.Info("Cache generation updated", zap.String("state", string(s.lifecycle.State())))
	}
	return nil
}

// Run starts the service and blocks until it is stopped by a signal, by
// Stop or by the parent context.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.state.Store(StateStopped)

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Start() (err error) {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("service panic: %v", r)
			s.logger.Error("Service start panic", zap.String("stack", string(buf[:n])))
			s.state.Store(StateStopped)
		}
	}()

	s.logger.Info("Starting service")

	if err := s.startComponents(); err != nil {
		s.state.Store(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.state.Store(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully")
	return nil
}

func (s *Service) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

// Install runs the install event once and, unless the generation waits
// for activation, leaves it active. Used by the CLI.
func (s *Service) Install(ctx context.Context) (lifecycle.Status, error) {
	err := s.worker.Dispatch(ctx, worker.Event{Kind: worker.EventInstall}).Err
	return s.lifecycle.Status(), err
}

func (s *Service) Classify(req *types.Request) router.Decision {
	return s.classifier.Classify(req)
}

func (s *Service) Worker() *worker.Worker {
	return s.worker
}

func (s *Service) Close() {
	s.cancel()
	s.closeResources()
}

func (s *Service) startComponents() error {
	cfg := s.config.GetConfig()

	if err := s.metrics.Start(); err != nil {
		s.logger.Error("Failed to start metrics manager", zap.Error(err))
	}

	if err := s.health.Start(); err != nil {
		s.logger.Error("Failed to start health manager", zap.Error(err))
	}

	if s.relay != nil {
		if err := s.relay.Start(); err != nil {
			s.logger.Error("Failed to start push relay", zap.Error(err))
		}
	}

	if cfg.Lifecycle.InstallOnStart {
		timeout := cfg.Lifecycle.InstallTimeout
		if timeout <= 0 {
			timeout = defaultInstallT
		}

		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		_, err := s.Install(ctx)
		cancel()

		if err != nil {
			s.logger.Error("Initial install failed, serving without precache", zap.Error(err))
		}
	}

	if err := s.server.Start(); err != nil {
		return err
	}

	if s.cron != nil {
		if err := s.cron.Start(); err != nil {
			s.logger.Error("Failed to start cron manager", zap.Error(err))
		}
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Stopping service components...")

	g, gCtx := errgroup.WithContext(ctx)

	stoppers := map[string]types.Component{"HTTP server": s.server}
	if s.cron != nil {
		stoppers["cron manager"] = s.cron
	}
	if s.relay != nil {
		stoppers["push relay"] = s.relay
	}

	for name, stopper := range stoppers {
		g.Go(func() error {
			if err := stopper.Stop(); err != nil {
				s.logger.Error("Failed to stop component", zap.String("component", name), zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
		}
	}

	if err := s.executor.Close(ctx); err != nil {
		s.logger.Warn("Background refreshes did not finish", zap.Error(err))
	}

	if err := s.health.Stop(); err != nil {
		s.logger.Debug("Health manager already stopped", zap.Error(err))
	}

	if err := s.metrics.Stop(); err != nil {
		s.logger.Debug("Metrics manager already stopped", zap.Error(err))
	}

	s.closeResources()

	s.logger.Info("All components stopped successfully")
	return nil
}

func (s *Service) closeResources() {
	if s.outbox != nil {
		if err := s.outbox.Close(); err != nil && s.logger != nil {
			s.logger.Error("Failed to close outbox", zap.Error(err))
		}
	}

	if s.origin != nil {
		s.origin.Close()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil && s.logger != nil {
			s.logger.Error("Failed to close cache storage", zap.Error(err))
		}
	}

	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.state.CompareAndSwap(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
			s.logger.Info("Service context cancelled")
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}
