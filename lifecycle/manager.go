package lifecycle

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateSuperseded State = "superseded"
	StateRedundant  State = "redundant"
)

const maxRetired = 8

type Generation struct {
	Version        string    `json:"version"`
	PrecacheBucket string    `json:"precache_bucket"`
	RuntimeBucket  string    `json:"runtime_bucket"`
	State          State     `json:"state"`
	InstalledAt    time.Time `json:"installed_at,omitempty"`
	ActivatedAt    time.Time `json:"activated_at,omitempty"`
}

type Status struct {
	State      State        `json:"state"`
	Active     *Generation  `json:"active,omitempty"`
	Waiting    *Generation  `json:"waiting,omitempty"`
	Failed     *Generation  `json:"failed,omitempty"`
	Superseded []Generation `json:"superseded,omitempty"`
}

type Option func(*Manager)

func WithClients(clients types.Clients) Option {
	return func(m *Manager) {
		m.clients = clients
	}
}

type Manager struct {
	logger            types.Logger
	metrics           types.MetricsManager
	store             types.CacheStorage
	fetcher           types.Fetcher
	clients           types.Clients
	prefix            string
	runtimePerVersion bool
	config            atomic.Pointer[types.LifecycleConfig]
	installing        atomic.Bool
	active            *Generation
	waiting           *Generation
	failed            *Generation
	retired           []Generation
	mu                sync.RWMutex
}

func NewManager(logger types.Logger, metrics types.MetricsManager, store types.CacheStorage, fetcher types.Fetcher, cacheConfig *types.CacheConfig, config *types.LifecycleConfig, opts ...Option) (*Manager, error) {
	if cacheConfig == nil || config == nil {
		return nil, types.ErrConfigIsNil
	}
	if err := checkOfflineURL(config); err != nil {
		return nil, err
	}

	m := &Manager{
		logger:            logger,
		metrics:           metrics,
		store:             store,
		fetcher:           fetcher,
		prefix:            cacheConfig.Prefix,
		runtimePerVersion: cacheConfig.RuntimePerVersion,
	}
	m.config.Store(config)

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Install precaches the configured list into a new generation. Either every
// URL is fetched with status 200 and stored, or nothing is written and the
// active generation keeps serving.
func (m *Manager) Install(ctx context.Context) error {
	if !m.installing.CompareAndSwap(false, true) {
		return types.ErrInstallInProgress
	}
	defer m.installing.Store(false)

	config := m.config.Load()
	if err := checkOfflineURL(config); err != nil {
		return err
	}

	gen := m.newGeneration(config.Version)
	gen.State = StateInstalling

	m.logger.Info("Installing cache generation",
		zap.String("version", gen.Version),
		zap.String("bucket", gen.PrecacheBucket),
		zap.Int("urls", len(config.Precache)))

	if err := m.precache(ctx, gen, config); err != nil {
		gen.State = StateRedundant
		m.mu.Lock()
		m.failed = gen
		m.mu.Unlock()

		m.recordInstall("failure")
		m.logger.Error("Cache generation install failed",
			zap.String("version", gen.Version),
			zap.Error(err))
		return err
	}

	gen.InstalledAt = time.Now()
	m.recordInstall("success")

	m.mu.Lock()
	m.failed = nil
	if m.active != nil && m.active.Version == gen.Version {
		m.active.InstalledAt = gen.InstalledAt
		m.mu.Unlock()
		m.logger.Info("Cache generation refreshed", zap.String("version", gen.Version))
		return nil
	}
	gen.State = StateWaiting
	m.waiting = gen
	m.mu.Unlock()

	m.logger.Info("Cache generation installed", zap.String("version", gen.Version))

	if config.SkipWaitingOnInstall {
		return m.Activate(ctx)
	}
	return nil
}

// Activate promotes the waiting generation, deleting every bucket except
// its precache and runtime buckets. Bucket deletion failures are logged
// and do not stop activation.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.waiting
	if gen == nil {
		return types.ErrNoWaitingGeneration
	}

	if _, err := m.store.Open(ctx, gen.RuntimeBucket); err != nil {
		return types.WrapError(err, "failed to open runtime cache")
	}

	if err := m.store.DeleteExcept(ctx, gen.PrecacheBucket, gen.RuntimeBucket); err != nil {
		m.logger.Warn("Some stale caches were not deleted",
			zap.String("version", gen.Version),
			zap.Error(err))
	}

	if m.active != nil {
		previous := *m.active
		previous.State = StateSuperseded
		m.retired = append(m.retired, previous)
		if len(m.retired) > maxRetired {
			m.retired = m.retired[len(m.retired)-maxRetired:]
		}
	}

	gen.State = StateActive
	gen.ActivatedAt = time.Now()
	m.active = gen
	m.waiting = nil

	m.metrics.Counter("lifecycle_activations_total", map[string]string{}).Inc()
	m.metrics.Gauge("lifecycle_superseded_generations", map[string]string{}).Set(float64(len(m.retired)))
	m.logger.Info("Cache generation activated",
		zap.String("version", gen.Version),
		zap.String("precache", gen.PrecacheBucket),
		zap.String("runtime", gen.RuntimeBucket))

	if m.clients != nil {
		if err := m.clients.Claim(ctx); err != nil {
			m.logger.Warn("Failed to claim clients", zap.Error(err))
		}
	}

	return nil
}

// SkipWaiting activates a waiting generation; without one it does nothing.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	err := m.Activate(ctx)
	if types.IsError(err, types.ErrNoWaitingGeneration) {
		m.logger.Debug("Skip waiting requested with no waiting generation")
		return nil
	}
	return err
}

// Update swaps the lifecycle configuration and installs when the version
// differs from both the active and the waiting generation.
func (m *Manager) Update(ctx context.Context, config *types.LifecycleConfig) (bool, error) {
	if config == nil {
		return false, types.ErrConfigIsNil
	}
	if err := checkOfflineURL(config); err != nil {
		return false, err
	}

	m.config.Store(config)

	m.mu.RLock()
	current := m.active != nil && m.active.Version == config.Version
	pending := m.waiting != nil && m.waiting.Version == config.Version
	m.mu.RUnlock()

	if current || pending {
		return false, nil
	}

	m.logger.Info("New cache version detected", zap.String("version", config.Version))
	return true, m.Install(ctx)
}

func (m *Manager) State() State {
	if m.installing.Load() {
		return StateInstalling
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.waiting != nil:
		return StateWaiting
	case m.active != nil:
		return StateActive
	case m.failed != nil:
		return StateRedundant
	default:
		return StateIdle
	}
}

// Generation returns the active generation, or the one the configuration
// names when nothing is active yet.
func (m *Manager) Generation() Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.generationLocked()
}

func (m *Manager) generationLocked() Generation {
	if m.active != nil {
		return *m.active
	}

	gen := m.newGeneration(m.config.Load().Version)
	gen.State = StateIdle
	return *gen
}

func (m *Manager) Status() Status {
	status := Status{State: m.State()}

	m.mu.RLock()
	defer m.mu.RUnlock()

	status.Active = copyGeneration(m.active)
	status.Waiting = copyGeneration(m.waiting)
	status.Failed = copyGeneration(m.failed)
	status.Superseded = slices.Clone(m.retired)

	return status
}

func (m *Manager) RuntimeBucket() string {
	return m.Generation().RuntimeBucket
}

// MatchRuntime looks req up in the current runtime bucket without creating
// it. Activation waits for the lookup to finish.
func (m *Manager) MatchRuntime(ctx context.Context, req *types.Request) (*types.Response, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := m.generationLocked().RuntimeBucket

	has, err := m.store.Has(ctx, name)
	if err != nil || !has {
		return nil, false, err
	}

	bucket, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return bucket.Match(ctx, req)
}

// PutRuntime stores resp in the current runtime bucket. The bucket name is
// resolved and written under the same lock Activate takes, so a write never
// recreates a bucket that activation has just dropped.
func (m *Manager) PutRuntime(ctx context.Context, req *types.Request, resp *types.Response) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := m.generationLocked().RuntimeBucket

	bucket, err := m.store.Open(ctx, name)
	if err != nil {
		return types.WrapError(err, "failed to open runtime cache "+name)
	}
	return bucket.Put(ctx, req, resp)
}

func (m *Manager) OfflineURL() string {
	return m.config.Load().OfflineURL
}

func (m *Manager) PrecacheBucketName(version string) string {
	return m.prefix + "-precache-" + version
}

func (m *Manager) RuntimeBucketName(version string) string {
	if m.runtimePerVersion {
		return m.prefix + "-runtime-" + version
	}
	return m.prefix + "-runtime"
}

func (m *Manager) newGeneration(version string) *Generation {
	return &Generation{
		Version:        version,
		PrecacheBucket: m.PrecacheBucketName(version),
		RuntimeBucket:  m.RuntimeBucketName(version),
	}
}

func (m *Manager) precache(ctx context.Context, gen *Generation, config *types.LifecycleConfig) error {
	if config.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.InstallTimeout)
		defer cancel()
	}

	requests := make([]*types.Request, len(config.Precache))
	responses := make([]*types.Response, len(config.Precache))

	g, gCtx := errgroup.WithContext(ctx)
	for i, url := range config.Precache {
		requests[i] = types.NewRequest(http.MethodGet, url)

		g.Go(func() error {
			resp, err := m.fetcher.Fetch(gCtx, requests[i])
			if err != nil {
				return types.Errorf(types.ErrPrecacheFailed, "%s: %v", url, err)
			}
			if !resp.Cacheable() {
				return types.Errorf(types.ErrPrecacheFailed, "%s: status %d", url, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	existed, err := m.store.Has(ctx, gen.PrecacheBucket)
	if err != nil {
		return types.WrapError(err, "failed to check precache bucket")
	}

	bucket, err := m.store.Open(ctx, gen.PrecacheBucket)
	if err != nil {
		return types.WrapError(err, "failed to open precache bucket")
	}

	for i, req := range requests {
		if err := bucket.Put(ctx, req, responses[i]); err != nil {
			if !existed {
				if _, dropErr := m.store.Delete(ctx, gen.PrecacheBucket); dropErr != nil {
					m.logger.Error("Failed to drop partial precache bucket",
						zap.String("bucket", gen.PrecacheBucket),
						zap.Error(dropErr))
				}
			}
			return types.Errorf(types.ErrPrecacheFailed, "store %s: %v", req.URL, err)
		}
	}

	return nil
}

func (m *Manager) recordInstall(result string) {
	m.metrics.Counter("lifecycle_installs_total", map[string]string{"result": result}).Inc()
}

func checkOfflineURL(config *types.LifecycleConfig) error {
	if config.OfflineURL == "" {
		return nil
	}
	offline := types.NormalizeURL(config.OfflineURL, "")
	for _, url := range config.Precache {
		if types.NormalizeURL(url, "") == offline {
			return nil
		}
	}
	return types.Errorf(types.ErrOfflineURLMissing, "offline url %s", config.OfflineURL)
}

func copyGeneration(gen *Generation) *Generation {
	if gen == nil {
		return nil
	}
	c := *gen
	return &c
}
