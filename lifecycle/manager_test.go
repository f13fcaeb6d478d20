package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

type origin struct {
	mu     sync.Mutex
	failed map[string]bool
	status map[string]int
}

func newOrigin() *origin {
	return &origin{failed: make(map[string]bool), status: make(map[string]int)}
}

func (o *origin) fail(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[path] = true
}

func (o *origin) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failed[req.Path()] {
		return nil, errors.New("connection reset")
	}
	status := http.StatusOK
	if s, ok := o.status[req.Path()]; ok {
		status = s
	}
	return types.NewResponse(status, []byte("content of "+req.Path())), nil
}

type claimCounter struct {
	claims atomic.Int32
}

func (c *claimCounter) OpenWindow(context.Context, string) error { return nil }
func (c *claimCounter) Claim(context.Context) error {
	c.claims.Add(1)
	return nil
}

func newManager(t *testing.T, fetcher types.Fetcher, cfg *types.LifecycleConfig, opts ...Option) (*Manager, *cache.Storage) {
	t.Helper()

	store := cache.NewStorageWithBackend(cache.NewMemoryBackend(logger.NewNop()), logger.NewNop(), metrics.NewNop())
	m, err := NewManager(logger.NewNop(), metrics.NewNop(), store, fetcher,
		&types.CacheConfig{Type: "memory", Prefix: "app"}, cfg, opts...)
	require.NoError(t, err)

	return m, store
}

func lifecycleConfig(version string, skipWaiting bool, urls ...string) *types.LifecycleConfig {
	return &types.LifecycleConfig{
		Version:              version,
		Precache:             urls,
		OfflineURL:           "/offline/",
		SkipWaitingOnInstall: skipWaiting,
	}
}

func bucketKeys(t *testing.T, store *cache.Storage, name string) []string {
	t.Helper()
	b, err := store.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestInstallFailsWhenAnyPrecacheFetchFails(t *testing.T) {
	ctx := context.Background()
	o := newOrigin()
	o.fail("/offline/")

	m, store := newManager(t, o, lifecycleConfig("v1", true, "/", "/offline/"))

	err := m.Install(ctx)
	require.ErrorIs(t, err, types.ErrPrecacheFailed)
	assert.Equal(t, StateRedundant, m.State())

	buckets, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, buckets)

	_, found, err := store.Match(ctx, types.NewRequest(http.MethodGet, "/"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInstallRejectsNon200(t *testing.T) {
	o := newOrigin()
	o.status["/"] = http.StatusFound

	m, _ := newManager(t, o, lifecycleConfig("v1", true, "/", "/offline/"))
	assert.ErrorIs(t, m.Install(context.Background()), types.ErrPrecacheFailed)
}

func TestFailedInstallKeepsPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	o := newOrigin()

	m, store := newManager(t, o, lifecycleConfig("v1", true, "/", "/offline/"))
	require.NoError(t, m.Install(ctx))

	o.fail("/static/new.css")
	updated, err := m.Update(ctx, lifecycleConfig("v2", true, "/", "/static/new.css", "/offline/"))
	assert.True(t, updated)
	require.ErrorIs(t, err, types.ErrPrecacheFailed)

	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, "v1", m.Generation().Version)

	buckets, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-precache-v1", "app-runtime"}, buckets)
}

func TestInstallAndActivate(t *testing.T) {
	ctx := context.Background()
	claims := &claimCounter{}
	m, store := newManager(t, newOrigin(), lifecycleConfig("v1", false, "/", "/static/main.css", "/offline/"), WithClients(claims))

	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Install(ctx))
	assert.Equal(t, StateWaiting, m.State())

	assert.Equal(t, []string{"GET /", "GET /offline/", "GET /static/main.css"}, bucketKeys(t, store, "app-precache-v1"))

	require.NoError(t, m.SkipWaiting(ctx))
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, int32(1), claims.claims.Load())

	gen := m.Generation()
	assert.Equal(t, "v1", gen.Version)
	assert.Equal(t, "app-precache-v1", gen.PrecacheBucket)
	assert.Equal(t, "app-runtime", gen.RuntimeBucket)
	assert.Equal(t, StateActive, gen.State)
	assert.False(t, gen.ActivatedAt.IsZero())
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, newOrigin(), lifecycleConfig("v1", true, "/", "/offline/"))

	require.NoError(t, m.Install(ctx))
	first := bucketKeys(t, store, "app-precache-v1")
	before, found, err := store.Match(ctx, types.NewRequest(http.MethodGet, "/"))
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, m.Install(ctx))
	second := bucketKeys(t, store, "app-precache-v1")
	after, found, err := store.Match(ctx, types.NewRequest(http.MethodGet, "/"))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, first, second)
	assert.Equal(t, before.Body, after.Body)

	buckets, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-precache-v1", "app-runtime"}, buckets)
	assert.Equal(t, StateActive, m.State())
}

func TestActivationLeavesOnlyCurrentBuckets(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, newOrigin(), lifecycleConfig("v1", true, "/", "/offline/"))
	require.NoError(t, m.Install(ctx))

	for _, stale := range []string{"fikrly-v0.9.0", "unrelated", "app-runtime-v0"} {
		_, err := store.Open(ctx, stale)
		require.NoError(t, err)
	}

	updated, err := m.Update(ctx, lifecycleConfig("v2", true, "/", "/offline/"))
	require.NoError(t, err)
	assert.True(t, updated)

	buckets, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-precache-v2", "app-runtime"}, buckets)

	status := m.Status()
	assert.Equal(t, StateActive, status.State)
	require.Len(t, status.Superseded, 1)
	assert.Equal(t, "v1", status.Superseded[0].Version)
	assert.Equal(t, StateSuperseded, status.Superseded[0].State)
}

func TestUpdateSameVersionIsNoop(t *testing.T) {
	ctx := context.Background()
	cfg := lifecycleConfig("v1", true, "/", "/offline/")
	m, _ := newManager(t, newOrigin(), cfg)
	require.NoError(t, m.Install(ctx))

	updated, err := m.Update(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestSkipWaitingWithoutWaitingGeneration(t *testing.T) {
	m, _ := newManager(t, newOrigin(), lifecycleConfig("v1", false, "/", "/offline/"))

	assert.NoError(t, m.SkipWaiting(context.Background()))
	assert.ErrorIs(t, m.Activate(context.Background()), types.ErrNoWaitingGeneration)
	assert.Equal(t, StateIdle, m.State())
}

func TestRuntimePerVersion(t *testing.T) {
	store := cache.NewStorageWithBackend(cache.NewMemoryBackend(logger.NewNop()), logger.NewNop(), metrics.NewNop())
	m, err := NewManager(logger.NewNop(), metrics.NewNop(), store, newOrigin(),
		&types.CacheConfig{Prefix: "app", RuntimePerVersion: true},
		lifecycleConfig("v3", true, "/", "/offline/"))
	require.NoError(t, err)

	assert.Equal(t, "app-runtime-v3", m.RuntimeBucket())
	assert.Equal(t, "/offline/", m.OfflineURL())
}

func TestOfflineURLMustBePrecached(t *testing.T) {
	store := cache.NewStorageWithBackend(cache.NewMemoryBackend(logger.NewNop()), logger.NewNop(), metrics.NewNop())
	_, err := NewManager(logger.NewNop(), metrics.NewNop(), store, newOrigin(),
		&types.CacheConfig{Prefix: "app"}, lifecycleConfig("v1", true, "/"))
	assert.ErrorIs(t, err, types.ErrOfflineURLMissing)
}

func TestRuntimeWritesNeverResurrectDroppedBuckets(t *testing.T) {
	ctx := context.Background()
	store := cache.NewStorageWithBackend(cache.NewMemoryBackend(logger.NewNop()), logger.NewNop(), metrics.NewNop())
	m, err := NewManager(logger.NewNop(), metrics.NewNop(), store, newOrigin(),
		&types.CacheConfig{Prefix: "app", RuntimePerVersion: true},
		lifecycleConfig("v1", true, "/", "/offline/"))
	require.NoError(t, err)
	require.NoError(t, m.Install(ctx))

	req := types.NewRequest(http.MethodGet, "/media/logo.png")
	resp := types.NewResponse(http.StatusOK, []byte("logo"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, m.PutRuntime(ctx, req, resp))
			}
		}()
	}

	installed, err := m.Update(ctx, lifecycleConfig("v2", true, "/", "/offline/"))
	require.NoError(t, err)
	require.True(t, installed)
	wg.Wait()

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-precache-v2", "app-runtime-v2"}, keys)
}

func TestMatchRuntimeDoesNotCreateBucket(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, newOrigin(), lifecycleConfig("v1", true, "/", "/offline/"))

	_, found, err := m.MatchRuntime(ctx, types.NewRequest(http.MethodGet, "/"))
	require.NoError(t, err)
	assert.False(t, found)

	has, err := store.Has(ctx, "app-runtime")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, m.PutRuntime(ctx, types.NewRequest(http.MethodGet, "/"), types.NewResponse(http.StatusOK, []byte("home"))))

	cached, found, err := m.MatchRuntime(ctx, types.NewRequest(http.MethodGet, "/"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "home", string(cached.Body))
}
