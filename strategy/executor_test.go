package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

const (
	runtimeBucket  = "app-runtime"
	precacheBucket = "app-precache-v1"
)

type staticBuckets struct {
	store *cache.Storage
}

func (staticBuckets) OfflineURL() string { return "/offline/" }

func (b staticBuckets) MatchRuntime(ctx context.Context, req *types.Request) (*types.Response, bool, error) {
	has, err := b.store.Has(ctx, runtimeBucket)
	if err != nil || !has {
		return nil, false, err
	}
	bucket, err := b.store.Open(ctx, runtimeBucket)
	if err != nil {
		return nil, false, err
	}
	return bucket.Match(ctx, req)
}

func (b staticBuckets) PutRuntime(ctx context.Context, req *types.Request, resp *types.Response) error {
	bucket, err := b.store.Open(ctx, runtimeBucket)
	if err != nil {
		return err
	}
	return bucket.Put(ctx, req, resp)
}

var errNetwork = errors.New("connection refused")

// network is a scripted fetcher that can be switched offline.
type network struct {
	mu      sync.Mutex
	offline bool
	status  int
	bodies  map[string]string
	calls   atomic.Int32
}

func newNetwork() *network {
	return &network{status: http.StatusOK, bodies: make(map[string]string)}
}

func (n *network) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *network) setBody(path, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[path] = body
}

func (n *network) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	n.calls.Add(1)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.offline {
		return nil, errNetwork
	}
	return types.NewResponse(n.status, []byte(n.bodies[req.Path()])), nil
}

func newExecutor(t *testing.T, fetcher types.Fetcher) (*Executor, *cache.Storage) {
	t.Helper()

	store := cache.NewStorageWithBackend(cache.NewMemoryBackend(logger.NewNop()), logger.NewNop(), metrics.NewNop())
	e := NewExecutor(logger.NewNop(), metrics.NewNop(), store, fetcher, staticBuckets{store: store}, &types.StrategyConfig{
		NetworkTimeout:    time.Second,
		BackgroundTimeout: time.Second,
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	return e, store
}

func runtimeKeys(t *testing.T, store *cache.Storage) []string {
	t.Helper()

	has, err := store.Has(context.Background(), runtimeBucket)
	require.NoError(t, err)
	if !has {
		return nil
	}

	b, err := store.Open(context.Background(), runtimeBucket)
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestNetworkFirstRoundTrip(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	net.setBody("/static/main.css", "body{color:red}")
	e, store := newExecutor(t, net)

	req := types.NewRequest(http.MethodGet, "/static/main.css")

	result := e.Run(ctx, types.StrategyNetworkFirst, req)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeMiss, result.Outcome)
	assert.Equal(t, "body{color:red}", string(result.Response.Body))
	assert.Equal(t, []string{"GET /static/main.css"}, runtimeKeys(t, store))

	stored, found, err := store.Match(ctx, req)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "body{color:red}", string(stored.Body))

	net.setOffline(true)

	result = e.Run(ctx, types.StrategyNetworkFirst, req)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeHit, result.Outcome)
	assert.Equal(t, "body{color:red}", string(result.Response.Body))
}

func TestNetworkFirstOfflineWithoutEntry(t *testing.T) {
	net := newNetwork()
	net.setOffline(true)
	e, _ := newExecutor(t, net)

	_, err := e.Execute(context.Background(), types.StrategyNetworkFirst, types.NewRequest(http.MethodGet, "/media/a.png"))
	assert.ErrorIs(t, err, errNetwork)
}

func TestNetworkFirstDoesNotStoreErrors(t *testing.T) {
	net := newNetwork()
	net.status = http.StatusInternalServerError
	e, store := newExecutor(t, net)

	resp, err := e.Execute(context.Background(), types.StrategyNetworkFirst, types.NewRequest(http.MethodGet, "/media/a.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Empty(t, runtimeKeys(t, store))
}

func TestNetworkOnlyPropagatesFailure(t *testing.T) {
	net := newNetwork()
	net.setOffline(true)
	e, store := newExecutor(t, net)

	precache, err := store.Open(context.Background(), precacheBucket)
	require.NoError(t, err)
	require.NoError(t, precache.Put(context.Background(), types.NewRequest(http.MethodGet, "/offline/"), types.NewResponse(http.StatusOK, []byte("offline"))))

	result := e.Run(context.Background(), types.StrategyNetworkOnly, types.NewRequest(http.MethodGet, "/api/reviews/1/vote/"))
	assert.ErrorIs(t, result.Err, errNetwork)
	assert.NotErrorIs(t, result.Err, types.ErrOffline)
	assert.Nil(t, result.Response)
	assert.Empty(t, runtimeKeys(t, store))
}

func TestNetworkOnlyNeverWrites(t *testing.T) {
	net := newNetwork()
	e, store := newExecutor(t, net)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp, err := e.Execute(context.Background(), types.StrategyNetworkOnly, types.NewRequest(method, "/api/reviews/"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
	}

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOfflineFallback(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	net.setBody("/business/1/", "<html>business</html>")
	e, store := newExecutor(t, net)

	precache, err := store.Open(ctx, precacheBucket)
	require.NoError(t, err)
	require.NoError(t, precache.Put(ctx, types.NewRequest(http.MethodGet, "/offline/"), types.NewResponse(http.StatusOK, []byte("<html>offline</html>"))))

	req := types.NewRequest(http.MethodGet, "/business/1/")
	req.Mode = types.ModeNavigate

	result := e.Run(ctx, types.StrategyNetworkOnlyWithOffline, req)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeBypass, result.Outcome)
	assert.Equal(t, "<html>business</html>", string(result.Response.Body))
	assert.Empty(t, runtimeKeys(t, store))

	net.setOffline(true)

	result = e.Run(ctx, types.StrategyNetworkOnlyWithOffline, req)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeOffline, result.Outcome)
	assert.Equal(t, "<html>offline</html>", string(result.Response.Body))
}

func TestOfflineFallbackKeepsNon200(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	net.status = http.StatusNotFound
	e, store := newExecutor(t, net)

	precache, err := store.Open(ctx, precacheBucket)
	require.NoError(t, err)
	require.NoError(t, precache.Put(ctx, types.NewRequest(http.MethodGet, "/offline/"), types.NewResponse(http.StatusOK, []byte("offline"))))

	resp, err := e.Execute(ctx, types.StrategyNetworkOnlyWithOffline, types.NewRequest(http.MethodGet, "/gone/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestOfflineFallbackMissingPage(t *testing.T) {
	net := newNetwork()
	net.setOffline(true)
	e, _ := newExecutor(t, net)

	_, err := e.Execute(context.Background(), types.StrategyNetworkOnlyWithOffline, types.NewRequest(http.MethodGet, "/"))
	assert.ErrorIs(t, err, types.ErrOffline)
	assert.ErrorIs(t, err, errNetwork)
}

func TestCacheFirstMissThenHitWithBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	net.setBody("/static/js/app.js", "v1")
	e, store := newExecutor(t, net)

	req := types.NewRequest(http.MethodGet, "/static/js/app.js")

	result := e.Run(ctx, types.StrategyCacheFirst, req)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeMiss, result.Outcome)
	assert.Equal(t, "v1", string(result.Response.Body))

	net.setBody("/static/js/app.js", "v2")

	result = e.Run(ctx, types.StrategyCacheFirst, req)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeHit, result.Outcome)
	assert.Equal(t, "v1", string(result.Response.Body))

	require.NoError(t, e.Wait(ctx))

	stored, found, err := store.Match(ctx, req)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(stored.Body))
}

func TestCacheFirstRefreshFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	net.setBody("/static/favicons/favicon.png", "icon")
	e, store := newExecutor(t, net)

	req := types.NewRequest(http.MethodGet, "/static/favicons/favicon.png")
	_, err := e.Execute(ctx, types.StrategyCacheFirst, req)
	require.NoError(t, err)

	net.setOffline(true)

	resp, err := e.Execute(ctx, types.StrategyCacheFirst, req)
	require.NoError(t, err)
	assert.Equal(t, "icon", string(resp.Body))
	require.NoError(t, e.Wait(ctx))

	stored, found, err := store.Match(ctx, req)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "icon", string(stored.Body))
}

func TestCacheFirstMissOffline(t *testing.T) {
	net := newNetwork()
	net.setOffline(true)
	e, _ := newExecutor(t, net)

	_, err := e.Execute(context.Background(), types.StrategyCacheFirst, types.NewRequest(http.MethodGet, "/static/x.js"))
	assert.ErrorIs(t, err, errNetwork)
}

func TestRefreshDoesNotBlockCaller(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var slow atomic.Bool

	fetcher := types.FetcherFunc(func(ctx context.Context, req *types.Request) (*types.Response, error) {
		if slow.Load() {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return types.NewResponse(http.StatusOK, []byte("fresh")), nil
	})
	e, _ := newExecutor(t, fetcher)

	req := types.NewRequest(http.MethodGet, "/static/a.js")
	_, err := e.Execute(ctx, types.StrategyCacheFirst, req)
	require.NoError(t, err)

	slow.Store(true)

	done := make(chan struct{})
	go func() {
		_, _ = e.Execute(ctx, types.StrategyCacheFirst, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cache hit waited on background refresh")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Wait(waitCtx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.Wait(ctx))
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	e, _ := newExecutor(t, net)

	req := types.NewRequest(http.MethodGet, "/static/b.js")
	_, err := e.Execute(ctx, types.StrategyCacheFirst, req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Execute(ctx, types.StrategyCacheFirst, req)
		}()
	}
	wg.Wait()
	require.NoError(t, e.Wait(ctx))

	assert.LessOrEqual(t, net.calls.Load(), int32(21))
}

func TestUnknownStrategy(t *testing.T) {
	e, _ := newExecutor(t, newNetwork())

	result := e.Run(context.Background(), types.StrategyName("stale-forever"), types.NewRequest(http.MethodGet, "/"))
	assert.ErrorIs(t, result.Err, types.ErrStrategyUnknown)
	assert.Equal(t, OutcomeError, result.Outcome)
}

func seedPrecache(t *testing.T, store *cache.Storage, path, body string) {
	t.Helper()

	b, err := store.Open(context.Background(), precacheBucket)
	require.NoError(t, err)
	require.NoError(t, b.Put(context.Background(), types.NewRequest(http.MethodGet, path), types.NewResponse(http.StatusOK, []byte(body))))
}

func TestRuntimeEntriesShadowPrecache(t *testing.T) {
	ctx := context.Background()

	t.Run("network first falls back to the refreshed copy", func(t *testing.T) {
		net := newNetwork()
		e, store := newExecutor(t, net)
		seedPrecache(t, store, "/static/main.css", "v1")

		net.setBody("/static/main.css", "v2")
		req := types.NewRequest(http.MethodGet, "/static/main.css")

		result := e.Run(ctx, types.StrategyNetworkFirst, req)
		require.NoError(t, result.Err)
		assert.Equal(t, "v2", string(result.Response.Body))

		net.setOffline(true)

		result = e.Run(ctx, types.StrategyNetworkFirst, req)
		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeHit, result.Outcome)
		assert.Equal(t, "v2", string(result.Response.Body))
	})

	t.Run("cache first serves the background refresh", func(t *testing.T) {
		net := newNetwork()
		e, store := newExecutor(t, net)
		seedPrecache(t, store, "/static/favicons/favicon.png", "v1")

		net.setBody("/static/favicons/favicon.png", "v2")
		req := types.NewRequest(http.MethodGet, "/static/favicons/favicon.png")

		result := e.Run(ctx, types.StrategyCacheFirst, req)
		require.NoError(t, result.Err)
		assert.Equal(t, "v1", string(result.Response.Body))
		require.NoError(t, e.Wait(ctx))

		result = e.Run(ctx, types.StrategyCacheFirst, req)
		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeHit, result.Outcome)
		assert.Equal(t, "v2", string(result.Response.Body))
		require.NoError(t, e.Wait(ctx))
	})
}
