package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func constant(value string) func() string {
	return func() string { return value }
}

func TestManager_CheckAggregates(t *testing.T) {
	tests := []struct {
		name     string
		cacheErr error
		state    string
		circuit  string
		want     types.HealthStatus
	}{
		{name: "all healthy", state: "active", circuit: "closed", want: types.StatusHealthy},
		{name: "not installed yet", state: "idle", circuit: "closed", want: types.StatusUnknown},
		{name: "cache down", cacheErr: errors.New("dial tcp: refused"), state: "active", circuit: "closed", want: types.StatusUnhealthy},
		{name: "install failed", state: "redundant", circuit: "closed", want: types.StatusUnhealthy},
		{name: "circuit open", state: "active", circuit: "open", want: types.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewManager(context.Background(), logger.NewNop(), types.ServiceInfo{Name: "sai-offline", Version: "test"})
			hm.RegisterChecker("cache", CacheChecker(pingFunc(func(context.Context) error { return tt.cacheErr })))
			hm.RegisterChecker("lifecycle", LifecycleChecker(constant(tt.state), constant("v1")))
			hm.RegisterChecker("origin", BreakerChecker(constant(tt.circuit)))

			report := hm.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, 3, report.Summary.Total)
			assert.Equal(t, "sai-offline", report.Service.Name)
			assert.Equal(t, "cache", report.Checks["cache"].Name)
		})
	}
}

func TestManager_PanickingChecker(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop(), types.ServiceInfo{})
	hm.RegisterChecker("broken", func(context.Context) types.HealthCheck { panic("boom") })

	report := hm.Check(context.Background())
	require.Contains(t, report.Checks, "broken")
	assert.Equal(t, types.StatusUnhealthy, report.Checks["broken"].Status)
	assert.Contains(t, report.Checks["broken"].Message, "boom")

	last := hm.Last()
	assert.Equal(t, types.StatusUnhealthy, last.Status)
}

func TestManager_Lifecycle(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop(), types.ServiceInfo{})

	require.NoError(t, hm.Start())
	assert.True(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, hm.Stop())
	assert.False(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Stop(), types.ErrServerNotRunning)
}
