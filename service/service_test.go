package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/router"
	"github.com/saiset-co/sai-offline/types"
)

const configTemplate = `
name: sai-offline-test
version: 1.0.0
logger:
  level: error
origin:
  base_url: %s
lifecycle:
  version: %s
  precache: ["/", "/offline/"]
  offline_url: /offline/
  install_on_start: false
  skip_waiting_on_install: true
`

func writeConfig(t *testing.T, path, origin, version string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(configTemplate, origin, version)), 0o600))
}

func newTestService(t *testing.T) (*Service, string, string) {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "page %s", r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, origin.URL, "v1")

	s, err := NewService(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, path, origin.URL
}

func TestNewService_InvalidPath(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestService_InstallAndFetch(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	status, err := s.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, status.State)
	require.NotNil(t, status.Active)
	assert.Equal(t, "v1", status.Active.Version)

	req := types.NewRequest(http.MethodGet, "/")
	req.Mode = types.ModeNavigate

	res := s.Worker().Fetch(ctx, req)
	require.NoError(t, res.Err)
	assert.Equal(t, "page /", string(res.Response.Body))
}

func TestService_Classify(t *testing.T) {
	s, _, _ := newTestService(t)

	admin := types.NewRequest(http.MethodGet, "http://localhost/admin/users/")
	assert.Equal(t, router.RuleExcluded, s.Classify(admin).Rule)

	media := types.NewRequest(http.MethodGet, "http://localhost/media/logo.png")
	assert.Equal(t, types.StrategyNetworkFirst, s.Classify(media).Strategy)
}

func TestService_CheckForUpdate(t *testing.T) {
	s, path, origin := newTestService(t)
	ctx := context.Background()

	_, err := s.Install(ctx)
	require.NoError(t, err)

	require.NoError(t, s.checkForUpdate(ctx))
	assert.Equal(t, "v1", s.lifecycle.Generation().Version)

	writeConfig(t, path, origin, "v2")
	require.NoError(t, s.checkForUpdate(ctx))

	assert.Equal(t, "v2", s.lifecycle.Generation().Version)
	assert.Equal(t, lifecycle.StateActive, s.lifecycle.State())
}

func TestService_StopWhenNotRunning(t *testing.T) {
	s, _, _ := newTestService(t)
	assert.ErrorIs(t, s.Stop(), types.ErrServiceIsNotRunning)
	assert.False(t, s.IsRunning())
}
