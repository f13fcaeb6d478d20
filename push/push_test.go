package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

func pushConfig() *types.PushConfig {
	return &types.PushConfig{
		Enabled:    true,
		Icon:       "/static/favicons/android-chrome-192x192.png",
		Badge:      "/static/favicons/favicon.png",
		Vibrate:    []int{200, 100, 200},
		ViewTitle:  "Ko'rish",
		CloseTitle: "Yopish",
	}
}

func newTestHandler(registry *Registry) *Handler {
	return NewHandler(logger.NewNop(), metrics.NewNop(), pushConfig(), registry, registry)
}

func TestPushThenTapOpensURL(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	h := newTestHandler(registry)

	n, err := h.Push(ctx, []byte(`{"title":"T","body":"B","url":"/x"}`))
	require.NoError(t, err)

	shown := registry.Notifications()
	require.Len(t, shown, 1)
	assert.Equal(t, "T", shown[0].Title)
	assert.Equal(t, "B", shown[0].Body)
	assert.Equal(t, "/static/favicons/android-chrome-192x192.png", shown[0].Icon)
	assert.Equal(t, []int{200, 100, 200}, shown[0].Vibrate)
	assert.Equal(t, []types.NotificationAction{
		{Action: ActionView, Title: "Ko'rish"},
		{Action: ActionClose, Title: "Yopish"},
	}, shown[0].Actions)

	require.NoError(t, h.Click(ctx, n, ""))
	assert.Equal(t, []string{"/x"}, registry.Opened())
	assert.Empty(t, registry.Notifications())
}

func TestClickActions(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		action string
		opened []string
	}{
		{"view opens url", "/business/7/", ActionView, []string{"/business/7/"}},
		{"close only closes", "/business/7/", ActionClose, nil},
		{"missing url opens root", "", "", []string{"/"}},
		{"unknown action ignored", "/x", "snooze", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			registry := NewRegistry()
			h := newTestHandler(registry)

			n := h.Build(types.PushPayload{Title: "T", URL: tt.url})
			require.NoError(t, registry.Show(ctx, n))

			require.NoError(t, h.Click(ctx, n, tt.action))
			assert.Equal(t, tt.opened, registry.Opened())

			_, visible := registry.Get(n.ID)
			assert.False(t, visible)
		})
	}
}

func TestDecodePayloadInvalid(t *testing.T) {
	for _, data := range []string{"", "   ", "not json", `{"title":`} {
		_, err := DecodePayload([]byte(data))
		assert.ErrorIs(t, err, types.ErrInvalidPayload, data)
	}

	h := newTestHandler(NewRegistry())
	_, err := h.Push(context.Background(), []byte("{"))
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
}

func TestBuildAssignsUniqueIDs(t *testing.T) {
	h := newTestHandler(NewRegistry())

	a := h.Build(types.PushPayload{Title: "a"})
	b := h.Build(types.PushPayload{Title: "b"})
	assert.NotEqual(t, a.ID, b.ID)

	a.Vibrate[0] = 1
	assert.Equal(t, 200, b.Vibrate[0])
}

type gateway struct {
	server   *httptest.Server
	received chan RelayMessage
	outgoing chan RelayMessage
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	g := &gateway{
		received: make(chan RelayMessage, 16),
		outgoing: make(chan RelayMessage, 16),
	}
	upgrader := websocket.Upgrader{}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for message := range g.outgoing {
				data, _ := utils.Marshal(message)
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var message RelayMessage
			if err := utils.Unmarshal(data, &message); err == nil {
				g.received <- message
			}
		}
	}))
	t.Cleanup(g.server.Close)

	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gateway) next(t *testing.T, messageType string) RelayMessage {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case message := <-g.received:
			if message.Type == messageType {
				return message
			}
		case <-timeout:
			t.Fatalf("no %s message received", messageType)
			return RelayMessage{}
		}
	}
}

func TestRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	relay, err := NewRelay(ctx, logger.NewNop(), metrics.NewNop(), &types.RelayConfig{
		Enabled:        true,
		URL:            gw.url(),
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	h := NewHandler(logger.NewNop(), metrics.NewNop(), pushConfig(), relay, relay)
	relay.OnClick(h.Click)

	assert.ErrorIs(t, relay.Show(ctx, &types.Notification{ID: "early"}), types.ErrSurfaceNotReady)

	require.NoError(t, relay.Start())
	t.Cleanup(func() { _ = relay.Stop() })

	n, err := h.Push(ctx, []byte(`{"title":"T","body":"B","url":"/x"}`))
	require.NoError(t, err)

	shown := gw.next(t, MessageShow)
	require.NotNil(t, shown.Notification)
	assert.Equal(t, "T", shown.Notification.Title)
	assert.Equal(t, n.ID, shown.ID)

	gw.outgoing <- RelayMessage{Type: MessageClick, ID: n.ID}

	closed := gw.next(t, MessageClose)
	assert.Equal(t, n.ID, closed.ID)

	opened := gw.next(t, MessageOpenWindow)
	assert.Equal(t, "/x", opened.URL)
}

func TestRelayForgetsNotificationsClosedByGateway(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(t)

	relay, err := NewRelay(ctx, logger.NewNop(), metrics.NewNop(), &types.RelayConfig{
		Enabled:  true,
		URL:      gw.url(),
		MaxShown: 2,
	})
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(func() { _ = relay.Stop() })

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, relay.Show(ctx, &types.Notification{ID: id}))
		gw.next(t, MessageShow)
	}

	_, ok := relay.Get("a")
	assert.False(t, ok)

	gw.outgoing <- RelayMessage{Type: MessageClose, ID: "b"}

	require.Eventually(t, func() bool {
		_, ok := relay.Get("b")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	shown := relay.Notifications()
	require.Len(t, shown, 1)
	assert.Equal(t, "c", shown[0].ID)
}

func TestRegistryEvictsOldest(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithLimit(2)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, registry.Show(ctx, &types.Notification{ID: id}))
	}
	require.NoError(t, registry.Show(ctx, &types.Notification{ID: "c", Title: "updated"}))

	ids := make([]string, 0, 2)
	for _, n := range registry.Notifications() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)

	n, ok := registry.Get("c")
	require.True(t, ok)
	assert.Equal(t, "updated", n.Title)

	for i := 0; i < maxOpened+10; i++ {
		require.NoError(t, registry.OpenWindow(ctx, "/"))
	}
	assert.Len(t, registry.Opened(), maxOpened)
}

func TestRelayStartFailsWithoutGateway(t *testing.T) {
	relay, err := NewRelay(context.Background(), logger.NewNop(), metrics.NewNop(), &types.RelayConfig{
		URL: "ws://127.0.0.1:1/relay",
	})
	require.NoError(t, err)

	assert.Error(t, relay.Start())
	assert.False(t, relay.IsRunning())
}

func TestNewRelayRequiresURL(t *testing.T) {
	_, err := NewRelay(context.Background(), logger.NewNop(), metrics.NewNop(), &types.RelayConfig{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
