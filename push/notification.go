package push

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	ActionView  = "view"
	ActionClose = "close"
)

func DecodePayload(data []byte) (types.PushPayload, error) {
	var payload types.PushPayload
	if len(strings.TrimSpace(string(data))) == 0 {
		return payload, types.Errorf(types.ErrInvalidPayload, "empty push payload")
	}
	if err := utils.Unmarshal(data, &payload); err != nil {
		return payload, types.Errorf(types.ErrInvalidPayload, "%v", err)
	}
	return payload, nil
}

// Handler turns push payloads into notifications and reacts to clicks.
type Handler struct {
	logger  types.Logger
	metrics types.MetricsManager
	config  *types.PushConfig
	surface types.NotificationSurface
	clients types.Clients
}

func NewHandler(logger types.Logger, metrics types.MetricsManager, config *types.PushConfig, surface types.NotificationSurface, clients types.Clients) *Handler {
	if config == nil {
		config = &types.PushConfig{}
	}

	return &Handler{
		logger:  logger,
		metrics: metrics,
		config:  config,
		surface: surface,
		clients: clients,
	}
}

func (h *Handler) Build(payload types.PushPayload) *types.Notification {
	vibrate := make([]int, len(h.config.Vibrate))
	copy(vibrate, h.config.Vibrate)

	return &types.Notification{
		ID:      uuid.NewString(),
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    h.config.Icon,
		Badge:   h.config.Badge,
		Vibrate: vibrate,
		Data:    types.NotificationData{URL: payload.URL},
		Actions: []types.NotificationAction{
			{Action: ActionView, Title: h.config.ViewTitle},
			{Action: ActionClose, Title: h.config.CloseTitle},
		},
		CreatedAt: time.Now(),
	}
}

func (h *Handler) Push(ctx context.Context, data []byte) (*types.Notification, error) {
	payload, err := DecodePayload(data)
	if err != nil {
		h.record("push", "invalid")
		return nil, err
	}

	notification := h.Build(payload)

	if err := h.surface.Show(ctx, notification); err != nil {
		h.record("push", "error")
		return nil, types.WrapError(err, "failed to show notification")
	}

	h.record("push", "shown")
	h.logger.Debug("Notification shown",
		zap.String("id", notification.ID),
		zap.String("title", notification.Title))

	return notification, nil
}

// Click closes the notification; the view action, or a tap on the body,
// also opens its URL.
func (h *Handler) Click(ctx context.Context, notification *types.Notification, action string) error {
	if notification == nil {
		return types.Errorf(types.ErrInvalidPayload, "notification is nil")
	}

	if err := h.surface.Close(ctx, notification.ID); err != nil {
		h.logger.Warn("Failed to close notification",
			zap.String("id", notification.ID),
			zap.Error(err))
	}

	if action != "" && action != ActionView {
		h.record("click", action)
		return nil
	}

	url := notification.Data.URL
	if url == "" {
		url = "/"
	}

	if err := h.clients.OpenWindow(ctx, url); err != nil {
		h.record("click", "error")
		return types.WrapError(err, "failed to open window")
	}

	h.record("click", ActionView)
	return nil
}

func (h *Handler) record(event, result string) {
	h.metrics.Counter("push_events_total", map[string]string{
		"event":  event,
		"result": result,
	}).Inc()
}
