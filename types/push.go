package types

import (
	"context"
	"time"
)

type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	URL string `json:"url"`
}

type Notification struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Icon      string               `json:"icon,omitempty"`
	Badge     string               `json:"badge,omitempty"`
	Vibrate   []int                `json:"vibrate,omitempty"`
	Data      NotificationData     `json:"data"`
	Actions   []NotificationAction `json:"actions,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

type NotificationSurface interface {
	Show(ctx context.Context, n *Notification) error
	Close(ctx context.Context, id string) error
}

type Clients interface {
	OpenWindow(ctx context.Context, url string) error
	Claim(ctx context.Context) error
}
