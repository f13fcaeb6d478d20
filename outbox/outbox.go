package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	collection     = "pending-requests"
	DefaultSyncTag = "sync-reviews"
)

// Entry is a deferred submission waiting for connectivity.
type Entry struct {
	ID        string         `json:"id"`
	Request   *types.Request `json:"request"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type SyncReport struct {
	Tag       string `json:"tag"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
}

type Outbox struct {
	db      *clover.DB
	logger  types.Logger
	metrics types.MetricsManager
	fetcher types.Fetcher
	config  *types.OutboxConfig
	syncMu  sync.Mutex
}

func New(logger types.Logger, metrics types.MetricsManager, fetcher types.Fetcher, config *types.OutboxConfig) (*Outbox, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if config.SyncTag == "" {
		config.SyncTag = DefaultSyncTag
	}

	o := &Outbox{
		logger:  logger,
		metrics: metrics,
		fetcher: fetcher,
		config:  config,
	}

	if !config.Enabled {
		return o, nil
	}

	db, err := cache.OpenClover(config.Path)
	if err != nil {
		return nil, err
	}

	exists, err := db.HasCollection(collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check outbox collection")
	}
	if !exists {
		if err := db.CreateCollection(collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create outbox collection")
		}
	}

	o.db = db
	logger.Info("Outbox opened", zap.String("path", config.Path), zap.String("sync_tag", config.SyncTag))

	return o, nil
}

func (o *Outbox) Enabled() bool {
	return o.db != nil
}

func (o *Outbox) Tag() string {
	return o.config.SyncTag
}

// Enqueue stores a submission for later replay. Only non-GET requests are
// deferred; reads are served by the cache strategies instead.
func (o *Outbox) Enqueue(_ context.Context, req *types.Request) (*Entry, error) {
	if !o.Enabled() {
		return nil, types.ErrOutboxDisabled
	}
	if req == nil || req.URL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "request url is required")
	}
	if req.IsGet() {
		return nil, types.Errorf(types.ErrInvalidParameter, "GET requests are not deferred")
	}

	entry := &Entry{
		ID:        uuid.New().String(),
		Request:   req.Clone(),
		CreatedAt: time.Now(),
	}

	if err := o.insert(entry); err != nil {
		return nil, err
	}

	o.metrics.Counter("outbox_operations_total", map[string]string{"operation": "enqueue"}).Inc()
	o.logger.Debug("Request deferred",
		zap.String("id", entry.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL))

	return entry, nil
}

func (o *Outbox) Pending(_ context.Context) ([]*Entry, error) {
	if !o.Enabled() {
		return nil, types.ErrOutboxDisabled
	}

	docs, err := o.db.Query(collection).
		Sort(clover.SortOption{Field: "created_at", Direction: 1}).
		FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list pending requests")
	}

	entries := make([]*Entry, 0, len(docs))
	for _, doc := range docs {
		payload, _ := doc.Get("payload").(string)

		var entry Entry
		if err := utils.Unmarshal([]byte(payload), &entry); err != nil {
			o.logger.Error("Failed to decode pending request", zap.Error(err))
			continue
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// Sync replays every pending request through the fetcher. Entries answered
// with 2xx are removed; the rest stay queued with their attempt count bumped.
func (o *Outbox) Sync(ctx context.Context, tag string) (*SyncReport, error) {
	if !o.Enabled() {
		return nil, types.ErrOutboxDisabled
	}
	if tag != o.config.SyncTag {
		return nil, types.Errorf(types.ErrSyncTagUnknown, "tag: %s", tag)
	}

	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	entries, err := o.Pending(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Tag: tag}

	for _, entry := range entries {
		if ctx.Err() != nil {
			report.Remaining = len(entries) - report.Sent
			return report, ctx.Err()
		}

		resp, err := o.fetcher.Fetch(ctx, entry.Request.Clone())
		if err == nil && !resp.OK() {
			err = types.Errorf(types.ErrFetchFailed, "status %d", resp.Status)
		}

		if err != nil {
			report.Failed++
			o.metrics.Counter("outbox_operations_total", map[string]string{"operation": "replay_failed"}).Inc()
			o.logger.Warn("Deferred request replay failed",
				zap.String("id", entry.ID),
				zap.String("url", entry.Request.URL),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err))

			entry.Attempts++
			entry.LastError = err.Error()
			if updateErr := o.replace(entry); updateErr != nil {
				o.logger.Error("Failed to update pending request", zap.String("id", entry.ID), zap.Error(updateErr))
			}
			continue
		}

		if err := o.remove(entry.ID); err != nil {
			o.logger.Error("Failed to remove replayed request", zap.String("id", entry.ID), zap.Error(err))
			report.Failed++
			continue
		}

		report.Sent++
		o.metrics.Counter("outbox_operations_total", map[string]string{"operation": "replayed"}).Inc()
	}

	report.Remaining = len(entries) - report.Sent
	o.metrics.Gauge("outbox_pending_requests", map[string]string{}).Set(float64(report.Remaining))

	o.logger.Info("Outbox synced",
		zap.String("tag", tag),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed))

	return report, nil
}

func (o *Outbox) Close() error {
	if o.db == nil {
		return nil
	}
	if err := o.db.Close(); err != nil {
		return types.WrapError(err, "failed to close outbox")
	}
	return nil
}

func (o *Outbox) insert(entry *Entry) error {
	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal pending request")
	}

	doc := clover.NewDocument()
	doc.Set("id", entry.ID)
	doc.Set("created_at", entry.CreatedAt.UnixNano())
	doc.Set("payload", string(data))

	if err := o.db.Insert(collection, doc); err != nil {
		return types.WrapError(err, "failed to store pending request")
	}
	return nil
}

func (o *Outbox) replace(entry *Entry) error {
	if err := o.remove(entry.ID); err != nil {
		return err
	}
	return o.insert(entry)
}

func (o *Outbox) remove(id string) error {
	if err := o.db.Query(collection).Where(clover.Field("id").Eq(id)).Delete(); err != nil {
		return types.WrapError(err, "failed to delete pending request")
	}
	return nil
}
