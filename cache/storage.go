package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

var _ types.CacheStorage = (*Storage)(nil)

// Storage is the bucket registry the router and lifecycle work against.
type Storage struct {
	backend Backend
	logger  types.Logger
	metrics types.MetricsManager
}

func NewStorage(ctx context.Context, config *types.CacheConfig, logger types.Logger, metrics types.MetricsManager) (*Storage, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	backend, err := newBackend(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	logger.Info("Cache storage initialized", zap.String("type", config.Type))
	return NewStorageWithBackend(backend, logger, metrics), nil
}

func NewStorageWithBackend(backend Backend, logger types.Logger, metrics types.MetricsManager) *Storage {
	return &Storage{
		backend: backend,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Storage) Open(ctx context.Context, name string) (types.CacheBucket, error) {
	start := time.Now()
	created, err := s.backend.CreateBucket(ctx, name)
	s.recordMetric("open", resultOf(err), start)
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Debug("Bucket opened", zap.String("bucket", name), zap.Bool("created", created))
	}

	return &bucket{name: name, storage: s}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.backend.HasBucket(ctx, name)
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	deleted, err := s.backend.DropBucket(ctx, name)
	s.recordMetric("drop", resultOf(err), start)
	return deleted, err
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Buckets(ctx)
}

func (s *Storage) Match(ctx context.Context, req *types.Request) (*types.Response, bool, error) {
	names, err := s.backend.Buckets(ctx)
	if err != nil {
		return nil, false, err
	}

	key := req.Key()
	for _, name := range names {
		resp, found, err := s.get(ctx, name, key)
		if err != nil {
			if types.IsError(err, types.ErrBucketNotFound) {
				continue
			}
			return nil, false, err
		}
		if found {
			return resp, true, nil
		}
	}

	return nil, false, nil
}

func (s *Storage) DeleteExcept(ctx context.Context, keep ...string) error {
	names, err := s.backend.Buckets(ctx)
	if err != nil {
		return err
	}

	retained := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		retained[name] = struct{}{}
	}

	var errs []error
	for _, name := range names {
		if _, ok := retained[name]; ok {
			continue
		}

		s.logger.Info("Deleting old cache", zap.String("bucket", name))

		if _, err := s.Delete(ctx, name); err != nil {
			s.logger.Error("Failed to delete cache bucket", zap.String("bucket", name), zap.Error(err))
			errs = append(errs, types.WrapError(err, name))
		}
	}

	return errors.Join(errs...)
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Storage) Close() error {
	return s.backend.Close()
}

func (s *Storage) get(ctx context.Context, name, key string) (*types.Response, bool, error) {
	start := time.Now()
	resp, found, err := s.backend.Get(ctx, name, key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case found:
		result = "hit"
	}
	s.recordMetric("get", result, start)

	return resp, found, err
}

func (s *Storage) recordMetric(operation, result string, start time.Time) {
	s.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).ObserveDuration(start)
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type bucket struct {
	name    string
	storage *Storage
}

func (b *bucket) Name() string {
	return b.name
}

func (b *bucket) Match(ctx context.Context, req *types.Request) (*types.Response, bool, error) {
	return b.storage.get(ctx, b.name, req.Key())
}

// Put stores a copy of resp; the caller keeps ownership of its value.
func (b *bucket) Put(ctx context.Context, req *types.Request, resp *types.Response) error {
	if !req.IsGet() {
		return types.Errorf(types.ErrNotCacheable, "method %s", req.Method)
	}
	if !resp.Cacheable() {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		return types.Errorf(types.ErrNotCacheable, "status %d", status)
	}

	stored := resp.Clone()
	stored.StoredAt = time.Now()
	if stored.URL == "" {
		stored.URL = req.URL
	}

	start := time.Now()
	err := b.storage.backend.Set(ctx, b.name, req.Key(), stored)
	b.storage.recordMetric("put", resultOf(err), start)
	return err
}

func (b *bucket) Delete(ctx context.Context, req *types.Request) (bool, error) {
	start := time.Now()
	removed, err := b.storage.backend.Remove(ctx, b.name, req.Key())
	b.storage.recordMetric("delete", resultOf(err), start)
	return removed, err
}

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	return b.storage.backend.Keys(ctx, b.name)
}
