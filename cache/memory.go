package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type memoryBucket struct {
	name      string
	createdAt int64
	entries   map[string]*types.Response
	mu        sync.RWMutex
}

type MemoryBackend struct {
	logger  types.Logger
	buckets map[string]*memoryBucket
	seq     int64
	mu      sync.RWMutex
}

func NewMemoryBackend(logger types.Logger) *MemoryBackend {
	return &MemoryBackend{
		logger:  logger,
		buckets: make(map[string]*memoryBucket),
	}
}

func (m *MemoryBackend) CreateBucket(_ context.Context, name string) (bool, error) {
	if name == "" {
		return false, types.ErrBucketNameEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.buckets[name]; exists {
		return false, nil
	}

	m.seq++
	m.buckets[name] = &memoryBucket{
		name:      name,
		createdAt: m.seq,
		entries:   make(map[string]*types.Response),
	}

	m.logger.Debug("Memory bucket created", zap.String("bucket", name))
	return true, nil
}

func (m *MemoryBackend) DropBucket(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[name]
	if !exists {
		return false, nil
	}

	delete(m.buckets, name)
	m.logger.Debug("Memory bucket dropped",
		zap.String("bucket", name),
		zap.Int("entries", len(b.entries)))

	return true, nil
}

func (m *MemoryBackend) HasBucket(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.buckets[name]
	return exists, nil
}

func (m *MemoryBackend) Buckets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	list := make([]*memoryBucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		list = append(list, b)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].createdAt < list[j].createdAt })

	names := make([]string, len(list))
	for i, b := range list {
		names[i] = b.name
	}
	return names, nil
}

func (m *MemoryBackend) Get(_ context.Context, bucket, key string) (*types.Response, bool, error) {
	b, err := m.bucket(bucket)
	if err != nil {
		return nil, false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	resp, exists := b.entries[key]
	if !exists {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, bucket, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	b, err := m.bucket(bucket)
	if err != nil {
		return err
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}

	b.mu.Lock()
	b.entries[key] = stored
	b.mu.Unlock()

	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, bucket, key string) (bool, error) {
	b, err := m.bucket(bucket)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; !exists {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (m *MemoryBackend) Keys(_ context.Context, bucket string) ([]string, error) {
	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	b.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	count := len(m.buckets)
	m.buckets = make(map[string]*memoryBucket)
	m.mu.Unlock()

	m.logger.Info("Memory cache cleared", zap.Int("cleared_buckets", count))
	return nil
}

func (m *MemoryBackend) bucket(name string) (*memoryBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.buckets[name]
	if !exists {
		return nil, types.Errorf(types.ErrBucketNotFound, "bucket: %s", name)
	}
	return b, nil
}
