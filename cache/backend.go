package cache

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

// Backend is the raw bucket store behind Storage. Buckets are listed in
// creation order; values are stored and returned as independent copies.
type Backend interface {
	CreateBucket(ctx context.Context, name string) (bool, error)
	DropBucket(ctx context.Context, name string) (bool, error)
	HasBucket(ctx context.Context, name string) (bool, error)
	Buckets(ctx context.Context) ([]string, error)
	Get(ctx context.Context, bucket, key string) (*types.Response, bool, error)
	Set(ctx context.Context, bucket, key string, resp *types.Response) error
	Remove(ctx context.Context, bucket, key string) (bool, error)
	Keys(ctx context.Context, bucket string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

func newBackend(ctx context.Context, logger types.Logger, config *types.CacheConfig) (Backend, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryBackend(logger), nil
	case "redis":
		return NewRedisBackend(ctx, logger, config)
	case "clover":
		return NewCloverBackend(logger, config)
	default:
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", config.Type)
	}
}
