package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

// createBucketScript registers a bucket once, scored by a monotonic
// sequence so listing order is creation order even within one clock tick.
var createBucketScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	return 0
end
local seq = redis.call("INCR", KEYS[2])
redis.call("ZADD", KEYS[1], seq, ARGV[1])
return 1
`)

// setEntryScript writes an entry only while its bucket is registered, so a
// concurrent drop cannot leave an orphan hash behind.
var setEntryScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// RedisBackend keeps each bucket in a hash and the bucket registry in a
// sorted set scored by creation sequence.
type RedisBackend struct {
	logger types.Logger
	config *RedisConfig
	client redis.UniversalClient
}

func NewRedisBackend(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*RedisBackend, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          config.Prefix,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to marshal redis cache config")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	backend := NewRedisBackendWithClient(logger, client, redisConfig.KeyPrefix)
	backend.config = redisConfig

	if err := backend.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	logger.Info("Redis cache backend connected",
		zap.String("addr", fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port)),
		zap.String("key_prefix", redisConfig.KeyPrefix))

	return backend, nil
}

func NewRedisBackendWithClient(logger types.Logger, client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{
		logger: logger,
		config: &RedisConfig{KeyPrefix: keyPrefix},
		client: client,
	}
}

func (r *RedisBackend) CreateBucket(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, types.ErrBucketNameEmpty
	}

	added, err := createBucketScript.Run(ctx, r.client,
		[]string{r.registryKey(), r.sequenceKey()}, name).Int()
	if err != nil {
		return false, types.WrapError(err, "failed to register bucket")
	}

	return added == 1, nil
}

func (r *RedisBackend) DropBucket(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.registryKey(), name)
		pipe.Del(ctx, r.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, types.WrapError(err, "failed to drop bucket")
	}

	return removed.Val() == 1, nil
}

func (r *RedisBackend) HasBucket(ctx context.Context, name string) (bool, error) {
	_, err := r.client.ZScore(ctx, r.registryKey(), name).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return false, nil
		}
		return false, types.WrapError(err, "failed to check bucket")
	}
	return true, nil
}

func (r *RedisBackend) Buckets(ctx context.Context) ([]string, error) {
	names, err := r.client.ZRange(ctx, r.registryKey(), 0, -1).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list buckets")
	}
	return names, nil
}

func (r *RedisBackend) Get(ctx context.Context, bucket, key string) (*types.Response, bool, error) {
	result, err := r.client.HGet(ctx, r.bucketKey(bucket), key).Result()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			return nil, false, types.WrapError(err, "failed to get cache entry")
		}
		exists, hasErr := r.HasBucket(ctx, bucket)
		if hasErr != nil {
			return nil, false, hasErr
		}
		if !exists {
			return nil, false, types.Errorf(types.ErrBucketNotFound, "bucket: %s", bucket)
		}
		return nil, false, nil
	}

	var resp types.Response
	if err := utils.Unmarshal([]byte(result), &resp); err != nil {
		r.logger.Error("Failed to unmarshal cache entry",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		r.client.HDel(ctx, r.bucketKey(bucket), key)
		return nil, false, nil
	}

	return &resp, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, bucket, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}

	data, err := utils.Marshal(stored)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	written, err := setEntryScript.Run(ctx, r.client,
		[]string{r.registryKey(), r.bucketKey(bucket)}, bucket, key, data).Int()
	if err != nil {
		r.logger.Error("Failed to set cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set cache entry")
	}
	if written == 0 {
		return types.Errorf(types.ErrBucketNotFound, "bucket: %s", bucket)
	}

	return nil
}

func (r *RedisBackend) Remove(ctx context.Context, bucket, key string) (bool, error) {
	removed, err := r.client.HDel(ctx, r.bucketKey(bucket), key).Result()
	if err != nil {
		return false, types.WrapError(err, "failed to delete cache entry")
	}
	return removed == 1, nil
}

func (r *RedisBackend) Keys(ctx context.Context, bucket string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.bucketKey(bucket)).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list cache keys")
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}
	r.logger.Info("Redis cache backend closed")
	return nil
}

func (r *RedisBackend) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.config.KeyPrefix, key)
	}
	return key
}

func (r *RedisBackend) registryKey() string {
	return r.buildFullKey("buckets")
}

func (r *RedisBackend) sequenceKey() string {
	return r.buildFullKey("buckets:seq")
}

func (r *RedisBackend) bucketKey(name string) string {
	return r.buildFullKey("bucket:" + name)
}
