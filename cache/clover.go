package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const registryCollection = "_buckets"

type CloverConfig struct {
	Path string `json:"path"`
}

// CloverBackend persists buckets on disk, one collection per bucket.
// Entries are kept as a single encoded payload field so bodies survive the
// document store's value normalization.
type CloverBackend struct {
	db       *clover.DB
	logger   types.Logger
	config   *CloverConfig
	lastSeen int64
	mu       sync.Mutex
}

func NewCloverBackend(logger types.Logger, config *types.CacheConfig) (*CloverBackend, error) {
	var cloverConfig = &CloverConfig{}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, cloverConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to marshal clover cache config")
		}
	}

	db, err := OpenClover(cloverConfig.Path)
	if err != nil {
		return nil, err
	}

	c := &CloverBackend{
		db:     db,
		logger: logger,
		config: cloverConfig,
	}

	if err := c.ensureCollection(registryCollection); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Clover cache backend opened", zap.String("path", cloverConfig.Path))
	return c, nil
}

// OpenClover opens an on-disk store, or an in-memory one for an empty path.
func OpenClover(path string) (*clover.DB, error) {
	var db *clover.DB
	var err error

	if path == "" {
		db, err = clover.Open("", clover.InMemoryMode(true))
	} else {
		db, err = clover.Open(path)
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover store")
	}

	return db, nil
}

func (c *CloverBackend) CreateBucket(_ context.Context, name string) (bool, error) {
	if name == "" {
		return false, types.ErrBucketNameEmpty
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.hasBucketUnsafe(name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := c.ensureCollection(collectionName(name)); err != nil {
		return false, err
	}

	doc := clover.NewDocument()
	doc.Set("name", name)
	doc.Set("created_at", c.nextStamp())

	if err := c.db.Insert(registryCollection, doc); err != nil {
		return false, types.WrapError(err, "failed to register bucket")
	}

	return true, nil
}

func (c *CloverBackend) DropBucket(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.hasBucketUnsafe(name)
	if err != nil || !exists {
		return false, err
	}

	if err := c.db.Query(registryCollection).Where(clover.Field("name").Eq(name)).Delete(); err != nil {
		return false, types.WrapError(err, "failed to unregister bucket")
	}

	hasCollection, err := c.db.HasCollection(collectionName(name))
	if err != nil {
		return false, types.WrapError(err, "failed to check collection existence")
	}
	if hasCollection {
		if err := c.db.DropCollection(collectionName(name)); err != nil {
			return false, types.WrapError(err, "failed to drop collection")
		}
	}

	return true, nil
}

func (c *CloverBackend) HasBucket(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hasBucketUnsafe(name)
}

func (c *CloverBackend) Buckets(_ context.Context) ([]string, error) {
	docs, err := c.db.Query(registryCollection).
		Sort(clover.SortOption{Field: "created_at", Direction: 1}).
		FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list buckets")
	}

	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		if name, ok := doc.Get("name").(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *CloverBackend) Get(ctx context.Context, bucket, key string) (*types.Response, bool, error) {
	exists, err := c.HasBucket(ctx, bucket)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, types.Errorf(types.ErrBucketNotFound, "bucket: %s", bucket)
	}

	docs, err := c.db.Query(collectionName(bucket)).Where(clover.Field("key").Eq(key)).FindAll()
	if err != nil {
		return nil, false, types.WrapError(err, "failed to find cache entry")
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	payload, _ := docs[0].Get("payload").(string)

	var resp types.Response
	if err := utils.Unmarshal([]byte(payload), &resp); err != nil {
		c.logger.Error("Failed to unmarshal cache entry",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return nil, false, nil
	}

	return &resp, true, nil
}

func (c *CloverBackend) Set(_ context.Context, bucket, key string, resp *types.Response) error {
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

	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.hasBucketUnsafe(bucket)
	if err != nil {
		return err
	}
	if !exists {
		return types.Errorf(types.ErrBucketNotFound, "bucket: %s", bucket)
	}

	collection := collectionName(bucket)
	if err := c.db.Query(collection).Where(clover.Field("key").Eq(key)).Delete(); err != nil {
		return types.WrapError(err, "failed to replace cache entry")
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("payload", string(data))

	if err := c.db.Insert(collection, doc); err != nil {
		return types.WrapError(err, "failed to insert cache entry")
	}

	return nil
}

func (c *CloverBackend) Remove(_ context.Context, bucket, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := c.db.Query(collectionName(bucket)).Where(clover.Field("key").Eq(key))

	count, err := query.Count()
	if err != nil {
		return false, types.WrapError(err, "failed to count cache entries")
	}
	if count == 0 {
		return false, nil
	}

	if err := query.Delete(); err != nil {
		return false, types.WrapError(err, "failed to delete cache entry")
	}
	return true, nil
}

func (c *CloverBackend) Keys(ctx context.Context, bucket string) ([]string, error) {
	exists, err := c.HasBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, types.Errorf(types.ErrBucketNotFound, "bucket: %s", bucket)
	}

	docs, err := c.db.Query(collectionName(bucket)).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list cache entries")
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Get("key").(string); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *CloverBackend) Ping(context.Context) error {
	_, err := c.db.HasCollection(registryCollection)
	return err
}

func (c *CloverBackend) Close() error {
	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover store")
	}
	c.logger.Info("Clover cache backend closed")
	return nil
}

func (c *CloverBackend) hasBucketUnsafe(name string) (bool, error) {
	count, err := c.db.Query(registryCollection).Where(clover.Field("name").Eq(name)).Count()
	if err != nil {
		return false, types.WrapError(err, "failed to check bucket")
	}
	return count > 0, nil
}

func (c *CloverBackend) ensureCollection(name string) error {
	exists, err := c.db.HasCollection(name)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}
	if exists {
		return nil
	}
	if err := c.db.CreateCollection(name); err != nil {
		return types.WrapError(err, "failed to create collection")
	}
	return nil
}

func (c *CloverBackend) nextStamp() int64 {
	stamp := time.Now().UnixNano()
	if stamp <= c.lastSeen {
		stamp = c.lastSeen + 1
	}
	c.lastSeen = stamp
	return stamp
}

func collectionName(bucket string) string {
	return "bucket_" + bucket
}
