package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adops-io/entity-engine/pkg/models"
)

// cachedBlobStore is a read-through Redis cache over a BlobStore. Blobs are
// immutable once written, so cached entries never go stale; the TTL only
// bounds memory.
type cachedBlobStore struct {
	inner  BlobStore
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedBlobStore wraps inner with a Redis cache. A nil client disables
// caching and returns inner unchanged.
func NewCachedBlobStore(inner BlobStore, client *redis.Client, ttl time.Duration, logger *zap.Logger) BlobStore {
	if client == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &cachedBlobStore{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.Named("blob-cache"),
	}
}

var _ BlobStore = (*cachedBlobStore)(nil)

func cacheKey(key models.StorageKey) string {
	return "blob:" + key.Ref()
}

func (c *cachedBlobStore) GetBlobByKey(ctx context.Context, key models.StorageKey) ([]byte, error) {
	cached, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		// Cache trouble must not fail the read; fall through to the store.
		c.logger.Warn("blob cache read failed", zap.String("blob_id", key.BlobID.String()), zap.Error(err))
	}

	payload, err := c.inner.GetBlobByKey(ctx, key)
	if err != nil || payload == nil {
		return payload, err
	}
	if err := c.client.Set(ctx, cacheKey(key), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("blob cache fill failed", zap.String("blob_id", key.BlobID.String()), zap.Error(err))
	}
	return payload, nil
}

func (c *cachedBlobStore) SaveBlob(ctx context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error) {
	saved, err := c.inner.SaveBlob(ctx, payload, key)
	if err != nil {
		return saved, err
	}
	if err := c.client.Set(ctx, cacheKey(saved), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("blob cache write failed", zap.String("blob_id", saved.BlobID.String()), zap.Error(err))
	}
	return saved, nil
}

func (c *cachedBlobStore) RemoveBlob(ctx context.Context, key models.StorageKey) error {
	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		c.logger.Warn("blob cache invalidation failed", zap.String("blob_id", key.BlobID.String()), zap.Error(err))
	}
	return c.inner.RemoveBlob(ctx, key)
}
