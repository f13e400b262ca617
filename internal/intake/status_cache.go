package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache is an optional fast path over the ledger: a hit saying a
// (tenant, hash) pair is already INGESTED lets the processor record the
// duplicate without attempting a claim. The ledger stays authoritative;
// cache misses and cache errors just fall through to the database.
type StatusCache interface {
	GetStatus(ctx context.Context, tenantID, contentHash string) (string, error)
	SetStatus(ctx context.Context, tenantID, contentHash, status string, ttl time.Duration) error
	Close() error
}

type redisStatusCache struct {
	client *redis.Client
}

func NewRedisStatusCache(addr string) (StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect status cache: %w", err)
	}
	return &redisStatusCache{client: client}, nil
}

func statusCacheKey(tenantID, contentHash string) string {
	return fmt.Sprintf("ingest:%s:%s", tenantID, contentHash)
}

func (c *redisStatusCache) GetStatus(ctx context.Context, tenantID, contentHash string) (string, error) {
	status, err := c.client.Get(ctx, statusCacheKey(tenantID, contentHash)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("status cache get: %w", err)
	}
	return status, nil
}

func (c *redisStatusCache) SetStatus(ctx context.Context, tenantID, contentHash, status string, ttl time.Duration) error {
	if err := c.client.Set(ctx, statusCacheKey(tenantID, contentHash), status, ttl).Err(); err != nil {
		return fmt.Errorf("status cache set: %w", err)
	}
	return nil
}

func (c *redisStatusCache) Close() error {
	return c.client.Close()
}
