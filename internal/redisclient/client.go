package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"escrow-service/internal/models"

	"github.com/go-redis/redis/v8"
)

const walletCacheTTL = 30 * time.Second

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func walletCacheKey(walletID int64) string {
	return fmt.Sprintf("wallet:%d", walletID)
}

// CacheWallet stores a wallet snapshot for read endpoints. The cache is
// best-effort: the database stays the source of truth and every mutation
// invalidates the key.
func (c *Client) CacheWallet(ctx context.Context, w *models.Wallet) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet: %w", err)
	}
	return c.rdb.Set(ctx, walletCacheKey(w.ID), data, walletCacheTTL).Err()
}

// GetCachedWallet retrieves a cached wallet snapshot, or nil on a miss.
func (c *Client) GetCachedWallet(ctx context.Context, walletID int64) (*models.Wallet, error) {
	data, err := c.rdb.Get(ctx, walletCacheKey(walletID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var w models.Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached wallet: %w", err)
	}
	return &w, nil
}

// InvalidateWallet drops the cached snapshot after a mutation
func (c *Client) InvalidateWallet(ctx context.Context, walletID int64) error {
	return c.rdb.Del(ctx, walletCacheKey(walletID)).Err()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
