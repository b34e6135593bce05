package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb redis.UniversalClient
}

// NewClient creates a new Redis client and checks the connection
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

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection, used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func couponKey(code string) string {
	return fmt.Sprintf("coupon:%s", code)
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// GetCoupon reads a cached coupon. ok is false on a cache miss.
func (c *Client) GetCoupon(ctx context.Context, code string) (*models.Coupon, bool, error) {
	raw, err := c.rdb.Get(ctx, couponKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var coupon models.Coupon
	if err := json.Unmarshal(raw, &coupon); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached coupon: %w", err)
	}
	return &coupon, true, nil
}

// SetCoupon caches a coupon for ttl
func (c *Client) SetCoupon(ctx context.Context, coupon *models.Coupon, ttl time.Duration) error {
	raw, err := json.Marshal(coupon)
	if err != nil {
		return fmt.Errorf("failed to encode coupon: %w", err)
	}
	return c.rdb.Set(ctx, couponKey(coupon.Code), raw, ttl).Err()
}

// DeleteCoupon drops a cached coupon
func (c *Client) DeleteCoupon(ctx context.Context, code string) error {
	return c.rdb.Del(ctx, couponKey(code)).Err()
}

// ClaimIdempotencyKey marks key as in use for ttl. It returns false when the
// key was already claimed.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), "1", ttl).Result()
}

// ReleaseIdempotencyKey frees a claimed key so the request can be retried
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}
