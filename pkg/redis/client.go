// Package redis wraps the Redis client used for cross-process caches.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes
const (
	keyPrefix          = "kraken:"
	signaturePrefix    = keyPrefix + "signature:"
	defaultDialTimeout = 3 * time.Second
)

// Client wraps a Redis connection with the gateway's key layout
type Client struct {
	rdb *goredis.Client
}

// NewClient connects to Redis and verifies the connection with a ping
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: defaultDialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetSignature stores a thought signature under a session key with a TTL
func (c *Client) SetSignature(ctx context.Context, sessionKey, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, signaturePrefix+sessionKey, signature, ttl).Err()
}

// GetSignature returns the cached thought signature for a session key, or ""
func (c *Client) GetSignature(ctx context.Context, sessionKey string) (string, error) {
	value, err := c.rdb.Get(ctx, signaturePrefix+sessionKey).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteSignature removes a cached signature
func (c *Client) DeleteSignature(ctx context.Context, sessionKey string) error {
	return c.rdb.Del(ctx, signaturePrefix+sessionKey).Err()
}
