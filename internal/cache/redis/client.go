// Package redis backs the hot-path collaborators with go-redis/v9: the
// reference price cache, the audit signal bus, the API rate limiter, and the
// cross-replica execution lock.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds the connection parameters shared by every Redis-backed
// component in the gate.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client is the shared connection handle handed to the cache, bus, limiter,
// and lock constructors.
type Client struct {
	conn *redis.Client
}

// New dials Redis and verifies the connection with a ping so the gate refuses
// to start against an unreachable instance.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	conn := redis.NewClient(cfg.options())
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{conn: conn}, nil
}

// Ping reports whether the connection is still serving.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.conn.Close() }

// Underlying exposes the driver client to the sibling constructors in this
// package.
func (c *Client) Underlying() *redis.Client { return c.conn }
