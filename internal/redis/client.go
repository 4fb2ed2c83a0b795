// Package redis provides the Redis client, the idempotency fast path and the
// in-app inbox.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultNamespace = "herald"

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize defaults to 10. The dispatcher's idempotency lookups and the
	// inbox share it.
	PoolSize int
	// Namespace prefixes every key and pub/sub channel. Defaults to "herald".
	Namespace string
}

func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Client is the shared go-redis handle plus the key namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
}

// New connects and pings. Callers treat an error as "run without Redis".
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}

	c := &Client{rdb: rdb, namespace: cfg.Namespace, logger: logger}
	logger.Info("redis connection established",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.String("namespace", c.ns()),
	)
	return c, nil
}

func (c *Client) ns() string {
	if c.namespace == "" {
		return defaultNamespace
	}
	return c.namespace
}

// key joins parts under the client namespace: key("inbox", "u1") is
// "herald:inbox:u1".
func (c *Client) key(parts ...string) string {
	return c.ns() + ":" + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping is registered as the "redis" health check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
