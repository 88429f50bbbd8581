// Package redisstore keeps live session state and the audit outbox stream in
// Redis.
package redisstore

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Config is the connection block of the service configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewClient opens a client. Connections are established lazily.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping is the readiness probe.
func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}

func prefix(p string) string {
	if p == "" {
		return "hisadmin:"
	}
	if !strings.HasSuffix(p, ":") {
		p += ":"
	}
	return p
}
