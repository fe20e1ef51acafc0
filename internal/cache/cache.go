// Package cache stores short-lived computed results, such as health reports.
//
// Two drivers are available: "memory" (in-process, go-cache) and "redis"
// (shared between replicas).
package cache

import (
	"context"
	"errors"
	"time"

	"pricebook-sync-service/internal/config"
)

// Client is the cache contract. A ttl of 0 means the driver default.
type Client interface {
	// Get returns ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("cache: key not found")

// New builds the client selected by cfg.Driver.
func New(cfg config.CacheConfig) (Client, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedis(cfg)
	default:
		return NewMemory(cfg.Prefix, 5*time.Minute), nil
	}
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
