package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encoded values. Get decodes into dest, which must be a
// pointer.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	Get(ctx context.Context, key string, dest any) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Keys      int64  `json:"keys"`
	Info      string `json:"info"`
}

// Key joins parts under the application prefix.
func Key(parts ...string) string {
	return "cribwatch:" + strings.Join(parts, ":")
}
