// Package cache provides the shared cache used for embeddings, LLM
// responses and search results. Backends: memcached (default), redis, or
// none. Cache failures must never fail a request, so callers go through
// Safe, which degrades errors to misses.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key joins key parts with the ":" separator used across all cache keys.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// GetJSON reads key and decodes it into dst. Returns false on miss.
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

type safeCache struct {
	inner  Cache
	logger *slog.Logger
}

// Safe wraps a cache so backend failures are logged and reported as misses.
func Safe(inner Cache, logger *slog.Logger) Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &safeCache{inner: inner, logger: logger}
}

func (s *safeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	return raw, ok, nil
}

func (s *safeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.inner.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
	}
	return nil
}

func (s *safeCache) Delete(ctx context.Context, key string) error {
	if err := s.inner.Delete(ctx, key); err != nil {
		s.logger.Warn("cache delete failed", "key", key, "error", err)
	}
	return nil
}

// Noop is the disabled cache: every read misses, every write succeeds.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Get(context.Context, string) ([]byte, bool, error)          { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error   { return nil }
func (Noop) Delete(context.Context, string) error                       { return nil }
