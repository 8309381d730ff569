// Package cachestore provides apiclient.CacheStore implementations.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bool64/cache"
	"github.com/bool64/ctxd"
	"github.com/bool64/stats"

	"github.com/egorkaBurkenya/apiclient-go"
)

// MemoryConfig controls an in-process store.
type MemoryConfig struct {
	// Name is used in stats and logging, default "apiclient".
	Name string

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// DeleteExpiredAfter is delay before expired entry is deleted from memory, default 10m.
	DeleteExpiredAfter time.Duration
}

// MemoryStore keeps cached responses in process memory.
type MemoryStore struct {
	mem *cache.ShardedMap
}

var _ apiclient.CacheStore = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. Every entry expires after the TTL passed to Set.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.Name == "" {
		cfg.Name = "apiclient"
	}
	if cfg.DeleteExpiredAfter == 0 {
		cfg.DeleteExpiredAfter = 10 * time.Minute
	}

	return &MemoryStore{
		mem: cache.NewShardedMap(cache.Config{
			Name:               cfg.Name,
			Logger:             cfg.Logger,
			Stats:              cfg.Stats,
			DeleteExpiredAfter: cfg.DeleteExpiredAfter,
			ExpirationJitter:   -1,
		}.Use),
	}
}

// Get returns the value stored under key or apiclient.ErrCacheMiss.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.mem.Read(ctx, []byte(key))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrExpired) {
			return nil, apiclient.ErrCacheMiss
		}
		return nil, ctxd.WrapError(ctx, err, "memory cache read", "key", key)
	}

	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected cached value type %T for key %q", v, key)
	}
	return b, nil
}

// Set stores value under key for ttl.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	return s.mem.Write(cache.WithTTL(ctx, ttl, true), []byte(key), value)
}

// Len returns the number of stored entries, including expired ones not yet deleted.
func (s *MemoryStore) Len() int {
	return s.mem.Len()
}

// Close drops every entry. The cleanup goroutine of the underlying map
// stops once the store is garbage collected.
func (s *MemoryStore) Close() {
	s.mem.DeleteAll(context.Background())
}
