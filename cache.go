package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ErrCacheMiss is returned by a CacheStore when the key is absent or expired.
var ErrCacheMiss = errors.New("apiclient: cache miss")

// CacheStore keeps serialized responses for a limited time. Implementations
// must be safe for concurrent use and enforce the TTL themselves.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheKey is the fingerprint of a GET call: method, url and the JSON payload when present.
func CacheKey(method, url string, data Payload) string {
	key := method + "_" + url
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			key += "_" + string(b)
		}
	}
	return key
}

// cachePeriodFor resolves the TTL used for a call, zero when caching does not apply.
func (c *Client) cachePeriodFor(method string, call *CallConfig) time.Duration {
	if method != http.MethodGet || c.cfg.cache == nil {
		return 0
	}
	ttl := c.cfg.cachePeriod
	if call != nil && call.CachePeriod != nil {
		ttl = *call.CachePeriod
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

func (c *Client) cacheLookup(ctx context.Context, key string) (any, bool) {
	raw, err := c.cfg.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.cfg.logger.Warn(ctx, "cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		c.cfg.logger.Warn(ctx, "cached value is not valid JSON", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

// cacheStore writes the extracted value in the background. Failures are logged and dropped.
func (c *Client) cacheStore(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.cfg.logger.Warn(ctx, "cannot serialize response for cache", "key", key, "error", err)
		c.stats.cacheWriteFailures.Add(1)
		c.cfg.metrics.RecordBackgroundFailure("cache")
		return
	}

	started := c.background(ctx, func(ctx context.Context) {
		if err := c.cfg.cache.Set(ctx, key, raw, ttl); err != nil {
			c.cfg.logger.Warn(ctx, "cache write failed", "key", key, "error", err)
			c.stats.cacheWriteFailures.Add(1)
			c.cfg.metrics.RecordBackgroundFailure("cache")
		}
	})
	if !started {
		c.cfg.logger.Warn(ctx, "client closed, cache write dropped", "key", key)
		c.stats.cacheWriteFailures.Add(1)
		c.cfg.metrics.RecordBackgroundFailure("cache")
	}
}
