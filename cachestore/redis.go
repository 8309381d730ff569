package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/redis/go-redis/v9"

	"github.com/egorkaBurkenya/apiclient-go"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second

	// DefaultKeyPrefix namespaces cache keys in a shared Redis.
	DefaultKeyPrefix = "apiclient:cache:"
)

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Host        string
	Port        int
	DB          int
	Password    string
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration

	// ClusterAddrs switches to a cluster client seeded with these host:port
	// addresses. Host, Port and DB are ignored then.
	ClusterAddrs []string

	// KeyPrefix is prepended to every key, DefaultKeyPrefix when empty.
	KeyPrefix string
}

// RedisStore keeps cached responses in Redis with a per-key expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	closeOnce sync.Once
	closeErr  error
}

var _ apiclient.CacheStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	conf, err := NormalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := NewRedisClient(conf)
	if err := PingWithRetry(ctx, client, conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, conf.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the value stored under key or apiclient.ErrCacheMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apiclient.ErrCacheMiss
	}
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "redis cache get", "key", key)
	}
	return b, nil
}

// Set stores value under key with a millisecond expiry of ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return ctxd.WrapError(ctx, err, "redis cache set", "key", key)
	}
	return nil
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// NormalizeRedisConfig fills defaults and validates cfg. It returns a copy.
func NormalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.KeyPrefix == "" {
		conf.KeyPrefix = DefaultKeyPrefix
	}

	if len(conf.ClusterAddrs) > 0 {
		conf.ClusterAddrs = append([]string(nil), conf.ClusterAddrs...)
		for _, addr := range conf.ClusterAddrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return nil, fmt.Errorf("invalid cluster address %q: %w", addr, err)
			}
		}
		return &conf, nil
	}

	switch {
	case conf.Host == "":
		return nil, errors.New("redis host is required without cluster addresses")
	case conf.Port <= 0 || conf.Port > 65535:
		return nil, fmt.Errorf("redis port must be in 1..65535, got %d", conf.Port)
	}

	return &conf, nil
}

// NewRedisClient builds a client from a normalized config: a cluster client
// when ClusterAddrs is set, a single-node client otherwise.
func NewRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if len(cfg.ClusterAddrs) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterAddrs,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

// PingWithRetry pings client with exponential backoff starting at 100ms.
func PingWithRetry(ctx context.Context, client redis.UniversalClient, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}
