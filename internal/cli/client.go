package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/bool64/ctxd"
	"github.com/redis/go-redis/v9"

	"github.com/egorkaBurkenya/apiclient-go"
	"github.com/egorkaBurkenya/apiclient-go/auditsink"
	"github.com/egorkaBurkenya/apiclient-go/cachestore"
	"github.com/egorkaBurkenya/apiclient-go/internal/config"
)

// buildClient wires the cache and audit backends selected by cfg into a client.
// The returned cleanup drains background writes and closes the backends.
func buildClient(ctx context.Context, cfg config.Config, logger ctxd.Logger, extra ...apiclient.Option) (*apiclient.Client, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var rc redis.UniversalClient
	redisClient := func() (redis.UniversalClient, error) {
		if rc != nil {
			return rc, nil
		}
		conf, err := cachestore.NormalizeRedisConfig(cfg.RedisStoreConfig())
		if err != nil {
			return nil, err
		}
		c := cachestore.NewRedisClient(conf)
		if err := cachestore.PingWithRetry(ctx, c, conf.MaxRetries); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		rc = c
		closers = append(closers, func() { _ = c.Close() })
		return rc, nil
	}

	opts := append(cfg.Options(), apiclient.WithLogger(logger))

	switch cfg.Cache.Backend {
	case config.CacheMemory:
		store := cachestore.NewMemoryStore(cachestore.MemoryConfig{Logger: logger})
		closers = append(closers, store.Close)
		opts = append(opts, apiclient.WithCache(store))
	case config.CacheRedis:
		c, err := redisClient()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opts = append(opts, apiclient.WithCache(cachestore.NewRedisStoreFromClient(c, cfg.Redis.KeyPrefix)))
	}

	var sinks []apiclient.AuditSink
	if cfg.Audit.File != "" {
		w, f, err := auditsink.OpenFile(cfg.Audit.File)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening audit file: %w", err)
		}
		closers = append(closers, func() { _ = f.Close() })
		sinks = append(sinks, w)
	}
	if cfg.Audit.RedisStream != "" {
		c, err := redisClient()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, auditsink.NewRedisStream(c, cfg.Audit.RedisStream, cfg.Audit.MaxLen))
	}
	if len(sinks) > 0 {
		opts = append(opts, apiclient.WithAuditSink(multiSink(sinks)))
		if cfg.Audit.OnlyErrors {
			opts = append(opts, apiclient.WithAuditPredicate(func(o apiclient.AuditOutcome) bool {
				return o.Err != nil
			}))
		} else {
			opts = append(opts, apiclient.WithAuditLogging(true))
		}
	}

	opts = append(opts, extra...)

	client, err := apiclient.New(opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		closeAll()
	}
	return client, cleanup, nil
}

func multiSink(sinks []apiclient.AuditSink) apiclient.AuditSink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return apiclient.AuditSinkFunc(func(ctx context.Context, rec *apiclient.AuditRecord) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Create(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
