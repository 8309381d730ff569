package cachestore_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	testcontainers "github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/egorkaBurkenya/apiclient-go/cachestore"
)

func newRedisConfigForTest(t *testing.T) (*cachestore.RedisConfig, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := rediscontainer.Run(ctx, "redis:7.2-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("container mapped port: %v", err)
	}

	p, err := strconv.Atoi(port.Port())
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("parse mapped port: %v", err)
	}

	cfg := &cachestore.RedisConfig{
		Host:        host,
		Port:        p,
		PoolSize:    20,
		MaxRetries:  3,
		DialTimeout: 5 * time.Second,
	}
	cleanup := func() {
		_ = container.Terminate(context.Background())
	}
	return cfg, cleanup
}

func newRedisStoreForTest(t *testing.T) (*cachestore.RedisStore, func()) {
	t.Helper()

	cfg, terminate := newRedisConfigForTest(t)
	store, err := cachestore.NewRedisStore(context.Background(), cfg)
	if err != nil {
		terminate()
		t.Fatalf("NewRedisStore() error: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		terminate()
	}
	return store, cleanup
}
