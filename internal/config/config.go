package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/egorkaBurkenya/apiclient-go"
	"github.com/egorkaBurkenya/apiclient-go/cachestore"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the top-level configuration for the apiclient CLI.
type Config struct {
	Client ClientConfig `json:"client"`
	Cache  CacheConfig  `json:"cache"`
	Audit  AuditConfig  `json:"audit"`
	Redis  RedisConfig  `json:"redis"`
}

// ClientConfig mirrors the client options.
type ClientConfig struct {
	BaseURL         string                 `json:"baseURL"`
	Threads         int                    `json:"threads"`
	Timeout         time.Duration          `json:"timeout"`
	CachePeriod     time.Duration          `json:"cachePeriod"`
	Headers         map[string]string      `json:"headers"`
	Proxy           *apiclient.ProxyConfig `json:"proxy"`
	Auth            *apiclient.BasicAuth   `json:"auth"`
	WithCredentials bool                   `json:"withCredentials"`
	RPS             float64                `json:"rps"`
	Burst           int                    `json:"burst"`
}

// CacheConfig selects the GET response cache.
type CacheConfig struct {
	Backend string `json:"backend"`
}

// AuditConfig selects where audit records go. An empty File and RedisStream disables auditing.
type AuditConfig struct {
	OnlyErrors  bool   `json:"onlyErrors"`
	File        string `json:"file"`
	RedisStream string `json:"redisStream"`
	MaxLen      int64  `json:"maxLen"`
}

// RedisConfig holds Redis connection settings shared by the cache and the audit stream.
type RedisConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	DB        int    `json:"db"`
	Password  string `json:"password"`
	KeyPrefix string `json:"keyPrefix"`
	// ClusterAddrs selects a Redis Cluster; host and port are ignored when set.
	ClusterAddrs []string `json:"clusterAddrs"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Client: ClientConfig{
			Threads: 60,
			Timeout: 3 * time.Second,
		},
		Cache: CacheConfig{
			Backend: CacheNone,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if c.Client.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Client.Timeout)
	}
	if c.Client.CachePeriod < 0 {
		return fmt.Errorf("cachePeriod must not be negative, got %s", c.Client.CachePeriod)
	}
	if c.Client.RPS < 0 {
		return fmt.Errorf("rps must not be negative, got %v", c.Client.RPS)
	}
	switch c.Cache.Backend {
	case CacheNone, CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("unknown cache backend %q, must be one of: none, memory, redis", c.Cache.Backend)
	}
	if c.Audit.MaxLen < 0 {
		return fmt.Errorf("audit.maxLen must not be negative, got %d", c.Audit.MaxLen)
	}
	if c.needsRedis() && len(c.Redis.ClusterAddrs) == 0 {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required")
		}
		if c.Redis.Port <= 0 {
			return fmt.Errorf("redis.port must be positive, got %d", c.Redis.Port)
		}
	}
	return nil
}

func (c Config) needsRedis() bool {
	return c.Cache.Backend == CacheRedis || c.Audit.RedisStream != ""
}

// Options converts the client section into client options. Cache and audit
// sinks are wired by the caller.
func (c Config) Options() []apiclient.Option {
	opts := []apiclient.Option{
		apiclient.WithBaseURL(c.Client.BaseURL),
		apiclient.WithThreads(c.Client.Threads),
		apiclient.WithTimeout(c.Client.Timeout),
		apiclient.WithCachePeriod(c.Client.CachePeriod),
		apiclient.WithCredentials(c.Client.WithCredentials),
	}
	if len(c.Client.Headers) > 0 {
		opts = append(opts, apiclient.WithHeaders(c.Client.Headers))
	}
	if c.Client.Proxy != nil {
		opts = append(opts, apiclient.WithProxy(*c.Client.Proxy))
	}
	if c.Client.Auth != nil {
		opts = append(opts, apiclient.WithAuth(c.Client.Auth.Username, c.Client.Auth.Password))
	}
	if c.Client.RPS > 0 {
		opts = append(opts, apiclient.WithRateLimit(c.Client.RPS, c.Client.Burst))
	}
	return opts
}

// RedisStoreConfig returns the connection settings for cachestore.
func (c Config) RedisStoreConfig() *cachestore.RedisConfig {
	return &cachestore.RedisConfig{
		Host:      c.Redis.Host,
		Port:      c.Redis.Port,
		DB:        c.Redis.DB,
		Password:  c.Redis.Password,
		KeyPrefix: c.Redis.KeyPrefix,

		ClusterAddrs: c.Redis.ClusterAddrs,
	}
}

// LoadFile reads a JSON config file and merges it with defaults.
// Fields not specified in the file retain their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Use a raw intermediate struct to handle duration parsing.
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	rc := raw.Client
	if rc.BaseURL != "" {
		cfg.Client.BaseURL = rc.BaseURL
	}
	if rc.Threads != nil {
		cfg.Client.Threads = *rc.Threads
	}
	if rc.Timeout != "" {
		d, err := time.ParseDuration(rc.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("parsing client.timeout: %w", err)
		}
		cfg.Client.Timeout = d
	}
	if rc.CachePeriod != "" {
		d, err := time.ParseDuration(rc.CachePeriod)
		if err != nil {
			return cfg, fmt.Errorf("parsing client.cachePeriod: %w", err)
		}
		cfg.Client.CachePeriod = d
	}
	if len(rc.Headers) > 0 {
		cfg.Client.Headers = rc.Headers
	}
	if rc.Proxy != nil {
		cfg.Client.Proxy = rc.Proxy
	}
	if rc.Auth != nil {
		cfg.Client.Auth = rc.Auth
	}
	cfg.Client.WithCredentials = rc.WithCredentials
	if rc.RPS > 0 {
		cfg.Client.RPS = rc.RPS
	}
	if rc.Burst > 0 {
		cfg.Client.Burst = rc.Burst
	}

	if raw.Cache.Backend != "" {
		cfg.Cache.Backend = raw.Cache.Backend
	}
	cfg.Audit = raw.Audit

	if raw.Redis.Host != "" {
		cfg.Redis.Host = raw.Redis.Host
	}
	if raw.Redis.Port > 0 {
		cfg.Redis.Port = raw.Redis.Port
	}
	cfg.Redis.DB = raw.Redis.DB
	cfg.Redis.Password = raw.Redis.Password
	cfg.Redis.KeyPrefix = raw.Redis.KeyPrefix
	cfg.Redis.ClusterAddrs = raw.Redis.ClusterAddrs

	return cfg, nil
}

// rawConfig is the JSON-friendly representation with string durations.
type rawConfig struct {
	Client struct {
		BaseURL         string                 `json:"baseURL"`
		Threads         *int                   `json:"threads"`
		Timeout         string                 `json:"timeout"`
		CachePeriod     string                 `json:"cachePeriod"`
		Headers         map[string]string      `json:"headers"`
		Proxy           *apiclient.ProxyConfig `json:"proxy"`
		Auth            *apiclient.BasicAuth   `json:"auth"`
		WithCredentials bool                   `json:"withCredentials"`
		RPS             float64                `json:"rps"`
		Burst           int                    `json:"burst"`
	} `json:"client"`
	Cache CacheConfig `json:"cache"`
	Audit AuditConfig `json:"audit"`
	Redis RedisConfig `json:"redis"`
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	example := `{
  "client": {
    "baseURL": "https://api.example.com",
    "threads": 60,
    "timeout": "3s",
    "cachePeriod": "30s",
    "headers": {
      "X-Client": "apiclient"
    }
  },
  "cache": {
    "backend": "memory"
  },
  "audit": {
    "onlyErrors": false,
    "file": "audit.ndjson"
  },
  "redis": {
    "host": "localhost",
    "port": 6379,
    "keyPrefix": "apiclient:cache:"
  }
}
`
	return os.WriteFile(path, []byte(example), 0o644)
}
