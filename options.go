package apiclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bool64/ctxd"
)

const (
	defaultThreads       = 60
	defaultTimeout       = 3000 * time.Millisecond
	fallbackTimeout      = 30000 * time.Millisecond
	defaultUserAgent     = "apiclient-go/1.0"
	defaultMaxBody       = 10 * 1024 * 1024 // 10 MB
	defaultBackgroundTTL = 5 * time.Second
)

// Option configures a Client.
type Option func(*config)

type config struct {
	baseURL         string
	threads         int
	timeout         time.Duration
	cachePeriod     time.Duration
	headers         map[string]string
	proxy           *ProxyConfig
	withCredentials bool
	auth            *BasicAuth
	maxResponseSize int64
	httpClient      *http.Client

	rps   float64
	burst int

	statusValidator StatusValidator
	dataExtractor   DataExtractor
	errorExtractor  ErrorExtractor

	requestTransform  Transform
	responseTransform Transform
	requestHook       func(req *http.Request)
	responseHook      func(resp *http.Response)

	cache        CacheStore
	auditMode    auditMode
	auditWhen    func(AuditOutcome) bool
	auditSink    AuditSink
	identity     Identity
	writeTimeout time.Duration

	logger  ctxd.Logger
	metrics *MetricsCollector
}

func defaultConfig() *config {
	return &config{
		threads: defaultThreads,
		timeout: defaultTimeout,
		headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   defaultUserAgent,
		},
		maxResponseSize: defaultMaxBody,
		burst:           1,
		writeTimeout:    defaultBackgroundTTL,
		logger:          ctxd.NoOpLogger{},
	}
}

// WithBaseURL sets the prefix for relative request URLs.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithThreads sets the maximum number of in-flight requests.
// Zero or a negative value disables the limit.
func WithThreads(n int) Option {
	return func(c *config) { c.threads = n }
}

// WithTimeout sets the default per-request timeout. A zero timeout makes
// requests fall back to 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithCachePeriod sets the default TTL of cached GET responses. Zero disables caching.
func WithCachePeriod(d time.Duration) Option {
	return func(c *config) { c.cachePeriod = d }
}

// WithCache sets the store used for GET response caching.
func WithCache(store CacheStore) Option {
	return func(c *config) { c.cache = store }
}

// WithHeaders merges headers into the default header set.
func WithHeaders(headers map[string]string) Option {
	return func(c *config) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithProxy routes requests through an HTTP proxy.
func WithProxy(p ProxyConfig) Option {
	return func(c *config) { c.proxy = &p }
}

// WithCredentials keeps cookies between requests.
func WithCredentials(enabled bool) Option {
	return func(c *config) { c.withCredentials = enabled }
}

// WithAuth sets basic auth credentials for every request.
func WithAuth(username, password string) Option {
	return func(c *config) { c.auth = &BasicAuth{Username: username, Password: password} }
}

// WithRateLimit paces dispatches with a token bucket in requests per second and burst size.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *config) {
		c.rps = rps
		if burst > 0 {
			c.burst = burst
		}
	}
}

// WithMaxResponseSize sets the maximum response body size in bytes.
func WithMaxResponseSize(n int64) Option {
	return func(c *config) { c.maxResponseSize = n }
}

// WithHTTPClient sets a custom underlying *http.Client.
// Proxy and credential options are ignored when a custom client is provided.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithStatusValidator decides which response statuses count as success.
func WithStatusValidator(v StatusValidator) Option {
	return func(c *config) { c.statusValidator = v }
}

// WithDataExtractor replaces the default response-data extraction.
func WithDataExtractor(e DataExtractor) Option {
	return func(c *config) { c.dataExtractor = e }
}

// WithErrorExtractor replaces the default error normalization.
func WithErrorExtractor(e ErrorExtractor) Option {
	return func(c *config) { c.errorExtractor = e }
}

// WithRequestTransform rewrites the encoded request body before dispatch.
func WithRequestTransform(t Transform) Option {
	return func(c *config) { c.requestTransform = t }
}

// WithResponseTransform rewrites the raw response body before decoding.
func WithResponseTransform(t Transform) Option {
	return func(c *config) { c.responseTransform = t }
}

// WithRequestHook sets a hook called right before a request is sent.
func WithRequestHook(fn func(req *http.Request)) Option {
	return func(c *config) { c.requestHook = fn }
}

// WithResponseHook sets a hook called after each response is received.
func WithResponseHook(fn func(resp *http.Response)) Option {
	return func(c *config) { c.responseHook = fn }
}

// WithAuditLogging writes an audit record for every dispatched request.
// It has no effect without WithAuditSink.
func WithAuditLogging(enabled bool) Option {
	return func(c *config) {
		c.auditMode = auditOff
		if enabled {
			c.auditMode = auditAlways
		}
	}
}

// WithAuditPredicate writes audit records only for outcomes accepted by fn.
func WithAuditPredicate(fn func(AuditOutcome) bool) Option {
	return func(c *config) {
		c.auditMode = auditWhen
		c.auditWhen = fn
	}
}

// WithAuditSink sets the destination of audit records.
func WithAuditSink(sink AuditSink) Option {
	return func(c *config) { c.auditSink = sink }
}

// WithClientIdentity sets the default caller identity stamped on audit records.
func WithClientIdentity(ip, userID string) Option {
	return func(c *config) { c.identity = Identity{IP: ip, UserID: userID} }
}

// WithBackgroundTimeout bounds cache and audit writes that run after a call returns.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(c *config) { c.writeTimeout = d }
}

// WithLogger sets a contextualized logger.
func WithLogger(l ctxd.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *MetricsCollector) Option {
	return func(c *config) { c.metrics = m }
}

// ConfigError lists every invalid setting found by New.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("apiclient: invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (c *config) validate() error {
	var problems []string

	if c.timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if c.cachePeriod < 0 {
		problems = append(problems, "cache period must not be negative")
	}
	if c.maxResponseSize <= 0 {
		problems = append(problems, "max response size must be positive")
	}
	if c.rps < 0 {
		problems = append(problems, "rate limit must not be negative")
	}
	if c.writeTimeout <= 0 {
		problems = append(problems, "background timeout must be positive")
	}
	if c.auditMode == auditWhen && c.auditWhen == nil {
		problems = append(problems, "audit predicate must not be nil")
	}
	if c.proxy != nil {
		problems = append(problems, c.proxy.validate()...)
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
