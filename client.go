package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds atomic request counters.
type Stats struct {
	TotalRequests      uint64
	TotalErrors        uint64
	RateLimited        uint64
	CacheHits          uint64
	Timeouts           uint64
	CacheWriteFailures uint64
	AuditFailures      uint64
}

// StatsProvider exposes metrics for external collectors (Prometheus, OTel, etc.).
type StatsProvider interface {
	Stats() Stats
}

type counters struct {
	totalReqs          atomic.Uint64
	totalErrors        atomic.Uint64
	rateLimited        atomic.Uint64
	cacheHits          atomic.Uint64
	timeouts           atomic.Uint64
	cacheWriteFailures atomic.Uint64
	auditFailures      atomic.Uint64
}

// Client is an HTTP client with bounded concurrency, GET response caching,
// error normalization and audit logging.
type Client struct {
	hc        *http.Client
	cfg       *config
	admission *admission

	stats counters

	mu     sync.Mutex
	closed bool
	// wg tracks background cache and audit writes.
	wg sync.WaitGroup
}

// Compile-time interface check.
var _ StatsProvider = (*Client)(nil)

// New creates a Client with the given options. It fails with *ConfigError
// when options are inconsistent.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.proxy != nil && cfg.proxy.UserAgent != "" {
		cfg.headers["User-Agent"] = cfg.proxy.UserAgent
	}
	if cfg.statusValidator == nil {
		cfg.statusValidator = DefaultStatusValidator
	}
	if cfg.dataExtractor == nil {
		cfg.dataExtractor = BodyExtractor{}
	}
	if cfg.errorExtractor == nil {
		cfg.errorExtractor = Normalizer{BaseURL: cfg.baseURL}
	}
	if cfg.auditSink == nil {
		cfg.auditMode = auditOff
	}

	hc, err := newHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("apiclient: http client: %w", err)
	}

	return &Client{
		hc:        hc,
		cfg:       cfg,
		admission: newAdmission(cfg.threads, cfg.rps, cfg.burst),
	}, nil
}

// Close waits for pending cache and audit writes. Calls made after Close
// still dispatch, but their cache and audit writes are dropped and counted
// as failures. Close may be called more than once.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
}

// Stats returns a snapshot of request statistics.
func (c *Client) Stats() Stats {
	return Stats{
		TotalRequests:      c.stats.totalReqs.Load(),
		TotalErrors:        c.stats.totalErrors.Load(),
		RateLimited:        c.stats.rateLimited.Load(),
		CacheHits:          c.stats.cacheHits.Load(),
		Timeouts:           c.stats.timeouts.Load(),
		CacheWriteFailures: c.stats.cacheWriteFailures.Load(),
		AuditFailures:      c.stats.auditFailures.Load(),
	}
}

// Pending returns the number of admitted calls that have not completed.
func (c *Client) Pending() int64 {
	return c.admission.inFlight()
}

// SendRequest performs one call and returns the extracted response data.
//
// GET calls are served from cache when a store and a positive cache period
// are configured. Otherwise the call waits for a concurrency slot and is
// dispatched with the effective timeout. It fails with *CanceledError when
// the timeout fires and with the error extractor's result (by default
// *NormalizedError) on any other failure.
func (c *Client) SendRequest(ctx context.Context, method, url string, data Payload, headers Headers, call *CallConfig) (any, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	ttl := c.cachePeriodFor(method, call)
	var cacheKey string
	if ttl > 0 {
		cacheKey = CacheKey(method, url, data)
		if v, ok := c.cacheLookup(ctx, cacheKey); ok {
			c.stats.cacheHits.Add(1)
			c.cfg.metrics.RecordCacheHit(url)
			c.cfg.logger.Debug(ctx, "served from cache", "method", method, "url", url)
			return v, nil
		}
		c.cfg.metrics.RecordCacheMiss(url)
	}

	out, err := c.buildRequest(ctx, method, url, data, headers)
	if err != nil {
		terr := &TransportError{
			Message: err.Error(),
			Code:    "ERR_BAD_REQUEST",
			Request: RequestSnapshot{Method: method, BaseURL: c.cfg.baseURL, URL: url, Data: clonePayload(data)},
			Cause:   err,
		}
		return nil, c.fail(ctx, nil, terr, "request")
	}

	waitStart := time.Now()
	release, err := c.admission.acquire(ctx)
	if err != nil {
		terr := &TransportError{
			Message: "admission: " + err.Error(),
			Code:    "ERR_CANCELED",
			Request: out.snapshot,
			Cause:   err,
		}
		return nil, c.fail(ctx, nil, terr, "admission")
	}
	defer func() {
		release()
		c.cfg.metrics.RecordRelease(c.admission.inFlight())
	}()
	c.cfg.metrics.RecordAdmission(time.Since(waitStart), c.admission.inFlight())

	timeout := c.effectiveTimeout(call)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, raw, err := c.dispatch(dctx, out)
	if err != nil {
		if timedOut(ctx, dctx) {
			return nil, c.canceled(ctx, method, url, data, headers, call, timeout)
		}
		terr := &TransportError{
			Message: err.Error(),
			Code:    networkCode(err),
			Request: out.snapshot,
			Cause:   err,
		}
		return nil, c.fail(ctx, out, terr, "network")
	}

	if int64(len(raw)) > c.cfg.maxResponseSize {
		terr := &TransportError{
			Message: fmt.Sprintf("maxContentLength size of %d exceeded", c.cfg.maxResponseSize),
			Code:    "ERR_BAD_RESPONSE",
			Request: out.snapshot,
		}
		return nil, c.fail(ctx, out, terr, "decode")
	}

	body, err := c.decodeBody(raw, resp.Header, out.responseType)
	if err != nil {
		terr := &TransportError{
			Message: err.Error(),
			Code:    "ERR_BAD_RESPONSE",
			Request: out.snapshot,
			Cause:   err,
		}
		return nil, c.fail(ctx, out, terr, "decode")
	}

	response := &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Data:       body,
		Request:    out.snapshot,
	}

	if !c.cfg.statusValidator(resp.StatusCode) {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.stats.rateLimited.Add(1)
		}
		terr := &TransportError{
			Message:  fmt.Sprintf("Request failed with status code %d", resp.StatusCode),
			Response: response,
			Request:  out.snapshot,
			Data:     responseExtra(resp.Header),
		}
		return nil, c.fail(ctx, out, terr, "status")
	}

	result, err := c.cfg.dataExtractor.ExtractData(response)
	if err != nil {
		terr := &TransportError{
			Message:  err.Error(),
			Code:     "ERR_EXTRACT",
			Response: response,
			Request:  out.snapshot,
			Cause:    err,
		}
		return nil, c.fail(ctx, out, terr, "extract")
	}

	if ttl > 0 {
		c.cacheStore(ctx, cacheKey, result, ttl)
	}

	if outcome := (AuditOutcome{Response: response}); c.auditEnabled(outcome) {
		c.emitAudit(ctx, c.newAuditRecord(ctx, out, outcome))
	}

	return result, nil
}

// Send performs SendRequest and converts the extracted data into T.
func Send[T any](ctx context.Context, c *Client, method, url string, data Payload, headers Headers, call *CallConfig) (T, error) {
	var zero T

	v, err := c.SendRequest(ctx, method, url, data, headers, call)
	if err != nil {
		return zero, err
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("apiclient: encode response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("apiclient: decode response data into %T: %w", zero, err)
	}
	return out, nil
}

// dispatch sends the request bound to ctx and reads at most one byte past the size limit.
func (c *Client) dispatch(ctx context.Context, out *outgoing) (*http.Response, []byte, error) {
	req := out.req.WithContext(ctx)
	if c.cfg.requestHook != nil {
		c.cfg.requestHook(req)
	}

	c.stats.totalReqs.Add(1)
	c.cfg.logger.Debug(ctx, "dispatching request", "method", req.Method, "url", req.URL.String())

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if c.cfg.responseHook != nil {
		c.cfg.responseHook(resp)
	}

	// One byte past the limit tells an over-size body from one that fits exactly.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.maxResponseSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	c.cfg.metrics.RecordRequest(req.Method, req.URL.Path, resp.StatusCode, time.Since(start))
	return resp, raw, nil
}

// fail audits (when out is set), scrubs and normalizes a raw failure.
func (c *Client) fail(ctx context.Context, out *outgoing, terr *TransportError, kind string) error {
	c.stats.totalErrors.Add(1)
	c.cfg.metrics.RecordError(kind, terr.Request.Method, terr.Request.URL)

	if out != nil {
		if outcome := (AuditOutcome{Err: terr}); c.auditEnabled(outcome) {
			c.emitAudit(ctx, c.newAuditRecord(ctx, out, outcome))
		}
	}

	scrubSecureFields(terr)

	err := c.cfg.errorExtractor.ExtractError(terr)
	if err == nil {
		err = terr
	}

	c.cfg.logger.Debug(ctx, "request failed",
		"method", terr.Request.Method,
		"url", terr.Request.URL,
		"kind", kind,
		"error", err,
	)
	return err
}

func (c *Client) canceled(ctx context.Context, method, url string, data Payload, headers Headers, call *CallConfig, timeout time.Duration) error {
	c.stats.timeouts.Add(1)
	c.stats.totalErrors.Add(1)
	c.cfg.metrics.RecordTimeout(method, url)
	c.cfg.logger.Warn(ctx, "request canceled due to timeout", "method", method, "url", url, "timeout", timeout.String())

	return &CanceledError{Meta: CanceledMeta{
		Method:  method,
		URL:     url,
		Data:    clonePayload(data),
		Headers: headers,
		Config:  call,
	}}
}

// requestIDHeaders are checked in order for the server's id of a failed request.
var requestIDHeaders = []string{"X-Request-Id", "X-Correlation-Id", "X-Amzn-Requestid"}

func responseExtra(h http.Header) map[string]any {
	for _, name := range requestIDHeaders {
		if id := h.Get(name); id != "" {
			return map[string]any{"requestId": id}
		}
	}
	return nil
}

func (c *Client) effectiveTimeout(call *CallConfig) time.Duration {
	if call != nil && call.Timeout > 0 {
		return call.Timeout
	}
	if c.cfg.timeout > 0 {
		return c.cfg.timeout
	}
	return fallbackTimeout
}

// timedOut reports whether the dispatch deadline fired while the caller's context was still live.
func timedOut(parent, dispatch context.Context) bool {
	return parent.Err() == nil && errors.Is(dispatch.Err(), context.DeadlineExceeded)
}

// background runs fn after the call returns, detached from caller cancellation
// and bounded by the background timeout. Close waits for it. It reports false,
// without running fn, once the client is closed.
func (c *Client) background(ctx context.Context, fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.writeTimeout)
		defer cancel()

		fn(bctx)
	}()
	return true
}
