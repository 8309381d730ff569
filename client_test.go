package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu     sync.Mutex
	items  map[string][]byte
	ttls   map[string]time.Duration
	gets   atomic.Int32
	sets   atomic.Int32
	setErr error
}

func newMemStore() *memStore {
	return &memStore{items: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (s *memStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.sets.Add(1)
	if s.setErr != nil {
		return s.setErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	s.ttls[key] = ttl
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []*AuditRecord
	err     error
}

func (s *recordingSink) Create(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) all() []*AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditRecord(nil), s.records...)
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestBasicGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithTimeout(5*time.Second))

	data, err := c.SendRequest(context.Background(), "get", "/test", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := data.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("unexpected data: %#v", data)
	}
}

func TestGetSendsPayloadAsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(405)
			return
		}
		if r.ContentLength > 0 {
			w.WriteHeader(400)
			return
		}
		w.Write([]byte(r.URL.RawQuery))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL+"/"))

	data, err := c.SendRequest(context.Background(), "GET", "/q",
		Payload{"b": "x y", "a": 1, "ids": []any{1, 2}, "skip": nil}, Headers{"responseType": "text"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data != "a=1&b=x+y&ids%5B%5D=1&ids%5B%5D=2" {
		t.Fatalf("unexpected query: %v", data)
	}
}

func TestPostSendsPayloadAsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(415)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithRequestTransform(func(body []byte, _ http.Header) ([]byte, error) {
			var m map[string]any
			if err := json.Unmarshal(body, &m); err != nil {
				return nil, err
			}
			m["signed"] = true
			return json.Marshal(m)
		}),
	)

	data, err := c.SendRequest(context.Background(), "POST", "/echo", Payload{"msg": "hello"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := data.(map[string]any)
	if m["msg"] != "hello" || m["signed"] != true {
		t.Fatalf("unexpected echo: %v", m)
	}
}

func TestCacheHitSkipsTransport(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	store := newMemStore()
	sink := &recordingSink{}
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithCache(store),
		WithCachePeriod(time.Minute),
		WithAuditSink(sink),
		WithAuditLogging(true),
	)

	ctx := context.Background()
	first, err := c.SendRequest(ctx, "GET", "/n", Payload{"id": 7}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.wg.Wait()

	second, err := c.SendRequest(ctx, "GET", "/n", Payload{"id": 7}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", hits.Load())
	}
	if first.(map[string]any)["n"] != second.(map[string]any)["n"] {
		t.Fatalf("cached value differs: %v vs %v", first, second)
	}
	s := c.Stats()
	if s.TotalRequests != 1 || s.CacheHits != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if ttl := store.ttls[`GET_/n_{"id":7}`]; ttl != time.Minute {
		t.Fatalf("expected ttl 1m under fingerprint key, got %v (keys %v)", ttl, store.ttls)
	}

	c.Close()
	if n := len(sink.all()); n != 1 {
		t.Fatalf("cache hit must not be audited: got %d records, want 1", n)
	}
}

func TestCloseDropsLaterBackgroundWrites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	store := newMemStore()
	sink := &recordingSink{}
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithCache(store),
		WithCachePeriod(time.Minute),
		WithAuditSink(sink),
		WithAuditLogging(true),
	)

	c.Close()

	if _, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil); err != nil {
		t.Fatalf("calls after Close should still dispatch: %v", err)
	}
	c.Close()

	if store.sets.Load() != 0 || len(sink.all()) != 0 {
		t.Fatalf("background writes ran after Close: sets=%d records=%d", store.sets.Load(), len(sink.all()))
	}
	s := c.Stats()
	if s.CacheWriteFailures != 1 || s.AuditFailures != 1 {
		t.Fatalf("dropped writes not counted: %+v", s)
	}
}

func TestCacheHitDoesNotWaitForAdmission(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`"slow"`))
	}))
	defer srv.Close()

	store := newMemStore()
	store.items[CacheKey("GET", "/cached", nil)] = []byte(`"cached"`)

	c := newTestClient(t, WithBaseURL(srv.URL), WithThreads(1), WithCache(store), WithCachePeriod(time.Minute))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		c.SendRequest(context.Background(), "GET", "/slow", nil, nil, &CallConfig{CachePeriod: new(time.Duration)})
	}()
	defer func() {
		close(release)
		<-slowDone
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("slow request never admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	data, err := c.SendRequest(context.Background(), "GET", "/cached", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data != "cached" {
		t.Fatalf("unexpected data: %v", data)
	}
	if c.Pending() != 1 {
		t.Fatalf("cache hit changed pending counter: %d", c.Pending())
	}
}

func TestNonGetNeverCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := newMemStore()
	c := newTestClient(t, WithBaseURL(srv.URL), WithCache(store), WithCachePeriod(time.Minute))

	for _, m := range []string{"POST", "PUT", "DELETE", "POST"} {
		if _, err := c.SendRequest(context.Background(), m, "/x", Payload{"a": 1}, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	c.wg.Wait()

	if hits.Load() != 4 {
		t.Fatalf("expected 4 dispatches, got %d", hits.Load())
	}
	if store.gets.Load() != 0 || store.sets.Load() != 0 {
		t.Fatalf("cache used for non-GET: gets=%d sets=%d", store.gets.Load(), store.sets.Load())
	}
}

func TestPerCallCachePeriod(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`1`))
	}))
	defer srv.Close()

	store := newMemStore()
	c := newTestClient(t, WithBaseURL(srv.URL), WithCache(store), WithCachePeriod(time.Minute))

	off := time.Duration(0)
	for i := 0; i < 2; i++ {
		if _, err := c.SendRequest(context.Background(), "GET", "/x", nil, nil, &CallConfig{CachePeriod: &off}); err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 2 || store.sets.Load() != 0 {
		t.Fatalf("zero per-call period should bypass cache: hits=%d sets=%d", hits.Load(), store.sets.Load())
	}

	short := 5 * time.Second
	if _, err := c.SendRequest(context.Background(), "GET", "/y", nil, nil, &CallConfig{CachePeriod: &short}); err != nil {
		t.Fatal(err)
	}
	c.wg.Wait()
	if ttl := store.ttls["GET_/y"]; ttl != short {
		t.Fatalf("expected per-call ttl %v, got %v", short, ttl)
	}
}

func TestCachingDisabledByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`1`))
	}))
	defer srv.Close()

	store := newMemStore()
	c := newTestClient(t, WithBaseURL(srv.URL), WithCache(store))

	for i := 0; i < 2; i++ {
		if _, err := c.SendRequest(context.Background(), "GET", "/x", nil, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 2 || store.gets.Load() != 0 {
		t.Fatalf("zero cache period should disable caching: hits=%d gets=%d", hits.Load(), store.gets.Load())
	}
}

func TestCacheWriteFailureIsNotSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	store := newMemStore()
	store.setErr = errors.New("store down")
	c := newTestClient(t, WithBaseURL(srv.URL), WithCache(store), WithCachePeriod(time.Minute))

	if _, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil); err != nil {
		t.Fatalf("cache write failure leaked into result: %v", err)
	}
	c.wg.Wait()

	if n := c.Stats().CacheWriteFailures; n != 1 {
		t.Fatalf("expected 1 cache write failure, got %d", n)
	}
}

func TestTimeoutReturnsCanceledError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithTimeout(5*time.Second),
		WithAuditSink(sink),
		WithAuditLogging(true),
	)

	call := &CallConfig{Timeout: 50 * time.Millisecond}
	data := Payload{"q": 1}
	headers := Headers{"X-Trace": "t"}

	_, err := c.SendRequest(context.Background(), "GET", "/slow", data, headers, call)

	var cerr *CanceledError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CanceledError, got %T: %v", err, err)
	}
	if err.Error() != "Request has been canceled due to timeout" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("canceled error should match ErrTimeout and context.DeadlineExceeded")
	}
	if cerr.Meta.Method != "GET" || cerr.Meta.URL != "/slow" || cerr.Meta.Data["q"] != 1 ||
		cerr.Meta.Headers["X-Trace"] != "t" || cerr.Meta.Config != call {
		t.Fatalf("metadata does not echo call: %+v", cerr.Meta)
	}

	c.wg.Wait()
	if n := len(sink.all()); n != 0 {
		t.Fatalf("timeout must not be audited, got %d records", n)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", c.Pending())
	}
	if s := c.Stats(); s.Timeouts != 1 {
		t.Fatalf("expected 1 timeout, got %+v", s)
	}
}

func TestCallerCancellationIsNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.SendRequest(ctx, "GET", "/", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	var cerr *CanceledError
	if errors.As(err, &cerr) {
		t.Fatal("caller cancellation must not be reported as a client timeout")
	}
	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T", err)
	}
}

func TestEffectiveTimeout(t *testing.T) {
	c := newTestClient(t, WithTimeout(0))
	if d := c.effectiveTimeout(nil); d != 30*time.Second {
		t.Fatalf("expected fallback 30s, got %v", d)
	}
	if d := c.effectiveTimeout(&CallConfig{Timeout: time.Second}); d != time.Second {
		t.Fatalf("expected per-call 1s, got %v", d)
	}

	c = newTestClient(t)
	if d := c.effectiveTimeout(&CallConfig{}); d != 3*time.Second {
		t.Fatalf("expected default 3s, got %v", d)
	}
}

func TestPendingReturnsToZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(500)
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		default:
			w.Write([]byte(`1`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithThreads(2))
	ctx := context.Background()

	c.SendRequest(ctx, "GET", "/ok", nil, nil, nil)
	c.SendRequest(ctx, "GET", "/fail", nil, nil, nil)
	c.SendRequest(ctx, "GET", "/slow", nil, nil, &CallConfig{Timeout: 20 * time.Millisecond})

	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", c.Pending())
	}

	// Slots are really free again.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SendRequest(ctx, "GET", "/ok", nil, nil, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", c.Pending())
	}
}

func TestThreadsLimitConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		for {
			m := peak.Load()
			if n <= m || peak.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		cur.Add(-1)
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithThreads(2), WithTimeout(time.Second))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SendRequest(context.Background(), "GET", "/slow", nil, nil, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", p)
	}
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Fatalf("third call dispatched before a slot was released: %v", elapsed)
	}
}

func TestNormalizedErrorScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(422)
		w.Write([]byte(`{"message":"bad","code":42}`))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL))

	_, err := c.SendRequest(context.Background(), "POST", "/items", Payload{"a": 1}, nil, nil)

	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T: %v", err, err)
	}
	if nerr.Message != "bad" {
		t.Fatalf("message = %q", nerr.Message)
	}
	if nerr.HTTPStatus != 0 {
		t.Fatalf("httpStatus = %d, want 0", nerr.HTTPStatus)
	}
	if nerr.Meta.ErrorCode != "unknown-error-code" {
		t.Fatalf("errorCode = %q", nerr.Meta.ErrorCode)
	}
	if nerr.Meta.ServiceName != srv.URL {
		t.Fatalf("serviceName = %q, want %q", nerr.Meta.ServiceName, srv.URL)
	}
	if nerr.Meta.Code != float64(42) {
		t.Fatalf("code = %#v", nerr.Meta.Code)
	}
	if nerr.Meta.Description != "bad" {
		t.Fatalf("description = %q", nerr.Meta.Description)
	}
	if nerr.Meta.StatusText != "Unprocessable Entity" {
		t.Fatalf("statusText = %q", nerr.Meta.StatusText)
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Response == nil || terr.Response.Status != 422 {
		t.Fatal("normalized error should wrap the transport failure with its response")
	}
}

func TestStatusFailureWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := newTestClient(t)

	_, err := c.SendRequest(context.Background(), "GET", srv.URL+"/down", nil, nil, nil)

	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T", err)
	}
	if nerr.Message != "Request failed with status code 503" {
		t.Fatalf("message = %q", nerr.Message)
	}
	if nerr.Meta.ServiceName != "unknown-service" {
		t.Fatalf("serviceName = %q", nerr.Meta.ServiceName)
	}
	if nerr.Meta.ErrorCode != "unknown-error-code" {
		t.Fatalf("errorCode = %q", nerr.Meta.ErrorCode)
	}
}

func TestStatusFailureCarriesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/traced" {
			w.Header().Set("X-Correlation-Id", "corr-9")
		}
		w.WriteHeader(500)
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL))

	_, err := c.SendRequest(context.Background(), "GET", "/traced", nil, nil, nil)
	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T", err)
	}
	if nerr.Meta.Extra["requestId"] != "corr-9" {
		t.Fatalf("extra = %v", nerr.Meta.Extra)
	}

	_, err = c.SendRequest(context.Background(), "GET", "/plain", nil, nil, nil)
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T", err)
	}
	if nerr.Meta.Extra != nil {
		t.Fatalf("extra without request id = %v", nerr.Meta.Extra)
	}
}

func TestNetworkErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, WithBaseURL(addr))

	_, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil)

	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T", err)
	}
	if nerr.Meta.ErrorCode != "ECONNREFUSED" || nerr.Meta.Code != "ECONNREFUSED" {
		t.Fatalf("unexpected codes: %+v", nerr.Meta)
	}
	if c.Stats().TotalErrors != 1 {
		t.Fatalf("expected 1 error, got %d", c.Stats().TotalErrors)
	}
}

func TestScrubAndRedactOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"message":"denied"}`))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithAuth("alice", "pw"),
		WithAuditSink(sink),
		WithAuditLogging(true),
	)

	data := Payload{"password": "hunter2", "token": "t-1", "name": "n"}
	headers := Headers{"Authorization": "Bearer abc", "X-Api-Key": "k-1", "X-Trace": "tr"}

	_, err := c.SendRequest(context.Background(), "POST", "/login", data, headers, nil)

	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T", err)
	}
	req := nerr.Meta.Request
	if req.Auth == nil || req.Auth.Username != "[Filtered]" || req.Auth.Password != "[Filtered]" {
		t.Fatalf("auth not scrubbed: %+v", req.Auth)
	}
	if req.Data["password"] != "[Filtered]" || req.Data["token"] != "[Filtered]" || req.Data["name"] != "n" {
		t.Fatalf("data not scrubbed: %v", req.Data)
	}
	if req.Headers["Authorization"] != "[Filtered]" {
		t.Fatalf("authorization not scrubbed: %v", req.Headers)
	}
	if data["password"] != "hunter2" || c.cfg.auth.Password != "pw" {
		t.Fatal("scrubbing must not touch caller data or client config")
	}

	c.wg.Wait()
	records := sink.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	rec := records[0]
	if rec.Headers["X-Api-Key"] != "[FILTERED]" || rec.Headers["X-Trace"] != "tr" {
		t.Fatalf("headers not redacted: %v", rec.Headers)
	}
	if rec.Status != 401 || rec.Method != "POST" || rec.URL != "/login" || rec.BaseURL != srv.URL {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if body, ok := rec.Error.(map[string]any); !ok || body["message"] != "denied" {
		t.Fatalf("record error = %#v", rec.Error)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Fatal("record missing id or timestamp")
	}
}

func TestAuditSuccessRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", "test")
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithAuditSink(sink),
		WithAuditLogging(true),
		WithClientIdentity("10.0.0.1", "default-user"),
	)

	ctx := WithIdentity(context.Background(), Identity{IP: "192.168.1.5", UserID: "u-42"})
	if _, err := c.SendRequest(ctx, "GET", "/items", Payload{"page": 2}, Headers{"X-Auth-Token": "t"}, nil); err != nil {
		t.Fatal(err)
	}
	c.wg.Wait()

	records := sink.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != 200 || rec.StatusText != "OK" {
		t.Fatalf("status = %d %q", rec.Status, rec.StatusText)
	}
	if rec.Params["page"] != 2 {
		t.Fatalf("params = %v", rec.Params)
	}
	if rec.Headers["X-Auth-Token"] != "[FILTERED]" {
		t.Fatalf("token header not redacted: %v", rec.Headers)
	}
	if rec.Response == nil || rec.Response.Headers.Get("X-Served-By") != "test" {
		t.Fatalf("response not recorded: %+v", rec.Response)
	}
	if rec.IP != "192.168.1.5" || rec.UserID != "u-42" {
		t.Fatalf("identity = %q/%q", rec.IP, rec.UserID)
	}
}

func TestAuditPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(400)
			return
		}
		w.Write([]byte(`1`))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithAuditSink(sink),
		WithAuditPredicate(func(o AuditOutcome) bool { return o.Err != nil }),
	)

	c.SendRequest(context.Background(), "GET", "/ok", nil, nil, nil)
	c.SendRequest(context.Background(), "GET", "/fail", nil, nil, nil)
	c.wg.Wait()

	records := sink.all()
	if len(records) != 1 || records[0].URL != "/fail" {
		t.Fatalf("expected only the failure to be audited, got %d records", len(records))
	}
}

func TestAuditForcedOffWithoutSink(t *testing.T) {
	c := newTestClient(t, WithAuditLogging(true))
	if c.cfg.auditMode != auditOff {
		t.Fatal("audit must be disabled without a sink")
	}
}

func TestAuditFailureDoesNotMaskOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"fine"`))
	}))
	defer srv.Close()

	sink := &recordingSink{err: errors.New("db down")}
	c := newTestClient(t, WithBaseURL(srv.URL), WithAuditSink(sink), WithAuditLogging(true))

	data, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil)
	if err != nil || data != "fine" {
		t.Fatalf("unexpected result: %v, %v", data, err)
	}
	c.wg.Wait()
	if n := c.Stats().AuditFailures; n != 1 {
		t.Fatalf("expected 1 audit failure, got %d", n)
	}
}

func TestResponseTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"a":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL))
	ctx := context.Background()

	text, err := c.SendRequest(ctx, "GET", "/", nil, Headers{"responseType": "text"}, nil)
	if err != nil || text != `{"a":1}` {
		t.Fatalf("text: %#v, %v", text, err)
	}

	raw, err := c.SendRequest(ctx, "GET", "/", nil, Headers{"responseType": "arraybuffer"}, nil)
	if b, ok := raw.([]byte); err != nil || !ok || string(b) != `{"a":1}` {
		t.Fatalf("arraybuffer: %#v, %v", raw, err)
	}
}

func TestResponseTypeIsNotSentAsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("responseType") != "" {
			w.WriteHeader(400)
			return
		}
		w.Write([]byte(r.Header.Get("X-Custom")))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithHeaders(map[string]string{"X-Custom": "client"}))

	data, err := c.SendRequest(context.Background(), "GET", "/", nil, Headers{"responseType": "text", "X-Custom": "call"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data != "call" {
		t.Fatalf("per-call header should win, got %v", data)
	}
}

func TestCustomExtractorsAndValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"data":{"name":"x"}}`))
	}))
	defer srv.Close()

	sentinel := errors.New("custom")
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithStatusValidator(func(status int) bool { return status < 500 }),
		WithDataExtractor(DataExtractorFunc(func(resp *Response) (any, error) {
			return resp.Data.(map[string]any)["data"], nil
		})),
		WithErrorExtractor(ErrorExtractorFunc(func(err *TransportError) error { return sentinel })),
	)

	data, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data.(map[string]any)["name"] != "x" {
		t.Fatalf("extractor not applied: %v", data)
	}

	c2 := newTestClient(t,
		WithBaseURL(srv.URL),
		WithErrorExtractor(ErrorExtractorFunc(func(err *TransportError) error { return sentinel })),
	)
	if _, err := c2.SendRequest(context.Background(), "GET", "/", nil, nil, nil); !errors.Is(err, sentinel) {
		t.Fatalf("expected custom error, got %v", err)
	}
}

func TestResponseTransform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`)]}'{"ok":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithResponseTransform(func(body []byte, _ http.Header) ([]byte, error) {
			return []byte(strings.TrimPrefix(string(body), ")]}'")), nil
		}),
	)

	data, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data.(map[string]any)["ok"] != float64(1) {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestSendGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":3,"title":"t"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL))

	type item struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	got, err := Send[item](context.Background(), c, "GET", "/item", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 3 || got.Title != "t" {
		t.Fatalf("unexpected item: %+v", got)
	}

	m, err := Send[map[string]any](context.Background(), c, "GET", "/item", nil, nil, nil)
	if err != nil || m["title"] != "t" {
		t.Fatalf("map: %v, %v", m, err)
	}
}

func TestBasicAuthAndProxy(t *testing.T) {
	var gotHost, gotProxyAuth, gotUA, gotUser atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.URL.Host)
		gotProxyAuth.Store(r.Header.Get("Proxy-Authorization"))
		gotUA.Store(r.Header.Get("User-Agent"))
		user, _, _ := r.BasicAuth()
		gotUser.Store(user)
		w.Write([]byte(`"via proxy"`))
	}))
	defer proxy.Close()

	u, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	c := newTestClient(t,
		WithAuth("bob", "secret"),
		WithProxy(ProxyConfig{
			Host:      u.Hostname(),
			Port:      port,
			Auth:      &BasicAuth{Username: "pu", Password: "pp"},
			UserAgent: "custom-agent/2",
		}),
	)

	data, err := c.SendRequest(context.Background(), "GET", "http://upstream.invalid/x", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data != "via proxy" {
		t.Fatalf("unexpected data: %v", data)
	}
	if gotHost.Load() != "upstream.invalid" {
		t.Fatalf("proxy saw host %v", gotHost.Load())
	}
	if auth, _ := gotProxyAuth.Load().(string); !strings.HasPrefix(auth, "Basic ") {
		t.Fatalf("missing proxy auth: %q", auth)
	}
	if gotUA.Load() != "custom-agent/2" {
		t.Fatalf("user agent = %v", gotUA.Load())
	}
	if gotUser.Load() != "bob" {
		t.Fatalf("basic auth user = %v", gotUser.Load())
	}
}

func TestRateLimiting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1"))
	}))
	defer srv.Close()

	// 10 rps with burst 1: three requests take about 200ms.
	c := newTestClient(t, WithBaseURL(srv.URL), WithRateLimit(10, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("rate limiting too fast: %v", elapsed)
	}
}

func TestStatsAccuracy(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := count.Add(1)
		if n%3 == 0 {
			w.WriteHeader(429)
			return
		}
		w.Write([]byte("1"))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL))

	for i := 0; i < 6; i++ {
		c.SendRequest(context.Background(), "GET", "/", nil, nil, nil)
	}

	s := c.Stats()
	if s.TotalRequests != 6 {
		t.Fatalf("expected 6 total, got %d", s.TotalRequests)
	}
	if s.RateLimited != 2 || s.TotalErrors != 2 {
		t.Fatalf("expected 2 rate limited errors, got %+v", s)
	}
}

func TestConcurrentSafety(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1"))
	}))
	defer srv.Close()

	c := newTestClient(t, WithBaseURL(srv.URL), WithThreads(5), WithCache(newMemStore()), WithCachePeriod(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	if s.TotalRequests+s.CacheHits != 20 {
		t.Fatalf("expected 20 calls, got %+v", s)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestRequestResponseHooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Hook") != "applied" {
			w.WriteHeader(400)
			return
		}
		w.Write([]byte("1"))
	}))
	defer srv.Close()

	var responseHookCalled atomic.Int32
	c := newTestClient(t,
		WithBaseURL(srv.URL),
		WithRequestHook(func(req *http.Request) {
			req.Header.Set("X-Hook", "applied")
		}),
		WithResponseHook(func(resp *http.Response) {
			responseHookCalled.Add(1)
		}),
	)

	if _, err := c.SendRequest(context.Background(), "GET", "/", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if responseHookCalled.Load() != 1 {
		t.Fatal("response hook not called")
	}
}

func TestMaxResponseSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/exact" {
			w.Write([]byte(`"12345678"`))
			return
		}
		w.Write([]byte(`{"items":["` + strings.Repeat("a", 100) + `"]}`))
	}))
	defer srv.Close()

	store := newMemStore()
	c := newTestClient(t, WithBaseURL(srv.URL), WithMaxResponseSize(10), WithCache(store), WithCachePeriod(time.Minute))

	data, err := c.SendRequest(context.Background(), "GET", "/big", nil, nil, nil)
	if data != nil {
		t.Fatalf("over-size body returned as data: %v", data)
	}
	var nerr *NormalizedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NormalizedError, got %T: %v", err, err)
	}
	if nerr.Meta.ErrorCode != "ERR_BAD_RESPONSE" {
		t.Fatalf("errorCode = %q", nerr.Meta.ErrorCode)
	}

	data, err = c.SendRequest(context.Background(), "GET", "/exact", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if data != "12345678" {
		t.Fatalf("body at the limit = %v", data)
	}

	c.Close()
	if _, ok := store.items["GET_/big"]; ok {
		t.Fatal("over-size body was cached")
	}
	if store.sets.Load() != 1 {
		t.Fatalf("expected only the body at the limit to be cached, got %d writes", store.sets.Load())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(
		WithTimeout(-time.Second),
		WithMaxResponseSize(0),
		WithProxy(ProxyConfig{Port: 70000, Protocol: "socks5"}),
	)

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if len(cerr.Problems) != 5 {
		t.Fatalf("expected 5 problems, got %v", cerr.Problems)
	}
}
