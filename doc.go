// Package apiclient provides an HTTP client wrapper with bounded concurrency,
// GET response caching, structured error normalization and audit logging.
//
// It wraps the standard net/http client and adds:
//   - A concurrency limit on in-flight requests with an observable pending counter
//   - Optional request pacing via a token bucket (golang.org/x/time/rate)
//   - TTL caching of GET responses in a pluggable CacheStore
//   - A per-call timeout that fails with *CanceledError
//   - Normalization of every other failure into *NormalizedError
//   - Audit records with redacted headers and scrubbed credentials
//   - Atomic stats and optional Prometheus metrics
//
// Configuration uses the functional options pattern:
//
//	client, err := apiclient.New(
//	    apiclient.WithBaseURL("https://api.example.com"),
//	    apiclient.WithThreads(10),
//	    apiclient.WithTimeout(2*time.Second),
//	    apiclient.WithCache(cachestore.NewMemoryStore(cachestore.MemoryConfig{})),
//	    apiclient.WithCachePeriod(time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	users, err := client.SendRequest(ctx, "GET", "/users", apiclient.Payload{"page": 1}, nil, nil)
package apiclient
