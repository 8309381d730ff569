package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/egorkaBurkenya/apiclient-go"
	"github.com/egorkaBurkenya/apiclient-go/internal/config"
)

type sendOptions struct {
	configPath      string
	baseURL         string
	data            string
	headers         []string
	threads         int
	timeout         time.Duration
	cachePeriod     time.Duration
	cacheBackend    string
	auditFile       string
	auditStream     string
	auditErrorsOnly bool
	redisHost       string
	redisPort       int
	repeat          int
	showStats       bool
	showMetrics     bool
	verbose         bool
}

func newSendCmd() *cobra.Command {
	var o sendOptions

	cmd := &cobra.Command{
		Use:   "send METHOD URL",
		Short: "Send a request and print the extracted response data",
		Long: `Sends one request (or --repeat concurrent copies of it) through the
client. GET payloads are sent as query parameters, other methods send
the payload as a JSON body. Failures are printed as normalized errors.`,
		Example: `  apiclient send GET https://httpbin.org/get --data '{"q":"go"}'
  apiclient send POST /items --base-url https://api.example.com --data '{"name":"x"}' --header "X-Api-Key: secret"
  apiclient send GET /users --config apiclient.json --cache memory --cache-period 1m --repeat 5 --stats`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolveConfig(cmd)
			if err != nil {
				return err
			}

			payload, err := parsePayload(o.data)
			if err != nil {
				return err
			}
			headers, err := parseHeaders(o.headers)
			if err != nil {
				return err
			}

			logger := newStdLogger(cmd.ErrOrStderr(), o.verbose)
			reg := prometheus.NewRegistry()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			client, cleanup, err := buildClient(ctx, cfg, logger,
				apiclient.WithMetrics(apiclient.NewMetricsCollectorWithRegistry(reg)))
			if err != nil {
				return err
			}

			result, sendErr := sendRepeated(ctx, client, args[0], args[1], payload, headers, o.repeat)
			cleanup()

			if sendErr != nil {
				printError(cmd.ErrOrStderr(), sendErr)
				return sendErr
			}

			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if o.showStats {
				if err := printJSON(cmd.ErrOrStderr(), client.Stats()); err != nil {
					return err
				}
			}
			if o.showMetrics {
				return printMetrics(cmd.ErrOrStderr(), reg)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&o.configPath, "config", "", "path to a JSON config file")
	cmd.Flags().StringVar(&o.baseURL, "base-url", "", "prefix for relative URLs")
	cmd.Flags().StringVar(&o.data, "data", "", "JSON object sent as query parameters (GET) or body")
	cmd.Flags().StringArrayVar(&o.headers, "header", nil, `request header "Name: value", repeatable`)
	cmd.Flags().IntVar(&o.threads, "threads", 60, "maximum in-flight requests, 0 for unbounded")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 3*time.Second, "per-request timeout")
	cmd.Flags().DurationVar(&o.cachePeriod, "cache-period", 0, "TTL of cached GET responses")
	cmd.Flags().StringVar(&o.cacheBackend, "cache", config.CacheNone, "cache backend (none, memory, redis)")
	cmd.Flags().StringVar(&o.auditFile, "audit-file", "", "append audit records to this NDJSON file")
	cmd.Flags().StringVar(&o.auditStream, "audit-stream", "", "append audit records to this Redis stream")
	cmd.Flags().BoolVar(&o.auditErrorsOnly, "audit-errors-only", false, "audit failed requests only")
	cmd.Flags().StringVar(&o.redisHost, "redis-host", "localhost", "redis host")
	cmd.Flags().IntVar(&o.redisPort, "redis-port", 6379, "redis port")
	cmd.Flags().IntVar(&o.repeat, "repeat", 1, "number of concurrent identical requests")
	cmd.Flags().BoolVar(&o.showStats, "stats", false, "print client stats to stderr")
	cmd.Flags().BoolVar(&o.showMetrics, "metrics", false, "print collected metric families to stderr")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "log debug messages")

	return cmd
}

// resolveConfig loads the config file, if any, and overrides it with flags that were set.
func (o *sendOptions) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.LoadFile(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.Client.BaseURL = o.baseURL
	}
	if flags.Changed("threads") {
		cfg.Client.Threads = o.threads
	}
	if flags.Changed("timeout") {
		cfg.Client.Timeout = o.timeout
	}
	if flags.Changed("cache-period") {
		cfg.Client.CachePeriod = o.cachePeriod
	}
	if flags.Changed("cache") {
		cfg.Cache.Backend = o.cacheBackend
	}
	if flags.Changed("audit-file") {
		cfg.Audit.File = o.auditFile
	}
	if flags.Changed("audit-stream") {
		cfg.Audit.RedisStream = o.auditStream
	}
	if flags.Changed("audit-errors-only") {
		cfg.Audit.OnlyErrors = o.auditErrorsOnly
	}
	if flags.Changed("redis-host") {
		cfg.Redis.Host = o.redisHost
	}
	if flags.Changed("redis-port") {
		cfg.Redis.Port = o.redisPort
	}
	if o.repeat < 1 {
		return cfg, fmt.Errorf("repeat must be at least 1, got %d", o.repeat)
	}

	return cfg, cfg.Validate()
}

func sendRepeated(ctx context.Context, client *apiclient.Client, method, url string, data apiclient.Payload, headers apiclient.Headers, n int) (any, error) {
	results := make([]any, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := client.SendRequest(gctx, method, url, data, headers, nil)
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if n == 1 {
		return results[0], nil
	}
	return results, nil
}

func parsePayload(s string) (apiclient.Payload, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var p apiclient.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return p, nil
}

func parseHeaders(raw []string) (apiclient.Headers, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	h := make(apiclient.Headers, len(raw))
	for _, line := range raw {
		k, v, ok := strings.Cut(line, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		h[k] = strings.TrimSpace(v)
	}
	return h, nil
}

func printJSON(w io.Writer, v any) error {
	if b, ok := v.([]byte); ok {
		_, err := w.Write(b)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(w io.Writer, err error) {
	var canceled *apiclient.CanceledError
	var normalized *apiclient.NormalizedError

	switch {
	case errors.As(err, &canceled):
		_ = printJSON(w, map[string]any{
			"message": canceled.Error(),
			"method":  canceled.Meta.Method,
			"url":     canceled.Meta.URL,
		})
	case errors.As(err, &normalized):
		_ = printJSON(w, map[string]any{
			"message":    normalized.Message,
			"httpStatus": normalized.HTTPStatus,
			"meta":       normalized.Meta,
		})
	}
}

func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(families))
	counts := make(map[string]int, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
		counts[mf.GetName()] = len(mf.GetMetric())
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s series=%d\n", name, counts[name])
	}
	return nil
}
