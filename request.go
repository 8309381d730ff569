package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Payload is a JSON-serializable request payload. GET requests send it as
// query parameters, other methods as a JSON body.
type Payload map[string]any

// Headers are per-call request headers. The "responseType" key is not sent,
// it selects how the response body is decoded.
type Headers map[string]string

// Response types accepted in the "responseType" header directive.
const (
	ResponseTypeJSON        = "json"
	ResponseTypeText        = "text"
	ResponseTypeArrayBuffer = "arraybuffer"
	ResponseTypeBlob        = "blob"
	ResponseTypeStream      = "stream"

	responseTypeKey = "responseType"
)

// BasicAuth holds HTTP basic auth credentials.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CallConfig overrides client defaults for a single call.
type CallConfig struct {
	// CachePeriod replaces the client cache period when non-nil, zero disables caching.
	CachePeriod *time.Duration
	// Timeout replaces the client timeout when positive.
	Timeout time.Duration
}

// Response is a decoded HTTP response.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	// Data is the decoded body: JSON value, string or []byte depending on the response type.
	Data    any
	Request RequestSnapshot
}

// Transform rewrites a raw body.
type Transform func(body []byte, header http.Header) ([]byte, error)

// StatusValidator reports whether a response status is a success.
type StatusValidator func(status int) bool

// DefaultStatusValidator accepts 2xx statuses.
func DefaultStatusValidator(status int) bool {
	return status >= 200 && status < 300
}

// DataExtractor produces the value returned to the caller from a successful response.
type DataExtractor interface {
	ExtractData(resp *Response) (any, error)
}

// DataExtractorFunc adapts a function to DataExtractor.
type DataExtractorFunc func(resp *Response) (any, error)

// ExtractData calls f.
func (f DataExtractorFunc) ExtractData(resp *Response) (any, error) {
	return f(resp)
}

// BodyExtractor returns the decoded response body.
type BodyExtractor struct{}

// ExtractData returns resp.Data.
func (BodyExtractor) ExtractData(resp *Response) (any, error) {
	return resp.Data, nil
}

// outgoing is a request ready for dispatch.
type outgoing struct {
	req          *http.Request
	snapshot     RequestSnapshot
	responseType string
	// body is the encoded request body, after the request transform.
	body []byte
}

func combineURL(baseURL, rawURL string) string {
	if baseURL == "" || isAbsoluteURL(rawURL) {
		return rawURL
	}
	if rawURL == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(rawURL, "/")
}

func isAbsoluteURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// appendParams adds payload entries to the URL query. Keys are sorted,
// nil values skipped, slices expanded as key[] and nested objects sent as JSON.
func appendParams(u *url.URL, params Payload) error {
	if len(params) == 0 {
		return nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := u.Query()
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				s, err := paramString(item)
				if err != nil {
					return fmt.Errorf("param %s: %w", k, err)
				}
				q.Add(k+"[]", s)
			}
		case []string:
			for _, item := range v {
				q.Add(k+"[]", item)
			}
		default:
			s, err := paramString(v)
			if err != nil {
				return fmt.Errorf("param %s: %w", k, err)
			}
			q.Add(k, s)
		}
	}
	u.RawQuery = q.Encode()
	return nil
}

func paramString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// buildRequest turns call arguments into an *http.Request bound to ctx.
func (c *Client) buildRequest(ctx context.Context, method, rawURL string, data Payload, headers Headers) (*outgoing, error) {
	out := &outgoing{responseType: ResponseTypeJSON}

	merged := make(map[string]string, len(c.cfg.headers)+len(headers))
	for k, v := range c.cfg.headers {
		merged[k] = v
	}
	for k, v := range headers {
		if k == responseTypeKey {
			if v != "" {
				out.responseType = strings.ToLower(v)
			}
			continue
		}
		merged[k] = v
	}

	u, err := url.Parse(combineURL(c.cfg.baseURL, rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	out.snapshot = RequestSnapshot{
		Method:  method,
		BaseURL: c.cfg.baseURL,
		URL:     rawURL,
		Headers: merged,
	}
	if c.cfg.auth != nil {
		auth := *c.cfg.auth
		out.snapshot.Auth = &auth
	}

	var body io.Reader
	if method == http.MethodGet {
		if err := appendParams(u, data); err != nil {
			return nil, err
		}
		out.snapshot.Params = clonePayload(data)
	} else {
		out.snapshot.Data = clonePayload(data)
		if data != nil {
			encoded, err := json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			if c.cfg.requestTransform != nil {
				hdr := headerFromMap(merged)
				if encoded, err = c.cfg.requestTransform(encoded, hdr); err != nil {
					return nil, fmt.Errorf("transform request: %w", err)
				}
			}
			out.body = encoded
			body = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range merged {
		req.Header.Set(k, v)
	}
	if c.cfg.auth != nil {
		req.SetBasicAuth(c.cfg.auth.Username, c.cfg.auth.Password)
	}

	out.req = req
	return out, nil
}

// decodeBody applies the response transform and decodes raw by response type.
func (c *Client) decodeBody(raw []byte, header http.Header, responseType string) (any, error) {
	if c.cfg.responseTransform != nil {
		var err error
		if raw, err = c.cfg.responseTransform(raw, header); err != nil {
			return nil, fmt.Errorf("transform response: %w", err)
		}
	}

	switch responseType {
	case ResponseTypeText:
		return string(raw), nil
	case ResponseTypeArrayBuffer, ResponseTypeBlob, ResponseTypeStream:
		return raw, nil
	default:
		if len(bytes.TrimSpace(raw)) == 0 {
			return "", nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return string(raw), nil
		}
		return v, nil
	}
}

func statusText(resp *http.Response) string {
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
