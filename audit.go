package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const redactedHeader = "[FILTERED]"

// AuditSink persists audit records. Create may be called concurrently.
type AuditSink interface {
	Create(ctx context.Context, rec *AuditRecord) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, rec *AuditRecord) error

// Create calls f.
func (f AuditSinkFunc) Create(ctx context.Context, rec *AuditRecord) error {
	return f(ctx, rec)
}

type auditMode int

const (
	auditOff auditMode = iota
	auditAlways
	auditWhen
)

// AuditOutcome is what an audit predicate decides on. Exactly one field is set.
type AuditOutcome struct {
	Response *Response
	Err      *TransportError
}

// Identity identifies the caller on whose behalf requests are sent.
type Identity struct {
	IP     string
	UserID string
}

type identityKey struct{}

// WithIdentity returns a context whose requests are audited under id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// AuditRecord is a redacted trace of one request and its outcome.
type AuditRecord struct {
	ID         string            `json:"id"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Method     string            `json:"method"`
	BaseURL    string            `json:"baseURL,omitempty"`
	URL        string            `json:"url"`
	Params     Payload           `json:"params"`
	Data       any               `json:"data"`
	Headers    map[string]string `json:"headers"`
	Response   *AuditResponse    `json:"response,omitempty"`
	Error      any               `json:"error,omitempty"`
	IP         string            `json:"ip,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// AuditResponse is the response part of a successful call's record.
type AuditResponse struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    http.Header `json:"headers,omitempty"`
	Data       any         `json:"data"`
}

func (c *Client) auditEnabled(outcome AuditOutcome) bool {
	switch c.cfg.auditMode {
	case auditAlways:
		return true
	case auditWhen:
		return c.cfg.auditWhen(outcome)
	default:
		return false
	}
}

// newAuditRecord snapshots the call into a record that shares no maps with
// the caller's result or the failure that is scrubbed afterwards.
func (c *Client) newAuditRecord(ctx context.Context, out *outgoing, outcome AuditOutcome) *AuditRecord {
	id := c.cfg.identity
	if ctxID, ok := IdentityFrom(ctx); ok {
		id = ctxID
	}

	snap := out.snapshot
	rec := &AuditRecord{
		ID:        uuid.NewString(),
		Method:    snap.Method,
		BaseURL:   snap.BaseURL,
		URL:       snap.URL,
		Params:    deepCopyPayload(snap.Params),
		Data:      requestBodyForAudit(out),
		Headers:   RedactHeaders(snap.Headers),
		IP:        id.IP,
		UserID:    id.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Params == nil {
		rec.Params = Payload{}
	}

	switch {
	case outcome.Response != nil:
		resp := outcome.Response
		rec.Status = resp.Status
		rec.StatusText = resp.StatusText
		rec.Response = &AuditResponse{
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Headers:    resp.Header.Clone(),
			Data:       deepCopy(resp.Data),
		}
	case outcome.Err != nil:
		terr := outcome.Err
		rec.Status = terr.Status
		if terr.Response != nil {
			rec.Status = terr.Response.Status
			rec.StatusText = terr.Response.StatusText
			rec.Error = deepCopy(terr.Response.Data)
		} else {
			rec.Error = map[string]any{"message": terr.Message, "code": terr.Code}
		}
	}

	return rec
}

// emitAudit hands rec to the sink in the background. Failures are logged and dropped.
func (c *Client) emitAudit(ctx context.Context, rec *AuditRecord) {
	started := c.background(ctx, func(ctx context.Context) {
		if err := c.cfg.auditSink.Create(ctx, rec); err != nil {
			c.cfg.logger.Warn(ctx, "audit write failed", "id", rec.ID, "url", rec.URL, "error", err)
			c.stats.auditFailures.Add(1)
			c.cfg.metrics.RecordBackgroundFailure("audit")
		}
	})
	if !started {
		c.cfg.logger.Warn(ctx, "client closed, audit record dropped", "id", rec.ID, "url", rec.URL)
		c.stats.auditFailures.Add(1)
		c.cfg.metrics.RecordBackgroundFailure("audit")
	}
}

// RedactHeaders copies headers, masking values of names that contain key, token or password.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		name := strings.ToLower(k)
		if strings.Contains(name, "key") || strings.Contains(name, "token") || strings.Contains(name, "password") {
			out[k] = redactedHeader
			continue
		}
		out[k] = v
	}
	return out
}

// requestBodyForAudit returns the sent body parsed as JSON, the raw string when
// it does not parse, or an empty object when nothing was sent.
func requestBodyForAudit(out *outgoing) any {
	if len(out.body) == 0 {
		if out.snapshot.Data != nil {
			return deepCopyPayload(out.snapshot.Data)
		}
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(out.body, &v); err != nil {
		return string(out.body)
	}
	return v
}

// deepCopy copies decoded JSON values so a record handed to a sink does not
// share maps or slices with the caller's result.
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = deepCopy(item)
		}
		return out
	case Payload:
		return deepCopyPayload(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}

func deepCopyPayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	return Payload(deepCopy(map[string]any(p)).(map[string]any))
}
