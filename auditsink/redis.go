package auditsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bool64/ctxd"
	"github.com/redis/go-redis/v9"

	"github.com/egorkaBurkenya/apiclient-go"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "apiclient:audit"

// RedisStream appends audit records to a Redis stream. Each entry has the
// fields id, method, url, status and record (the JSON encoded record).
type RedisStream struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ apiclient.AuditSink = (*RedisStream)(nil)

// NewRedisStream creates a sink writing to stream. A positive maxLen trims the
// stream approximately to that many entries.
func NewRedisStream(client redis.UniversalClient, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

// Create appends rec with XADD.
func (s *RedisStream) Create(ctx context.Context, rec *apiclient.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":     rec.ID,
			"method": rec.Method,
			"url":    rec.URL,
			"status": strconv.Itoa(rec.Status),
			"record": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return ctxd.WrapError(ctx, err, "audit xadd", "stream", s.stream, "id", rec.ID)
	}
	return nil
}

// Read returns up to count records from the start of the stream.
func (s *RedisStream) Read(ctx context.Context, count int64) ([]apiclient.AuditRecord, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "audit xrange", "stream", s.stream)
	}

	out := make([]apiclient.AuditRecord, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["record"].(string)
		if !ok {
			return nil, fmt.Errorf("stream entry %s has no record field", m.ID)
		}
		var rec apiclient.AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
