// Package auditsink provides apiclient.AuditSink implementations.
package auditsink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/egorkaBurkenya/apiclient-go"
)

// Writer captures audit records in memory and optionally streams them
// as newline-delimited JSON. Thread-safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	records []apiclient.AuditRecord
	keep    bool
	writer  io.Writer
}

var _ apiclient.AuditSink = (*Writer)(nil)

// NewWriter creates a sink streaming records to w. If keep is true,
// records are also retained and available through Records.
func NewWriter(w io.Writer, keep bool) *Writer {
	return &Writer{writer: w, keep: keep}
}

// OpenFile creates a sink appending to path.
func OpenFile(path string) (*Writer, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return NewWriter(f, false), f, nil
}

// Create writes a single record.
func (w *Writer) Create(ctx context.Context, rec *apiclient.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.keep {
		w.records = append(w.records, *rec)
	}

	if w.writer != nil {
		if err := json.NewEncoder(w.writer).Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// Records returns a copy of all retained records.
func (w *Writer) Records() []apiclient.AuditRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]apiclient.AuditRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Len returns the number of retained records.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// LoadNDJSON reads records written by a Writer.
func LoadNDJSON(r io.Reader) ([]apiclient.AuditRecord, error) {
	var records []apiclient.AuditRecord
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec apiclient.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
