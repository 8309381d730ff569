package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/bool64/ctxd"
)

// stdLogger writes ctxd log entries through the standard library logger.
type stdLogger struct {
	l       *log.Logger
	verbose bool
}

var _ ctxd.Logger = (*stdLogger)(nil)

func newStdLogger(w io.Writer, verbose bool) *stdLogger {
	return &stdLogger{l: log.New(w, "apiclient ", log.LstdFlags), verbose: verbose}
}

func (s *stdLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if s.verbose {
		s.print("DEBUG", msg, keysAndValues)
	}
}

func (s *stdLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if s.verbose {
		s.print("INFO", msg, keysAndValues)
	}
}

func (s *stdLogger) Important(ctx context.Context, msg string, keysAndValues ...interface{}) {
	s.print("IMPORTANT", msg, keysAndValues)
}

func (s *stdLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	s.print("WARN", msg, keysAndValues)
}

func (s *stdLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	s.print("ERROR", msg, keysAndValues)
}

func (s *stdLogger) print(level, msg string, keysAndValues []interface{}) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, "%v", keysAndValues[i])
		}
	}
	s.l.Print(b.String())
}
