// Package observability holds the logging, metrics and health endpoints
// shared by rule execution and the command line.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/batchrules/internal/correlation"
)

// LogLevelEnv names the environment variable consulted by GetLogLevel.
const LogLevelEnv = "BATCHRULES_LOG_LEVEL"

// Attribute keys added from the context of each record.
const (
	LogKeyTraceID       = "trace_id"
	LogKeySpanID        = "span_id"
	LogKeyCorrelationID = "correlation_id"
)

// NewLogger creates a structured JSON logger on stderr. Stdout is left to
// command output.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stderr, component, level)
}

// NewLoggerTo creates a structured JSON logger writing to w. Records logged
// with a context carry its trace and correlation IDs.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(&ContextHandler{next: h}).With("component", component)
}

// ContextLogger returns logger with its handler wrapped in a ContextHandler.
// A nil logger means slog.Default().
func ContextLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := logger.Handler().(*ContextHandler); ok {
		return logger
	}
	return slog.New(&ContextHandler{next: logger.Handler()})
}

// ContextHandler is a slog.Handler that adds the trace, span and correlation
// IDs found in the record's context.
type ContextHandler struct {
	next slog.Handler
}

// Enabled implements slog.Handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			r.AddAttrs(
				slog.String(LogKeyTraceID, sc.TraceID().String()),
				slog.String(LogKeySpanID, sc.SpanID().String()),
			)
		}
		if id, ok := correlation.FromContext(ctx); ok {
			r.AddAttrs(slog.String(LogKeyCorrelationID, id.Value))
		}
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}

// ParseLogLevel parses debug, info, warn or error (case-insensitive).
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogLevel returns the level from the --log-level flag, falling back to
// BATCHRULES_LOG_LEVEL and then info.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel == "" {
		flagLevel = os.Getenv(LogLevelEnv)
	}
	return ParseLogLevel(flagLevel)
}
