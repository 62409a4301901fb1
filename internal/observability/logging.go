// ABOUTME: Structured slog logger with credential redaction on every record
// ABOUTME: JSON or text output, service metadata and trace id injection

package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggingConfig holds configuration for structured logging.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: json or text.
	Format string `yaml:"format"`

	ServiceName string `yaml:"-"`
	Version     string `yaml:"-"`

	AddSource bool `yaml:"add_source"`
}

// NewLogger creates a logger that writes to w (stderr when nil).
// Attributes with sensitive keys are replaced and string values are scrubbed.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLogLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	var attrs []slog.Attr
	if cfg.ServiceName != "" {
		attrs = append(attrs, slog.String("service", cfg.ServiceName))
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	return slog.New(handler)
}

// NopLogger discards everything. Used by tests and library defaults.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLogLevel parses a level name. Unknown names map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithTrace returns logger annotated with the trace, span and request ids in ctx.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	var args []any
	if id := ExtractTraceID(ctx); id != "" {
		args = append(args, slog.String("trace_id", id))
	}
	if id := ExtractSpanID(ctx); id != "" {
		args = append(args, slog.String("span_id", id))
	}
	if id := RequestIDFrom(ctx); id != "" {
		args = append(args, slog.String("request_id", id))
	}
	if len(args) == 0 {
		return logger
	}
	return logger.With(args...)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, RedactionPlaceholder)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(RedactSensitive(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(RedactSensitive(err.Error()))
		}
	}
	return a
}
