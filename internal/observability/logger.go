package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/duckmesh/tablesource/internal/config"
)

type traceIDKey struct{}

// NewLogger builds the process logger. Records carry the service name and
// the config profile.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler = slog.NewTextHandler(writer, opts)
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(traceIDKey{}).(string)
	return value
}

// TraceAttr is the trace_id attribute for records logged while serving ctx.
func TraceAttr(ctx context.Context) slog.Attr {
	return slog.String("trace_id", TraceIDFromContext(ctx))
}

// DataSourceAttr identifies the data source a record is about.
func DataSourceAttr(id int64) slog.Attr {
	return slog.Int64("data_source_id", id)
}
