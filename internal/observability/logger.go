package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/nlquery/nlquery/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

const redacted = "[REDACTED]"

// sensitiveSuffixes mark attribute keys whose values never reach the log
// output, e.g. "warehouse_password" or "X-API-Key". Matching ignores case
// and "-" or "_" separators.
var sensitiveSuffixes = []string{"password", "apikey", "secretkey", "dsn", "authorization"}

// NewLogger builds the service logger. Every record carries the service
// name, profile and LLM provider so gateway failures can be attributed.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.Observability.LogLevel,
		ReplaceAttr: redactAttr,
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
		slog.String("llm_provider", cfg.LLM.Provider),
	)
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

func isSensitiveKey(key string) bool {
	normalized := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(key))
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
