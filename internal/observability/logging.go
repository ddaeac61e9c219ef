package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON to stdout, ISO8601 timestamps,
// lowercase levels, tagged with the running build.
//
// Levels:
//   - error: persistence failures surfaced to callers, 5xx responses
//   - warn:  rejected transitions, notifier failures, overdue tasks
//   - info:  starts, accepted transitions, cancellations, startup
//   - debug: redacted context patches
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig = enc
	zapCfg.Sampling = nil
	zapCfg.InitialFields = map[string]any{
		"service": "caseflow",
		"version": Version,
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the acting user and
// the request's correlation and trace ids.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rc := model.RequestContextFrom(ctx)
	if rc == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 3)
	if rc.ActorID != "" {
		fields = append(fields, zap.String("actor_id", rc.ActorID))
	}
	if rc.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rc.CorrelationID))
	}
	if rc.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rc.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// personalFields are case context keys that never reach a log line.
var personalFields = []string{
	"national_id",
	"ssn",
	"date_of_birth",
	"bank_account",
	"medical_notes",
	"phone",
	"email",
	"home_address",
	"password",
	"token",
}

// RedactContext returns a copy of a case context with personal fields
// masked. Keys match case-insensitively; extra names more keys to mask.
// Nested objects and lists of objects are redacted too.
func RedactContext(values map[string]any, extra ...string) map[string]any {
	if values == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(personalFields)+len(extra))
	for _, f := range personalFields {
		mask[f] = struct{}{}
	}
	for _, f := range extra {
		mask[strings.ToLower(f)] = struct{}{}
	}
	return redact(values, mask)
}

func redact(values map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, hide := mask[strings.ToLower(k)]; hide {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redact(t, mask)
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			list[i] = redactValue(item, mask)
		}
		return list
	default:
		return v
	}
}
