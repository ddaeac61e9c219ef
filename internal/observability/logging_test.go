package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level       string
		wantEnabled zapcore.Level
		wantSkipped zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.Level(-2)},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"verbose", zapcore.InfoLevel, zapcore.DebugLevel},
		{"", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			require.NoError(t, err)
			defer logger.Sync()

			assert.True(t, logger.Core().Enabled(tt.wantEnabled))
			assert.False(t, logger.Core().Enabled(tt.wantSkipped))
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	assert.Same(t, fallback, LoggerFrom(context.Background(), fallback))

	stored := zap.NewExample()
	ctx := WithLogger(context.Background(), stored)
	assert.Same(t, stored, LoggerFrom(ctx, fallback))
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name string
		rc   *model.RequestContext
		want map[string]any
	}{
		{
			name: "full request context",
			rc:   &model.RequestContext{ActorID: "officer-7", CorrelationID: "corr-1", TraceID: "trace-9"},
			want: map[string]any{"actor_id": "officer-7", "correlation_id": "corr-1", "trace_id": "trace-9"},
		},
		{
			name: "no trace",
			rc:   &model.RequestContext{ActorID: "officer-7", CorrelationID: "corr-1"},
			want: map[string]any{"actor_id": "officer-7", "correlation_id": "corr-1"},
		},
		{
			name: "no request context",
			want: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			ctx := WithLogger(context.Background(), zap.New(core))
			if tt.rc != nil {
				ctx = model.WithRequestContext(ctx, tt.rc)
			}

			RequestLogger(ctx, zap.NewNop()).Info("transition accepted")

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.want, logs.All()[0].ContextMap())
		})
	}
}

func TestRequestLogger_usesFallback(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{ActorID: "clerk-2"})

	RequestLogger(ctx, zap.New(core)).Info("instance started")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "clerk-2", logs.All()[0].ContextMap()["actor_id"])
}

func TestRedactContext(t *testing.T) {
	caseContext := map[string]any{
		"applicant_id":  "applicant-7",
		"national_id":   "AB123456",
		"Date_Of_Birth": "1950-02-01",
		"floor_area":    120,
		"household": map[string]any{
			"phone":   "555-0100",
			"members": 3,
		},
		"contacts": []any{
			map[string]any{"email": "kin@example.org", "relation": "daughter"},
			"unstructured",
		},
		"risk_notes": "dog on premises",
	}

	got := RedactContext(caseContext, "risk_notes")

	assert.Equal(t, "applicant-7", got["applicant_id"])
	assert.Equal(t, 120, got["floor_area"])
	assert.Equal(t, redacted, got["national_id"])
	assert.Equal(t, redacted, got["Date_Of_Birth"], "keys match regardless of case")
	assert.Equal(t, redacted, got["risk_notes"], "extra fields are masked")

	household := got["household"].(map[string]any)
	assert.Equal(t, redacted, household["phone"])
	assert.Equal(t, 3, household["members"])

	contacts := got["contacts"].([]any)
	assert.Equal(t, redacted, contacts[0].(map[string]any)["email"])
	assert.Equal(t, "daughter", contacts[0].(map[string]any)["relation"])
	assert.Equal(t, "unstructured", contacts[1])

	assert.Equal(t, "AB123456", caseContext["national_id"], "input must not be modified")
	assert.Equal(t, "555-0100", caseContext["household"].(map[string]any)["phone"])
}

func TestRedactContext_nil(t *testing.T) {
	assert.Nil(t, RedactContext(nil))
}
