package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// LogNotifier writes each notification to the log instead of delivering it.
// Useful in development and for deployments where another system tails the
// log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards everything.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Dispatch implements model.Notifier.
func (n *LogNotifier) Dispatch(ctx context.Context, templateKey string, recipient model.Assignment, vars map[string]any) error {
	observability.RequestLogger(ctx, n.logger).Info("notification",
		zap.String("template", templateKey),
		zap.String("recipient_role", recipient.Role),
		zap.String("recipient_user", recipient.UserID),
		zap.Any("vars", observability.RedactContext(vars)),
	)
	return nil
}

// HealthCheck always succeeds.
func (n *LogNotifier) HealthCheck(context.Context) error {
	return nil
}
