// Package notify delivers the notifications raised by accepted workflow
// transitions.
package notify

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// HealthNotifier is a Notifier that can report its own health.
type HealthNotifier interface {
	model.Notifier
	observability.HealthChecker
}

// BreakerNotifier guards another notifier with a Breaker. Dispatches made
// while the breaker is open fail fast with ErrBreakerOpen.
type BreakerNotifier struct {
	name    string
	next    HealthNotifier
	breaker *Breaker
}

// WithBreaker wraps next in a breaker built from cfg. State changes are
// exported through m under name.
func WithBreaker(name string, next HealthNotifier, cfg config.CircuitBreakerConfig, m *observability.Metrics) *BreakerNotifier {
	b := NewBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.Timeout)
	m.SetNotifierBreakerState(name, float64(BreakerClosed))
	b.OnStateChange(func(s BreakerState) {
		m.SetNotifierBreakerState(name, float64(s))
	})
	return &BreakerNotifier{name: name, next: next, breaker: b}
}

// Dispatch implements model.Notifier.
func (n *BreakerNotifier) Dispatch(ctx context.Context, templateKey string, recipient model.Assignment, vars map[string]any) error {
	if err := n.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", n.name, err)
	}
	if err := n.next.Dispatch(ctx, templateKey, recipient, vars); err != nil {
		n.breaker.RecordFailure()
		return err
	}
	n.breaker.RecordSuccess()
	return nil
}

// HealthCheck reports the wrapped notifier's health.
func (n *BreakerNotifier) HealthCheck(ctx context.Context) error {
	return n.next.HealthCheck(ctx)
}

// Breaker exposes the breaker for diagnostics.
func (n *BreakerNotifier) Breaker() *Breaker {
	return n.breaker
}

// FromConfig builds the notifier selected by cfg.Driver. The returned close
// function releases any connection the notifier holds.
func FromConfig(cfg config.NotifierConfig, logger *zap.Logger, m *observability.Metrics) (HealthNotifier, func() error, error) {
	switch cfg.Driver {
	case config.DriverLog, "":
		return NewLogNotifier(logger), func() error { return nil }, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("notify: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		rn := NewRedisNotifier(client, cfg.Stream, WithMaxLen(cfg.MaxLen), WithTimeout(cfg.Timeout))
		return WithBreaker(config.DriverRedis, rn, cfg.CircuitBreaker, m), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("notify: unknown driver %q", cfg.Driver)
	}
}
