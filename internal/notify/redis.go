package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// RedisNotifier publishes notifications to a Redis stream for a delivery
// worker to consume. Each entry carries the template key, the recipient,
// the JSON-encoded variables and the publishing trace context.
type RedisNotifier struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	timeout time.Duration
	now     func() time.Time
}

// RedisOption configures a RedisNotifier.
type RedisOption func(*RedisNotifier)

// WithMaxLen caps the stream length; zero leaves it unbounded.
func WithMaxLen(n int64) RedisOption {
	return func(r *RedisNotifier) { r.maxLen = n }
}

// WithTimeout bounds each publish when the caller's context has no
// deadline.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisNotifier) { r.timeout = d }
}

// NewRedisNotifier creates a notifier publishing to stream.
func NewRedisNotifier(client redis.Cmdable, stream string, opts ...RedisOption) *RedisNotifier {
	r := &RedisNotifier{
		client:  client,
		stream:  stream,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch implements model.Notifier.
func (r *RedisNotifier) Dispatch(ctx context.Context, templateKey string, recipient model.Assignment, vars map[string]any) error {
	payload, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("notify: encoding vars for %s: %w", templateKey, err)
	}

	values := map[string]any{
		"template":       templateKey,
		"recipient_role": recipient.Role,
		"recipient_user": recipient.UserID,
		"vars":           string(payload),
		"dispatched_at":  r.now().UTC().Format(time.RFC3339Nano),
	}
	if tc := observability.InjectTraceContext(ctx); len(tc) > 0 {
		encoded, err := json.Marshal(tc)
		if err == nil {
			values["trace_context"] = string(encoded)
		}
	}

	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: publishing %s to %s: %w", templateKey, r.stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (r *RedisNotifier) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
