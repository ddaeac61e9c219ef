package model

import "context"

// Notifier delivers notifications raised by accepted transitions. The engine
// treats dispatch as fire-and-forget: a returned error is logged, never
// retried.
type Notifier interface {
	Dispatch(ctx context.Context, templateKey string, recipient Assignment, vars map[string]any) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, templateKey string, recipient Assignment, vars map[string]any) error

// Dispatch calls f.
func (f NotifierFunc) Dispatch(ctx context.Context, templateKey string, recipient Assignment, vars map[string]any) error {
	return f(ctx, templateKey, recipient, vars)
}
