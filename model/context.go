package model

import (
	"context"
	"slices"
)

// RequestContext identifies who is acting on a workflow and ties the call to
// the request that carried it. Transports build one per request; it is not
// modified afterwards.
type RequestContext struct {
	ActorID       string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// HasRole reports whether the caller holds role. A nil RequestContext holds
// no roles.
func (rc *RequestContext) HasRole(role string) bool {
	return rc != nil && slices.Contains(rc.Roles, role)
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// ActorFrom returns actorID when it is set and otherwise the actor of the
// RequestContext attached to ctx. Engine operations accept an explicit
// actor so they can be driven outside a request.
func ActorFrom(ctx context.Context, actorID string) string {
	if actorID != "" {
		return actorID
	}
	if rc := RequestContextFrom(ctx); rc != nil {
		return rc.ActorID
	}
	return ""
}
