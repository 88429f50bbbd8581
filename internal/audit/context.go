package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
	sourceIPKey  ctxKey = "audit_source_ip"
)

// Actor identifies who performed an action. ID 0 is the system.
type Actor struct {
	ID   int64
	Name string
}

// System is the actor used by background tasks such as the idle session sweeper.
var System = Actor{ID: 0, Name: "system"}

// WithRequestID attaches the request identifier to the context for audit records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithActor records the authenticated caller on the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the caller, falling back to System.
func ActorFromContext(ctx context.Context) Actor {
	if ctx == nil {
		return System
	}
	if v, ok := ctx.Value(actorKey).(Actor); ok {
		return v
	}
	return System
}

// WithSourceIP records the client address on the context.
func WithSourceIP(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceIPKey, ip)
}

// SourceIPFromContext returns the client address if present.
func SourceIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sourceIPKey).(string); ok {
		return v
	}
	return ""
}
