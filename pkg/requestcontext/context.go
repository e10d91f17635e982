// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets these values; the audit writer, the outgoing request logger
// and the stores read them. Keeping the package free of net/http lets the core
// packages consume request scope without importing transport code.
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithReferenceID(ctx, refID)
//	ctx = requestcontext.WithActorID(ctx, "user-42")
//
// Usage in services (read values):
//
//	refID := requestcontext.ReferenceID(ctx)
//	actor, ok := requestcontext.ActorID(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"
)

// Context key types (unexported for encapsulation).
type (
	referenceIDKey struct{}
	actorIDKey     struct{}
	sessionIDKey   struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyReferenceID = referenceIDKey{}
	ContextKeyActorID     = actorIDKey{}
	ContextKeySessionID   = sessionIDKey{}
	ContextKeyClientIP    = clientIPKey{}
	ContextKeyUserAgent   = userAgentKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Correlation
// -----------------------------------------------------------------------------

// ReferenceID retrieves the correlation id of the inbound request.
// Returns "" outside of a request scope.
func ReferenceID(ctx context.Context) string {
	if refID, ok := ctx.Value(ContextKeyReferenceID).(string); ok {
		return refID
	}
	return ""
}

// WithReferenceID injects the correlation id into the context.
func WithReferenceID(ctx context.Context, referenceID string) context.Context {
	return context.WithValue(ctx, ContextKeyReferenceID, referenceID)
}

// -----------------------------------------------------------------------------
// Principal
// -----------------------------------------------------------------------------

// ActorID retrieves the acting principal. The boolean is false when no
// principal was attached (anonymous request, worker, CLI).
func ActorID(ctx context.Context) (string, bool) {
	actorID, ok := ctx.Value(ContextKeyActorID).(string)
	if !ok || actorID == "" {
		return "", false
	}
	return actorID, true
}

// WithActorID injects the acting principal into the context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}

// SessionID retrieves the session identifier from the context.
func SessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(ContextKeySessionID).(string); ok {
		return sessionID
	}
	return ""
}

// WithSessionID injects a session identifier into the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent)
// -----------------------------------------------------------------------------

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ContextKeyUserAgent, userAgent)
	return ctx
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
