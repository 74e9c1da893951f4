// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// This package defines context keys and getter/setter functions for values that
// are typically set by middleware but consumed by services. By keeping this
// package free of net/http dependencies, services can import only what they
// need without pulling in HTTP-related code.
//
// Usage in services (read values):
//
//	identity, ok := requestcontext.Identity(ctx)
//	requestID := requestcontext.RequestID(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithIdentity(ctx, identity)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
package requestcontext

import (
	"context"

	"github.com/nbploc08/backend-core-platform/internal/identity/token"
)

// Context key types (unexported for encapsulation).
type (
	identityKey   struct{}
	requestIDKey  struct{}
	deviceNameKey struct{}
	clientIPKey   struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyIdentity   = identityKey{}
	ContextKeyRequestID  = requestIDKey{}
	ContextKeyDeviceName = deviceNameKey{}
	ContextKeyClientIP   = clientIPKey{}
)

// Identity retrieves the verified Identity from the context. The second return
// is false on unauthenticated requests; callers must not treat the zero
// Identity as a valid principal.
func Identity(ctx context.Context) (token.Identity, bool) {
	identity, ok := ctx.Value(ContextKeyIdentity).(token.Identity)
	return identity, ok
}

// WithIdentity injects a verified Identity into the context. Set exactly once
// by the auth middleware after token verification.
func WithIdentity(ctx context.Context, identity token.Identity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, identity)
}

// RequestID retrieves the request correlation id, or "" if not set.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// WithRequestID injects a request correlation id into the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// DeviceName retrieves the parsed device name ("Chrome on Mac OS X"), or "".
func DeviceName(ctx context.Context) string {
	if name, ok := ctx.Value(ContextKeyDeviceName).(string); ok {
		return name
	}
	return ""
}

// WithDeviceName injects a parsed device name into the context.
func WithDeviceName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextKeyDeviceName, name)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// WithClientIP injects the client IP address into a context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ContextKeyClientIP, ip)
}
