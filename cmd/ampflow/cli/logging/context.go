package logging

import (
	"context"
)

// Context keys for logging values.
// Using private types to avoid key collisions.
type contextKey int

const (
	sessionIDKey contextKey = iota
	iterationIDKey
	componentKey
)

// WithSession adds a session ID to the context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithIteration adds an iteration ID to the context.
func WithIteration(ctx context.Context, iterationID string) context.Context {
	return context.WithValue(ctx, iterationIDKey, iterationID)
}

// WithComponent adds a component name to the context.
// Component names identify the subsystem generating logs
// (e.g., "gitx", "workspace", "batch").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v := ctx.Value(sessionIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IterationIDFromContext extracts the iteration ID from the context.
// Returns empty string if not set.
func IterationIDFromContext(ctx context.Context) string {
	if v := ctx.Value(iterationIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ComponentFromContext extracts the component name from the context.
// Returns empty string if not set.
func ComponentFromContext(ctx context.Context) string {
	if v := ctx.Value(componentKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
