package workflow

import "context"

type sessionIDContextKey struct{}

type queryIDContextKey struct{}

// ContextWithSessionID returns a new context carrying the session id.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, id)
}

// SessionIDFromContext returns the session id set by ContextWithSessionID.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDContextKey{}).(string)
	return id, ok && id != ""
}

// ContextWithQueryID returns a new context carrying the query id.
func ContextWithQueryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queryIDContextKey{}, id)
}

// QueryIDFromContext returns the query id set by ContextWithQueryID.
func QueryIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(queryIDContextKey{}).(string)
	return id, ok && id != ""
}
