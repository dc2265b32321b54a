package session

import "context"

type ctxKey struct{}

// WithThread returns a context carrying the active thread id. The thread id
// is the ambient routing key: middleware sets it once per request and every
// fs/shell operation downstream resolves against it.
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, threadID)
}

// ThreadFrom extracts the active thread id, if any.
func ThreadFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
