package tools

import "context"

type ctxKey int

const (
	ctxKeySessionKey ctxKey = iota
	ctxKeySubagent
)

// WithSessionKey tags a context with the session key on whose behalf tools
// run. Memory tools use it to scope private entries.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKeySessionKey, key)
}

// SessionKeyFromCtx returns the session key set by WithSessionKey, or "".
func SessionKeyFromCtx(ctx context.Context) string {
	key, _ := ctx.Value(ctxKeySessionKey).(string)
	return key
}

// WithSubagent marks a context as executing inside a subagent session.
func WithSubagent(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeySubagent, true)
}

// IsSubagentCtx reports whether the context is marked as a subagent's.
func IsSubagentCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeySubagent).(bool)
	return v
}
