package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyUsername  contextKey = "username"
	keySessionID contextKey = "session_id"
	keyPersonaID contextKey = "persona_id"
	keyRequestID contextKey = "request_id"
)

// WithUsername adds the tenant username to context.
// Tool handlers and stores read tenant identity from here, never from
// LLM-visible arguments.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, keyUsername, username)
}

// Username extracts the tenant username from context.
func Username(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUsername).(string)
	return v, ok && v != ""
}

// WithSessionID adds the session id to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, keySessionID, sessionID)
}

// SessionID extracts the session id from context.
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySessionID).(string)
	return v, ok && v != ""
}

// WithPersonaID adds the bound persona id to context.
func WithPersonaID(ctx context.Context, personaID uint) context.Context {
	return context.WithValue(ctx, keyPersonaID, personaID)
}

// PersonaID extracts the bound persona id from context.
func PersonaID(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(keyPersonaID).(uint)
	return v, ok && v != 0
}

// WithRequestID adds the request correlation id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the request correlation id from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}
