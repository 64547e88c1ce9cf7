package shared

import (
	"context"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type traceKey struct{}
type agentIDKey struct{}
type ownerKeyKey struct{}
type sessionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches an agent_id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOwnerKey attaches the owner_key of the work item being handled.
func WithOwnerKey(ctx context.Context, ownerKey string) context.Context {
	return context.WithValue(ctx, ownerKeyKey{}, ownerKey)
}

// OwnerKey extracts owner_key from context. Returns "" if absent.
func OwnerKey(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a runtime session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a runtime session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewAgentID mints a time-sortable agent identifier.
func NewAgentID() string {
	return ulid.Make().String()
}

// LogAttrs returns the context identifiers as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := AgentID(ctx); id != "" {
		attrs = append(attrs, "agent_id", id)
	}
	if key := OwnerKey(ctx); key != "" {
		attrs = append(attrs, "owner_key", key)
	}
	return attrs
}
