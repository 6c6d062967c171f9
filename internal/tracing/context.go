package tracing

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one StartWithUserInput call
	RunIDKey ContextKey = "run_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// SessionIDKey is the context key for the agent session id
	SessionIDKey ContextKey = "session_id"
	// StepIndexKey is the context key for the current step index
	StepIndexKey ContextKey = "step_index"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RunID     string
	AgentID   string
	SessionID string
	StepIndex int
	HasStep   bool
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionID adds a session id to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithStepIndex adds the step index to the context
func WithStepIndex(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, StepIndexKey, step)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetSessionID retrieves the session id from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetStepIndex retrieves the step index from the context
func GetStepIndex(ctx context.Context) (int, bool) {
	step, ok := ctx.Value(StepIndexKey).(int)
	return step, ok
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	step, hasStep := GetStepIndex(ctx)
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		AgentID:   GetAgentID(ctx),
		SessionID: GetSessionID(ctx),
		StepIndex: step,
		HasStep:   hasStep,
	}
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewAgentRunContext creates a new context for an agent run with a new run ID.
// An existing trace id is kept, otherwise one is generated.
func NewAgentRunContext(ctx context.Context, agentID, sessionID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = NewRequestContext(ctx)
	}
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithAgentID(ctx, agentID)
	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
	}
	return ctx
}

// String renders the non-empty fields, mostly for debugging.
func (tc *TraceContext) String() string {
	out := "trace=" + tc.TraceID + " run=" + tc.RunID + " agent=" + tc.AgentID + " session=" + tc.SessionID
	if tc.HasStep {
		out += " step=" + strconv.Itoa(tc.StepIndex)
	}
	return out
}
