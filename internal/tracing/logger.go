package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.HasStep {
		lc = lc.Int("step", tc.StepIndex)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
