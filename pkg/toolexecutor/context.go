package toolexecutor

import "context"

// ExecInfo describes the call a tool handler is serving.
type ExecInfo struct {
	CallID    string
	ToolName  string
	AgentID   string
	SessionID string
}

type execInfoKey struct{}

// ContextWithExecInfo attaches info to ctx for tool handlers.
func ContextWithExecInfo(ctx context.Context, info ExecInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, execInfoKey{}, info)
}

// ExecInfoFromContext returns the ExecInfo attached by the executor, if any.
func ExecInfoFromContext(ctx context.Context) (ExecInfo, bool) {
	if ctx == nil {
		return ExecInfo{}, false
	}
	info, ok := ctx.Value(execInfoKey{}).(ExecInfo)
	return info, ok
}
