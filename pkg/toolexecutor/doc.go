// Package toolexecutor runs model-requested tool calls through a shared
// taskqueue.Queue.
//
// Invariants:
// - Every call yields exactly one ToolExecutionResult; the public API never returns an error.
// - A call naming an unknown tool fails immediately and takes no queue slot.
// - Batch results follow input order regardless of completion order.
// - Callback failures never change a result.
//
// Usage:
//
//	q := taskqueue.New()
//	exec := toolexecutor.New(q, toolexecutor.Options{EnableParallelExecution: true})
//	echo := toolexecutor.MustTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}, agent toolexecutor.AgentRef) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	results := exec.ExecuteToolCalls(ctx, calls, []toolexecutor.Tool{echo}, agent, toolexecutor.Callbacks{}, 0)
package toolexecutor
