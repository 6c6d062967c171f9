// Package agent drives the step loop: prompt, LLM call, tool calls, observe.
//
// Invariants:
// - One run at a time per Agent; State is the single authoritative status.
// - Each step's LLM call is a KindProcessStep job and each tool call a
//   KindToolCall job on the same taskqueue.Queue.
// - Stop is observed only between steps; an in-flight step always finishes.
// - A failure on step 0 aborts the run; later failures are recorded on the
//   step and the loop continues.
// - Tool set changes requested during step N apply from step N+1.
//
// Usage:
//
//	q := taskqueue.New(taskqueue.WithConcurrency(3))
//	a, _ := agent.New(agent.Config{
//		LLM:      llm,
//		Executor: toolexecutor.New(q, toolexecutor.Options{EnableParallelExecution: true}),
//	})
//	err := a.StartWithUserInput(ctx, "list the files", 10, "session-1", agent.RunOptions{})
package agent
