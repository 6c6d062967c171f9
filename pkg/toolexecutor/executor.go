package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/taskqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName       = "continue-reasoning.toolexecutor"
	truncationMarker = "\n... [output truncated]"
)

// Options configures an Executor.
type Options struct {
	// EnableParallelExecution submits a batch all at once instead of one by one.
	EnableParallelExecution bool
	// Timeout bounds each tool call; zero means no bound.
	Timeout time.Duration
	// MaxOutputSize truncates string results longer than this many bytes; zero disables it.
	MaxOutputSize int
	Logger        *zerolog.Logger
}

// Executor turns tool calls into KindToolCall jobs on a shared queue and
// normalizes every outcome into a ToolExecutionResult.
type Executor struct {
	queue  *taskqueue.Queue
	logger zerolog.Logger

	mu        sync.Mutex
	parallel  bool
	timeout   time.Duration
	maxOutput int
	running   int
	completed []ToolExecutionResult
}

func New(queue *taskqueue.Queue, opts Options) *Executor {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Executor{
		queue:     queue,
		logger:    logger.With().Str("component", "toolexecutor").Logger(),
		parallel:  opts.EnableParallelExecution,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputSize,
	}
}

// ExecuteToolCallAsync submits call and returns a channel that receives
// exactly one result. A nil tool yields an immediate "not found" result
// without taking a queue slot.
func (e *Executor) ExecuteToolCallAsync(ctx context.Context, call ToolCallParams, tool Tool, agent AgentRef, cb Callbacks, priority int) <-chan ToolExecutionResult {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan ToolExecutionResult, 1)

	if tool == nil {
		res := ToolExecutionResult{
			Name:    call.Name,
			CallID:  call.CallID,
			Params:  call.Parameters,
			Status:  StatusFailed,
			Message: fmt.Sprintf("Tool %s not found", call.Name),
		}
		e.finish(ctx, res, agent, cb)
		out <- res
		return out
	}

	e.notifyStart(cb, call)

	e.mu.Lock()
	e.running++
	e.mu.Unlock()

	submitted := time.Now()
	future := e.queue.AddTask(ctx, func(jobCtx context.Context) (interface{}, error) {
		return e.run(jobCtx, call, tool, agent), nil
	}, priority, taskqueue.KindToolCall)

	go func() {
		var res ToolExecutionResult
		v, err := future.Wait(context.Background())
		if err != nil {
			// the queue dropped the job before it ran
			res = failedResult(call, err.Error(), time.Since(submitted))
		} else {
			res = v.(ToolExecutionResult)
		}

		e.mu.Lock()
		e.running--
		e.mu.Unlock()

		e.finish(ctx, res, agent, cb)
		out <- res
	}()

	return out
}

// ExecuteToolCall is the blocking form of ExecuteToolCallAsync.
func (e *Executor) ExecuteToolCall(ctx context.Context, call ToolCallParams, tool Tool, agent AgentRef, cb Callbacks, priority int) ToolExecutionResult {
	return <-e.ExecuteToolCallAsync(ctx, call, tool, agent, cb, priority)
}

// ExecuteToolCalls runs a batch, resolving each call by name from tools.
// Serial mode waits for each call before submitting the next; parallel mode
// submits all of them at once. Results follow the order of calls.
func (e *Executor) ExecuteToolCalls(ctx context.Context, calls []ToolCallParams, tools []Tool, agent AgentRef, cb Callbacks, priority int) []ToolExecutionResult {
	byName := ToolsByName(tools)

	results := make([]ToolExecutionResult, len(calls))
	if !e.ParallelExecution() {
		for i, call := range calls {
			results[i] = e.ExecuteToolCall(ctx, call, byName[call.Name], agent, cb, priority)
		}
		return results
	}

	pending := make([]<-chan ToolExecutionResult, len(calls))
	for i, call := range calls {
		pending[i] = e.ExecuteToolCallAsync(ctx, call, byName[call.Name], agent, cb, priority)
	}
	for i, ch := range pending {
		results[i] = <-ch
	}
	return results
}

// ToolsByName indexes tools by name. The first tool with a name wins and
// nil entries are skipped.
func ToolsByName(tools []Tool) map[string]Tool {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := byName[t.Name()]; !dup {
			byName[t.Name()] = t
		}
	}
	return byName
}

// run executes inside the queued job and never returns an error.
func (e *Executor) run(ctx context.Context, call ToolCallParams, tool Tool, agent AgentRef) ToolExecutionResult {
	start := time.Now()

	info := ExecInfo{CallID: call.CallID, ToolName: call.Name}
	if agent != nil {
		info.AgentID = agent.AgentID()
		info.SessionID = agent.SessionID()
	}
	ctx = ContextWithExecInfo(ctx, info)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"toolexecutor.execute",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.CallID),
	)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	params := call.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	if v, ok := tool.(ParamValidator); ok {
		if err := v.ValidateParams(params); err != nil {
			err = fmt.Errorf("parameter validation failed: %w", err)
			tracing.EndSpan(span, err)
			logger.Warn().Str("tool", call.Name).Err(err).Msg("Tool parameters rejected")
			return failedResult(call, err.Error(), time.Since(start))
		}
	}

	value, err := e.invoke(ctx, tool, params, agent)
	elapsed := time.Since(start)
	tracing.EndSpan(span, err)

	if err != nil {
		logger.Warn().
			Str("tool", call.Name).
			Str("callId", call.CallID).
			Dur("duration", elapsed).
			Err(err).
			Msg("Tool execution failed")
		return failedResult(call, err.Error(), elapsed)
	}

	output, truncated := e.truncateOutput(value)
	logger.Debug().
		Str("tool", call.Name).
		Str("callId", call.CallID).
		Dur("duration", elapsed).
		Bool("truncated", truncated).
		Msg("Tool execution completed")

	return ToolExecutionResult{
		Name:          call.Name,
		CallID:        call.CallID,
		Params:        call.Parameters,
		Status:        StatusSucceed,
		Result:        output,
		ExecutionTime: elapsed,
		Truncated:     truncated,
	}
}

// invoke races the tool against the configured timeout.
func (e *Executor) invoke(ctx context.Context, tool Tool, params map[string]interface{}, agent AgentRef) (interface{}, error) {
	e.mu.Lock()
	timeout := e.timeout
	e.mu.Unlock()

	if timeout <= 0 {
		return callTool(ctx, tool, params, agent)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := callTool(timeoutCtx, tool, params, agent)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timeoutCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

func callTool(ctx context.Context, tool Tool, params map[string]interface{}, agent AgentRef) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, params, agent)
}

func failedResult(call ToolCallParams, msg string, elapsed time.Duration) ToolExecutionResult {
	return ToolExecutionResult{
		Name:          call.Name,
		CallID:        call.CallID,
		Params:        call.Parameters,
		Status:        StatusFailed,
		Message:       msg,
		ExecutionTime: elapsed,
	}
}

// truncateOutput caps string results at MaxOutputSize bytes.
func (e *Executor) truncateOutput(output interface{}) (interface{}, bool) {
	e.mu.Lock()
	limit := e.maxOutput
	e.mu.Unlock()
	if limit <= 0 {
		return output, false
	}

	var s string
	switch v := output.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case fmt.Stringer:
		s = v.String()
	default:
		return output, false
	}
	if len(s) <= limit {
		return output, false
	}

	e.logger.Warn().Int("original", len(s)).Int("truncated", limit).Msg("Output truncated")
	return strings.ToValidUTF8(s[:limit], "") + truncationMarker, true
}

// finish records a settled result and notifies observers.
func (e *Executor) finish(ctx context.Context, res ToolExecutionResult, agent AgentRef, cb Callbacks) {
	e.mu.Lock()
	e.completed = append(e.completed, res)
	e.mu.Unlock()

	observability.RecordToolExecution(res.Name, res.ExecutionTime, res.Succeeded())

	actor := ""
	meta := map[string]interface{}{
		"call_id":     res.CallID,
		"duration_ms": res.ExecutionTime.Milliseconds(),
	}
	if agent != nil {
		actor = agent.AgentID()
		meta["session_id"] = agent.SessionID()
	}
	if !res.Succeeded() {
		meta["error"] = res.Message
	}
	observability.RecordToolAudit(ctx, res.Name, actor, string(res.Status), meta)

	e.notifyEnd(cb, res)
}

func (e *Executor) notifyStart(cb Callbacks, call ToolCallParams) {
	if cb.OnToolExecutionStart == nil {
		return
	}
	defer e.recoverCallback("OnToolExecutionStart", call.Name)
	cb.OnToolExecutionStart(call)
}

func (e *Executor) notifyEnd(cb Callbacks, res ToolExecutionResult) {
	if cb.OnToolExecutionEnd == nil {
		return
	}
	defer e.recoverCallback("OnToolExecutionEnd", res.Name)
	cb.OnToolExecutionEnd(res)
}

func (e *Executor) recoverCallback(name, tool string) {
	if r := recover(); r != nil {
		e.logger.Error().
			Str("callback", name).
			Str("tool", tool).
			Err(fmt.Errorf("panic: %v", r)).
			Msg("Tool callback panicked")
	}
}

// RunningTaskCount returns the number of submitted calls not yet settled.
func (e *Executor) RunningTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) CompletedTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed)
}

// CompletedResults returns a copy of the completed-call history.
func (e *Executor) CompletedResults() []ToolExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ToolExecutionResult, len(e.completed))
	copy(out, e.completed)
	return out
}

// ClearCompletedTasks drops the completed-call history, which otherwise grows
// without bound.
func (e *Executor) ClearCompletedTasks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = nil
}

func (e *Executor) SetParallelExecution(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parallel = enabled
}

func (e *Executor) ParallelExecution() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parallel
}

// SetTimeout changes the per-call bound for calls submitted afterwards.
func (e *Executor) SetTimeout(timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = timeout
}

func (e *Executor) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// Queue returns the shared task queue.
func (e *Executor) Queue() *taskqueue.Queue {
	return e.queue
}
