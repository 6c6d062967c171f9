package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/session"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/taskqueue"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// stepData buffers one in-flight step between the LLM response and the
// moment every tool result is in. It never outlives processStep.
type stepData struct {
	text     string
	calls    []toolexecutor.ToolCallParams
	results  []toolexecutor.ToolExecutionResult
	complete bool
}

func (d *stepData) finish(results []toolexecutor.ToolExecutionResult) {
	if d.complete {
		return
	}
	d.results = results
	d.complete = true
}

// processStep runs one step. The returned AgentStep is filled as far as the
// step got, with Error set when err is non-nil.
func (a *Agent) processStep(ctx context.Context, stepIndex int, opts RunOptions) (step AgentStep, err error) {
	ctx = tracing.WithStepIndex(ctx, stepIndex)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.step",
		attribute.Int("step", stepIndex),
	)
	logger := tracing.LoggerFromContext(ctx, a.logger)

	step = AgentStep{StepIndex: stepIndex, StartedAt: time.Now()}
	defer func() {
		if err != nil {
			step.Error = err.Error()
		}
		tracing.EndSpan(span, err)
		observability.RecordStep(time.Since(step.StartedAt), err == nil)
	}()

	prompt, err := a.processor.FormatPrompt(stepIndex)
	if err != nil {
		return step, fmt.Errorf("format prompt: %w", err)
	}

	tools := a.ActiveTools()
	var defs []toolexecutor.ToolCallDefinition
	if a.toolsEnabled(stepIndex) {
		defs = toolexecutor.Definitions(tools)
	}

	logger.Debug().
		Int("promptLength", len(prompt)).
		Int("tools", len(defs)).
		Msg("Calling LLM")

	resp, err := a.callLLM(ctx, prompt, defs, opts)
	if err != nil {
		return step, fmt.Errorf("llm call: %w", err)
	}

	data := &stepData{
		text:  resp.Text,
		calls: assignCallIDs(resp.ToolCalls),
	}
	step.RawText = data.text
	step.ToolCalls = data.calls

	if len(data.calls) > 0 {
		logger.Debug().Int("toolCalls", len(data.calls)).Msg("Dispatching tool calls")
		cb := toolexecutor.Callbacks{
			OnToolExecutionStart: a.callbacks.OnToolExecutionStart,
			OnToolExecutionEnd:   a.callbacks.OnToolExecutionEnd,
		}
		data.finish(a.executeToolCalls(ctx, data.calls, tools, cb, opts.Priority))
	} else {
		data.finish(nil)
	}

	step.ToolExecutionResults = data.results
	step.ExtractorResult = a.processor.Extract(data.text, len(data.calls) > 0)
	return step, nil
}

// executeToolCalls submits every call of a step before awaiting any of
// them, so only the queue's concurrency bound limits how many run at once.
// Results follow the order of calls.
func (a *Agent) executeToolCalls(ctx context.Context, calls []toolexecutor.ToolCallParams, tools []toolexecutor.Tool, cb toolexecutor.Callbacks, priority int) []toolexecutor.ToolExecutionResult {
	byName := toolexecutor.ToolsByName(tools)

	pending := make([]<-chan toolexecutor.ToolExecutionResult, len(calls))
	for i, call := range calls {
		pending[i] = a.executor.ExecuteToolCallAsync(ctx, call, byName[call.Name], a, cb, priority)
	}

	results := make([]toolexecutor.ToolExecutionResult, len(calls))
	for i, ch := range pending {
		results[i] = <-ch
	}
	return results
}

// callLLM runs the model call as a KindProcessStep job so it shares the
// queue's concurrency bound with tool calls.
func (a *Agent) callLLM(ctx context.Context, prompt string, defs []toolexecutor.ToolCallDefinition, opts RunOptions) (*LLMResponse, error) {
	job := func(jobCtx context.Context) (interface{}, error) {
		if opts.Stream {
			if streamer, ok := a.llm.(StreamingLLM); ok {
				return streamer.CallStream(jobCtx, prompt, defs, a.callOpts, opts.OnTextDelta)
			}
		}
		return a.llm.Call(jobCtx, prompt, defs, a.callOpts)
	}

	v, err := a.queue.AddTask(ctx, job, opts.StepPriority, taskqueue.KindProcessStep).Wait(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := v.(*LLMResponse)
	if !ok || resp == nil {
		return nil, fmt.Errorf("llm returned no response")
	}
	return resp, nil
}

// assignCallIDs replaces missing or repeated call ids so every call in a
// step can be correlated with exactly one result.
func assignCallIDs(calls []toolexecutor.ToolCallParams) []toolexecutor.ToolCallParams {
	out := make([]toolexecutor.ToolCallParams, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, call := range calls {
		if call.CallID == "" || seen[call.CallID] {
			call.CallID = "call_" + uuid.NewString()
		}
		if call.Parameters == nil {
			call.Parameters = map[string]interface{}{}
		}
		seen[call.CallID] = true
		out[i] = call
	}
	return out
}

func toRecord(step AgentStep) session.StepRecord {
	rec := session.StepRecord{
		StepIndex:   step.StepIndex,
		RawText:     step.RawText,
		Error:       step.Error,
		StartedAt:   step.StartedAt,
		CompletedAt: step.CompletedAt,
	}
	if step.ExtractorResult != nil {
		rec.Thinking = step.ExtractorResult.Thinking
		rec.FinalAnswer = step.ExtractorResult.FinalAnswer
	}
	for _, call := range step.ToolCalls {
		rec.ToolCalls = append(rec.ToolCalls, session.ToolCallRecord{
			Name:       call.Name,
			CallID:     call.CallID,
			Parameters: call.Parameters,
		})
	}
	for _, res := range step.ToolExecutionResults {
		rec.ToolResults = append(rec.ToolResults, session.ToolResultRecord{
			Name:            res.Name,
			CallID:          res.CallID,
			Status:          string(res.Status),
			Result:          res.Result,
			Message:         res.Message,
			ExecutionTimeMs: res.ExecutionTime.Milliseconds(),
		})
	}
	return rec
}

// fromRecord rebuilds a frozen step from its stored form.
func fromRecord(rec session.StepRecord) AgentStep {
	step := AgentStep{
		StepIndex:   rec.StepIndex,
		RawText:     rec.RawText,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Thinking != "" || rec.FinalAnswer != "" {
		step.ExtractorResult = &ExtractorResult{
			Thinking:    rec.Thinking,
			FinalAnswer: rec.FinalAnswer,
		}
	}
	for _, call := range rec.ToolCalls {
		step.ToolCalls = append(step.ToolCalls, toolexecutor.ToolCallParams{
			Name:       call.Name,
			CallID:     call.CallID,
			Parameters: call.Parameters,
		})
	}
	for _, res := range rec.ToolResults {
		step.ToolExecutionResults = append(step.ToolExecutionResults, toolexecutor.ToolExecutionResult{
			Name:          res.Name,
			CallID:        res.CallID,
			Status:        toolexecutor.ToolExecutionStatus(res.Status),
			Result:        res.Result,
			Message:       res.Message,
			ExecutionTime: time.Duration(res.ExecutionTimeMs) * time.Millisecond,
		})
	}
	return step
}
