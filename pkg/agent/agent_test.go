package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/session"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/taskqueue"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolset"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type llmTurn func(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition) (*LLMResponse, error)

// scriptedLLM replays one turn per call and answers "done" once the script
// runs out.
type scriptedLLM struct {
	mu       sync.Mutex
	turns    []llmTurn
	calls    int
	prompts  []string
	toolDefs [][]toolexecutor.ToolCallDefinition
}

func (s *scriptedLLM) Call(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) (*LLMResponse, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	s.toolDefs = append(s.toolDefs, tools)
	s.mu.Unlock()

	if i >= len(s.turns) {
		return &LLMResponse{Text: "<final_answer>done</final_answer>"}, nil
	}
	return s.turns[i](ctx, prompt, tools)
}

func (s *scriptedLLM) Provider() string { return "fake" }

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedLLM) toolNamesAt(i int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, d := range s.toolDefs[i] {
		names = append(names, d.Name)
	}
	return names
}

func reply(text string, calls ...toolexecutor.ToolCallParams) llmTurn {
	return func(context.Context, string, []toolexecutor.ToolCallDefinition) (*LLMResponse, error) {
		return &LLMResponse{Text: text, ToolCalls: calls}, nil
	}
}

func fail(msg string) llmTurn {
	return func(context.Context, string, []toolexecutor.ToolCallDefinition) (*LLMResponse, error) {
		return nil, errors.New(msg)
	}
}

func call(name, id string, params map[string]interface{}) toolexecutor.ToolCallParams {
	return toolexecutor.ToolCallParams{Name: name, CallID: id, Parameters: params}
}

func echoTool() toolexecutor.Tool {
	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo the text parameter",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, agent toolexecutor.AgentRef) (interface{}, error) {
			return "echo: " + params["text"].(string), nil
		},
	})
}

type testEnv struct {
	agent    *Agent
	queue    *taskqueue.Queue
	registry *toolset.Registry
}

type envOption func(*Config, *int)

func withConcurrency(n int) envOption {
	return func(_ *Config, c *int) { *c = n }
}

func withMode(m ExecutionMode) envOption {
	return func(cfg *Config, _ *int) { cfg.Mode = m }
}

func withCallbacks(cb Callbacks) envOption {
	return func(cfg *Config, _ *int) { cfg.Callbacks = cb }
}

func withStore(s session.Store) envOption {
	return func(cfg *Config, _ *int) { cfg.Store = s }
}

func newTestEnv(t *testing.T, llm LLM, opts ...envOption) *testEnv {
	t.Helper()
	nop := zerolog.Nop()

	cfg := Config{ID: "agent-test", LLM: llm, Logger: &nop}
	concurrency := 3
	for _, opt := range opts {
		opt(&cfg, &concurrency)
	}

	q := taskqueue.New(taskqueue.WithConcurrency(concurrency), taskqueue.WithLogger(nop))
	t.Cleanup(func() { _ = q.Close() })

	reg := toolset.NewRegistry()
	require.NoError(t, reg.Register(toolset.NewSystemToolSet(toolset.AutoApprovalHandler{})))
	require.NoError(t, reg.Register(toolset.ToolSet{Name: "basic", Tools: []toolexecutor.Tool{echoTool()}, Active: true}))

	cfg.Executor = toolexecutor.New(q, toolexecutor.Options{EnableParallelExecution: true, Logger: &nop})
	cfg.Registry = reg

	a, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{agent: a, queue: q, registry: reg}
}

func TestNew(t *testing.T) {
	nop := zerolog.Nop()
	q := taskqueue.New(taskqueue.WithLogger(nop))
	defer q.Close()
	exec := toolexecutor.New(q, toolexecutor.Options{Logger: &nop})

	t.Run("requires llm", func(t *testing.T) {
		_, err := New(Config{Executor: exec})
		assert.Error(t, err)
	})

	t.Run("requires executor", func(t *testing.T) {
		_, err := New(Config{LLM: &scriptedLLM{}})
		assert.Error(t, err)
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		_, err := New(Config{LLM: &scriptedLLM{}, Executor: exec, Mode: "yolo"})
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		a, err := New(Config{LLM: &scriptedLLM{}, Executor: exec, Logger: &nop})
		require.NoError(t, err)
		assert.NotEmpty(t, a.AgentID())
		assert.Equal(t, StateIdle, a.State())
		assert.Equal(t, ModeManual, a.Mode())
		assert.Equal(t, []string{toolset.SystemToolSetName}, a.ToolSetNames())
	})
}

func TestStartWithUserInputValidation(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	ctx := context.Background()

	assert.ErrorIs(t, env.agent.StartWithUserInput(ctx, "  ", 3, "s", RunOptions{}), ErrEmptyInput)
	assert.ErrorIs(t, env.agent.StartWithUserInput(ctx, "hi", 0, "s", RunOptions{}), ErrInvalidMaxSteps)
	assert.Equal(t, StateIdle, env.agent.State())
}

func TestFinalAnswerStopsLoop(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{reply("<think>easy</think><final_answer>42</final_answer>")}}
	env := newTestEnv(t, llm)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "what is 6*7?", 5, "s1", RunOptions{}))

	assert.Equal(t, 1, llm.callCount())
	assert.Equal(t, StateIdle, env.agent.State())
	assert.Equal(t, 1, env.agent.CurrentStep())
	assert.Equal(t, "s1", env.agent.SessionID())

	history := env.agent.History()
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ExtractorResult)
	assert.Equal(t, "easy", history[0].ExtractorResult.Thinking)
	assert.Equal(t, "42", history[0].ExtractorResult.FinalAnswer)

	stats := env.agent.PromptProcessorStats()
	assert.True(t, stats.HasFinalAnswer)
	assert.Equal(t, "42", stats.FinalAnswer)
	assert.Equal(t, 1, stats.CurrentStep)
}

func TestToolResultsMatchToolCalls(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{
		reply("calling tools",
			call("echo", "c1", map[string]interface{}{"text": "a"}),
			call("echo", "c2", map[string]interface{}{"text": "b"}),
		),
	}}
	env := newTestEnv(t, llm)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "echo twice", 5, "s1", RunOptions{}))

	history := env.agent.History()
	require.Len(t, history, 2)

	step := history[0]
	require.Len(t, step.ToolExecutionResults, len(step.ToolCalls))
	for i, res := range step.ToolExecutionResults {
		assert.Equal(t, step.ToolCalls[i].CallID, res.CallID)
		assert.Equal(t, toolexecutor.StatusSucceed, res.Status)
	}
	assert.Equal(t, "echo: a", step.ToolExecutionResults[0].Result)
	assert.Equal(t, "echo: b", step.ToolExecutionResults[1].Result)

	// the second prompt shows the tool results
	assert.Contains(t, llm.prompts[1], "echo: a")
	assert.Contains(t, llm.prompts[1], "echo: b")
}

func TestMissingAndDuplicateCallIDsAreReplaced(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{
		reply("",
			call("echo", "", map[string]interface{}{"text": "a"}),
			call("echo", "dup", map[string]interface{}{"text": "b"}),
			call("echo", "dup", map[string]interface{}{"text": "c"}),
		),
	}}
	env := newTestEnv(t, llm)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	step := env.agent.History()[0]
	seen := map[string]bool{}
	for _, c := range step.ToolCalls {
		require.NotEmpty(t, c.CallID)
		assert.False(t, seen[c.CallID], "duplicate call id %s", c.CallID)
		seen[c.CallID] = true
	}
	assert.Equal(t, "dup", step.ToolCalls[1].CallID)
	require.Len(t, step.ToolExecutionResults, 3)
}

func TestUnknownToolIsFailedResult(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{reply("", call("ghost_tool", "c1", nil))}}
	env := newTestEnv(t, llm)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	history := env.agent.History()
	require.Len(t, history, 2)
	res := history[0].ToolExecutionResults[0]
	assert.Equal(t, toolexecutor.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "not found")
	assert.Contains(t, llm.prompts[1], "ghost_tool")
}

func TestStepZeroFailure(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{fail("provider exploded")}}
	env := newTestEnv(t, llm)

	err := env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider exploded")
	assert.Equal(t, StateError, env.agent.State())
	assert.Empty(t, env.agent.History())

	// a run can start again from the error state
	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "again", 5, "s1", RunOptions{}))
	assert.Equal(t, StateIdle, env.agent.State())
	assert.Len(t, env.agent.History(), 1)
}

func TestLaterStepFailureContinues(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{
		reply("", call("echo", "c1", map[string]interface{}{"text": "a"})),
		fail("temporary glitch"),
	}}
	env := newTestEnv(t, llm)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	history := env.agent.History()
	require.Len(t, history, 3)
	assert.Empty(t, history[0].Error)
	assert.Contains(t, history[1].Error, "temporary glitch")
	assert.Equal(t, "done", history[2].ExtractorResult.FinalAnswer)
	assert.Contains(t, llm.prompts[2], "temporary glitch")
	assert.Equal(t, StateIdle, env.agent.State())
}

func TestMaxStepsExhaustion(t *testing.T) {
	loop := reply("still working", call("echo", "c", map[string]interface{}{"text": "x"}))
	llm := &scriptedLLM{turns: []llmTurn{loop, loop, loop, loop, loop}}
	env := newTestEnv(t, llm)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 3, "s1", RunOptions{}))

	assert.Equal(t, 3, llm.callCount())
	assert.Len(t, env.agent.History(), 3)
	assert.Equal(t, 3, env.agent.CurrentStep())
	assert.Equal(t, StateIdle, env.agent.State())
	assert.False(t, env.agent.PromptProcessorStats().HasFinalAnswer)
}

func TestStopFinishesCurrentStep(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := func(ctx context.Context, _ string, _ []toolexecutor.ToolCallDefinition) (*LLMResponse, error) {
		close(entered)
		<-release
		return &LLMResponse{Text: "working", ToolCalls: []toolexecutor.ToolCallParams{
			call("echo", "c1", map[string]interface{}{"text": "a"}),
		}}, nil
	}
	llm := &scriptedLLM{turns: []llmTurn{blocking, reply("more", call("echo", "c2", map[string]interface{}{"text": "b"}))}}

	var mu sync.Mutex
	var transitions []string
	env := newTestEnv(t, llm, withCallbacks(Callbacks{
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
			mu.Unlock()
		},
	}))

	done := make(chan error, 1)
	go func() {
		done <- env.agent.StartWithUserInput(context.Background(), "go", 10, "s1", RunOptions{})
	}()

	<-entered
	assert.Equal(t, StateRunning, env.agent.State())
	assert.ErrorIs(t, env.agent.StartWithUserInput(context.Background(), "again", 1, "s1", RunOptions{}), ErrAlreadyRunning)

	env.agent.Stop()
	assert.Equal(t, StateStopping, env.agent.State())
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after stop")
	}

	assert.Equal(t, 1, llm.callCount())
	history := env.agent.History()
	require.Len(t, history, 1)
	assert.Len(t, history[0].ToolExecutionResults, 1)
	assert.Equal(t, StateIdle, env.agent.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"idle->running", "running->stopping", "stopping->idle"}, transitions)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	env.agent.Stop()
	assert.Equal(t, StateIdle, env.agent.State())
}

func TestContextCancellation(t *testing.T) {
	entered := make(chan struct{})
	blocking := func(ctx context.Context, _ string, _ []toolexecutor.ToolCallDefinition) (*LLMResponse, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	llm := &scriptedLLM{turns: []llmTurn{blocking}}
	env := newTestEnv(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.agent.StartWithUserInput(ctx, "go", 5, "s1", RunOptions{})
	}()

	<-entered
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
	assert.Equal(t, StateIdle, env.agent.State())
}

func TestToolSetActivationAppliesNextStep(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{
		reply("", call(toolset.ActivateToolName, "c1", map[string]interface{}{"names": []interface{}{"extra"}})),
		reply("", call("extra_tool", "c2", nil)),
	}}
	env := newTestEnv(t, llm)

	extra := toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        "extra_tool",
		Description: "Only available once activated",
		Handler: func(context.Context, map[string]interface{}, toolexecutor.AgentRef) (interface{}, error) {
			return "extra ok", nil
		},
	})
	require.NoError(t, env.registry.Register(toolset.ToolSet{Name: "extra", Tools: []toolexecutor.Tool{extra}}))

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	assert.NotContains(t, llm.toolNamesAt(0), "extra_tool")
	assert.Contains(t, llm.toolNamesAt(1), "extra_tool")
	assert.Contains(t, env.agent.ActiveToolSetNames(), "extra")

	history := env.agent.History()
	require.Len(t, history, 3)
	assert.Equal(t, toolexecutor.StatusSucceed, history[0].ToolExecutionResults[0].Status)
	assert.Equal(t, "extra ok", history[1].ToolExecutionResults[0].Result)
}

func TestAutoModeHidesApprovalTool(t *testing.T) {
	names := func(tools []toolexecutor.Tool) []string {
		var out []string
		for _, t := range tools {
			out = append(out, t.Name())
		}
		return out
	}

	manual := newTestEnv(t, &scriptedLLM{})
	assert.Contains(t, names(manual.agent.ActiveTools()), toolset.ApprovalToolName)

	auto := newTestEnv(t, &scriptedLLM{}, withMode(ModeAuto))
	assert.NotContains(t, names(auto.agent.ActiveTools()), toolset.ApprovalToolName)
	assert.Contains(t, names(auto.agent.ActiveTools()), "echo")

	// activation does not bring it back
	auto.registry.Activate(toolset.SystemToolSetName)
	assert.NotContains(t, names(auto.agent.ActiveTools()), toolset.ApprovalToolName)
}

func TestSetEnableToolCallsForStep(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{reply("thinking first"), reply("<final_answer>ok</final_answer>")}}
	env := newTestEnv(t, llm)
	env.agent.SetEnableToolCallsForStep(func(stepIndex int) bool { return stepIndex > 0 })

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	assert.Empty(t, llm.toolNamesAt(0))
	assert.Contains(t, llm.toolNamesAt(1), "echo")
}

func TestCallbacksAreObserversOnly(t *testing.T) {
	var mu sync.Mutex
	var starts, ends, steps int
	cb := Callbacks{
		OnToolExecutionStart: func(toolexecutor.ToolCallParams) {
			mu.Lock()
			starts++
			mu.Unlock()
		},
		OnToolExecutionEnd: func(toolexecutor.ToolExecutionResult) {
			mu.Lock()
			ends++
			mu.Unlock()
		},
		OnAgentStep: func(AgentStep) {
			mu.Lock()
			steps++
			mu.Unlock()
			panic("observer bug")
		},
	}
	llm := &scriptedLLM{turns: []llmTurn{
		reply("", call("echo", "c1", map[string]interface{}{"text": "a"}), call("echo", "c2", map[string]interface{}{"text": "b"})),
	}}
	env := newTestEnv(t, llm, withCallbacks(cb))

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, ends)
	assert.Equal(t, 2, steps)
	assert.Len(t, env.agent.History(), 2)
}

func TestSessionSwitchResetsState(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	ctx := context.Background()

	require.NoError(t, env.agent.StartWithUserInput(ctx, "first", 5, "s1", RunOptions{}))
	require.NoError(t, env.agent.StartWithUserInput(ctx, "second", 5, "s1", RunOptions{}))
	assert.Len(t, env.agent.History(), 2)
	assert.Equal(t, 4, env.agent.PromptProcessorStats().TotalMessages)

	require.NoError(t, env.agent.StartWithUserInput(ctx, "third", 5, "s2", RunOptions{}))
	assert.Len(t, env.agent.History(), 1)
	assert.Equal(t, "s2", env.agent.SessionID())
	assert.Equal(t, 2, env.agent.PromptProcessorStats().TotalMessages)
}

func TestStepsArePersisted(t *testing.T) {
	store, err := session.NewJSONLStore(t.TempDir())
	require.NoError(t, err)

	llm := &scriptedLLM{turns: []llmTurn{reply("<think>x</think>", call("echo", "c1", map[string]interface{}{"text": "a"}))}}
	env := newTestEnv(t, llm, withStore(store))

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "persisted", RunOptions{}))

	records, err := store.LoadSteps(context.Background(), "persisted")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "x", records[0].Thinking)
	require.Len(t, records[0].ToolResults, 1)
	assert.Equal(t, "c1", records[0].ToolResults[0].CallID)
	assert.Equal(t, "succeed", records[0].ToolResults[0].Status)
	assert.Equal(t, "done", records[1].FinalAnswer)
}

func TestStoredSessionIsResumed(t *testing.T) {
	store, err := session.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := newTestEnv(t, &scriptedLLM{turns: []llmTurn{
		reply("<final_answer>SECRET-42</final_answer>"),
	}}, withStore(store))
	require.NoError(t, first.agent.StartWithUserInput(ctx, "remember a number", 5, "s1", RunOptions{}))

	llm := &scriptedLLM{}
	second := newTestEnv(t, llm, withStore(store))
	require.NoError(t, second.agent.StartWithUserInput(ctx, "what was it?", 5, "s1", RunOptions{}))

	require.Equal(t, 1, llm.callCount())
	assert.Contains(t, llm.prompts[0], "SECRET-42")
	assert.Contains(t, llm.prompts[0], "This is step 1.")

	history := second.agent.History()
	require.Len(t, history, 2)
	assert.Equal(t, "SECRET-42", history[0].ExtractorResult.FinalAnswer)
	assert.Equal(t, 1, history[1].StepIndex)
	assert.Equal(t, "done", second.agent.PromptProcessorStats().FinalAnswer)

	records, err := store.LoadSteps(ctx, "s1")
	require.NoError(t, err)
	var indices []int
	for _, rec := range records {
		indices = append(indices, rec.StepIndex)
	}
	assert.Equal(t, []int{0, 1}, indices)
}

func TestSameSessionContinuesStepNumbering(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	ctx := context.Background()

	require.NoError(t, env.agent.StartWithUserInput(ctx, "first", 5, "s1", RunOptions{}))
	require.NoError(t, env.agent.StartWithUserInput(ctx, "second", 5, "s1", RunOptions{}))

	history := env.agent.History()
	require.Len(t, history, 2)
	assert.Equal(t, 0, history[0].StepIndex)
	assert.Equal(t, 1, history[1].StepIndex)
	assert.Equal(t, 1, env.agent.CurrentStep())
}

func TestUnloadableSessionIsRejected(t *testing.T) {
	store, err := session.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	llm := &scriptedLLM{}
	env := newTestEnv(t, llm, withStore(store))

	err = env.agent.StartWithUserInput(context.Background(), "go", 5, "../escape", RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load session")
	assert.Equal(t, 0, llm.callCount())
	assert.Equal(t, StateIdle, env.agent.State())
	assert.Empty(t, env.agent.SessionID())
}

type failingStore struct {
	session.Store
}

func (failingStore) AppendStep(context.Context, string, session.StepRecord) error {
	return errors.New("disk full")
}

func (failingStore) LoadSteps(context.Context, string) ([]session.StepRecord, error) {
	return nil, nil
}

func TestPersistFailureDoesNotStopRun(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, withStore(failingStore{}))

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))
	assert.Len(t, env.agent.History(), 1)
	assert.Equal(t, "done", env.agent.PromptProcessorStats().FinalAnswer)
}

func TestStepSubmitsAllToolCallsTogether(t *testing.T) {
	var arrived int32
	bothIn := make(chan struct{})
	rendezvous := &rendezvousTool{arrived: &arrived, bothIn: bothIn}

	llm := &scriptedLLM{turns: []llmTurn{
		reply("", call("rendezvous", "r1", nil), call("rendezvous", "r2", nil)),
	}}
	env := newTestEnv(t, llm)
	require.NoError(t, env.registry.Register(toolset.ToolSet{Name: "sync", Tools: []toolexecutor.Tool{rendezvous}, Active: true}))
	// the batch knob only governs ExecuteToolCalls; a step never serializes
	env.agent.executor.SetParallelExecution(false)

	require.NoError(t, env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{}))

	results := env.agent.History()[0].ToolExecutionResults
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, toolexecutor.StatusSucceed, res.Status, res.Message)
	}
}

// rendezvousTool succeeds only when two calls are in flight at once.
type rendezvousTool struct {
	arrived *int32
	once    sync.Once
	bothIn  chan struct{}
}

func (r *rendezvousTool) Name() string                   { return "rendezvous" }
func (r *rendezvousTool) Description() string            { return "waits for a second caller" }
func (r *rendezvousTool) Schema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (r *rendezvousTool) Execute(ctx context.Context, params map[string]interface{}, agent toolexecutor.AgentRef) (interface{}, error) {
	if atomic.AddInt32(r.arrived, 1) == 2 {
		r.once.Do(func() { close(r.bothIn) })
	}
	select {
	case <-r.bothIn:
		return "met", nil
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("second call never started")
	}
}

func TestConcurrencyOneDoesNotDeadlock(t *testing.T) {
	llm := &scriptedLLM{turns: []llmTurn{
		reply("",
			call("echo", "c1", map[string]interface{}{"text": "a"}),
			call("echo", "c2", map[string]interface{}{"text": "b"}),
			call("echo", "c3", map[string]interface{}{"text": "c"}),
		),
	}}
	env := newTestEnv(t, llm, withConcurrency(1))

	done := make(chan error, 1)
	go func() {
		done <- env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run deadlocked with concurrency 1")
	}
	assert.Len(t, env.agent.History()[0].ToolExecutionResults, 3)
}

type streamingLLM struct {
	scriptedLLM
}

func (s *streamingLLM) CallStream(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions, onDelta func(string)) (*LLMResponse, error) {
	for _, d := range []string{"<final_answer>", "streamed", "</final_answer>"} {
		onDelta(d)
	}
	return &LLMResponse{Text: "<final_answer>streamed</final_answer>"}, nil
}

func TestStreamingRun(t *testing.T) {
	llm := &streamingLLM{}
	env := newTestEnv(t, llm)

	var mu sync.Mutex
	var deltas []string
	err := env.agent.StartWithUserInput(context.Background(), "go", 5, "s1", RunOptions{
		Stream: true,
		OnTextDelta: func(d string) {
			mu.Lock()
			deltas = append(deltas, d)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"<final_answer>", "streamed", "</final_answer>"}, deltas)
	assert.Equal(t, 0, llm.callCount())
	assert.Equal(t, "streamed", env.agent.PromptProcessorStats().FinalAnswer)
}

func TestAssignCallIDs(t *testing.T) {
	out := assignCallIDs([]toolexecutor.ToolCallParams{
		{Name: "a", CallID: "x"},
		{Name: "b"},
		{Name: "c", CallID: "x"},
	})
	require.Len(t, out, 3)
	assert.Equal(t, "x", out[0].CallID)
	assert.NotEmpty(t, out[1].CallID)
	assert.NotEqual(t, "x", out[2].CallID)
	assert.NotNil(t, out[1].Parameters)
}

func TestCallbacksMerge(t *testing.T) {
	var order []string
	a := Callbacks{OnAgentStep: func(AgentStep) { order = append(order, "a") }}
	b := Callbacks{
		OnAgentStep:   func(AgentStep) { order = append(order, "b") },
		OnStateChange: func(from, to State) { order = append(order, string(to)) },
	}

	merged := a.Merge(b)
	merged.OnAgentStep(AgentStep{})
	merged.OnStateChange(StateIdle, StateRunning)
	assert.Nil(t, merged.OnToolExecutionStart)
	assert.Equal(t, []string{"a", "b", "running"}, order)
}
