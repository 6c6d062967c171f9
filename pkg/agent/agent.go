package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/session"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/taskqueue"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolset"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "continue-reasoning.agent"

// Config wires an Agent. LLM and Executor are required.
type Config struct {
	ID       string
	LLM      LLM
	Executor *toolexecutor.Executor
	// Registry defaults to one holding only the system tool set.
	Registry *toolset.Registry
	// Processor defaults to a StandardPromptProcessor.
	Processor PromptProcessor
	// Store, when set, receives every frozen step.
	Store       session.Store
	Mode        ExecutionMode
	CallOptions CallOptions
	Callbacks   Callbacks
	Logger      *zerolog.Logger
}

// Agent runs the step loop. The loop goroutine owns the tool set registry
// and all per-step data; other goroutines only read snapshots.
type Agent struct {
	id        string
	llm       LLM
	executor  *toolexecutor.Executor
	queue     *taskqueue.Queue
	registry  *toolset.Registry
	processor PromptProcessor
	store     session.Store
	mode      ExecutionMode
	callOpts  CallOptions
	callbacks Callbacks
	logger    zerolog.Logger

	mu               sync.Mutex
	state            State
	sessionID        string
	currentStep      int
	stopRequested    bool
	history          []AgentStep
	toolCallsEnabled func(stepIndex int) bool

	// tool set requests raised by tools during a step
	requestMu    sync.Mutex
	toActivate   []string
	toDeactivate []string
}

var (
	_ toolexecutor.AgentRef = (*Agent)(nil)
	_ toolset.Controller    = (*Agent)(nil)
)

func New(cfg Config) (*Agent, error) {
	observability.EnsureRegistered()

	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeManual
	}
	if _, ok := ParseExecutionMode(string(mode)); !ok {
		return nil, fmt.Errorf("invalid execution mode: %s", mode)
	}

	id := cfg.ID
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
	}

	registry := cfg.Registry
	if registry == nil {
		registry = toolset.NewRegistry()
		if err := registry.Register(toolset.NewSystemToolSet(nil)); err != nil {
			return nil, err
		}
	}

	processor := cfg.Processor
	if processor == nil {
		processor = NewStandardPromptProcessor(ProcessorConfig{})
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Agent{
		id:        id,
		llm:       cfg.LLM,
		executor:  cfg.Executor,
		queue:     cfg.Executor.Queue(),
		registry:  registry,
		processor: processor,
		store:     cfg.Store,
		mode:      mode,
		callOpts:  cfg.CallOptions,
		callbacks: cfg.Callbacks,
		logger:    logger.With().Str("component", "agent").Str("agent_id", id).Logger(),
		state:     StateIdle,
	}, nil
}

func (a *Agent) AgentID() string { return a.id }

func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CurrentStep is the index of the step in flight, or the number of steps
// completed once the run is over.
func (a *Agent) CurrentStep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStep
}

func (a *Agent) Mode() ExecutionMode { return a.mode }

// History returns the frozen steps of the current session.
func (a *Agent) History() []AgentStep {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AgentStep, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Agent) PromptProcessorStats() ProcessorStats {
	return a.processor.Stats()
}

// SetEnableToolCallsForStep overrides the processor's predicate. nil
// restores it.
func (a *Agent) SetEnableToolCallsForStep(fn func(stepIndex int) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolCallsEnabled = fn
}

func (a *Agent) toolsEnabled(stepIndex int) bool {
	a.mu.Lock()
	fn := a.toolCallsEnabled
	a.mu.Unlock()
	if fn != nil {
		return fn(stepIndex)
	}
	return a.processor.EnableToolCallsForStep(stepIndex)
}

// ActiveTools returns the tools visible to the next step. In auto mode the
// approval tool is never included.
func (a *Agent) ActiveTools() []toolexecutor.Tool {
	tools := a.registry.ActiveTools()
	if a.mode != ModeAuto {
		return tools
	}
	filtered := tools[:0:0]
	for _, t := range tools {
		if t.Name() != toolset.ApprovalToolName {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func (a *Agent) ToolSetNames() []string {
	return a.registry.Names()
}

func (a *Agent) ActiveToolSetNames() []string {
	return a.registry.ActiveToolSetNames()
}

func (a *Agent) RequestToolSetActivation(names ...string) {
	a.requestMu.Lock()
	defer a.requestMu.Unlock()
	a.toActivate = append(a.toActivate, names...)
}

func (a *Agent) RequestToolSetDeactivation(names ...string) {
	a.requestMu.Lock()
	defer a.requestMu.Unlock()
	a.toDeactivate = append(a.toDeactivate, names...)
}

// applyToolSetRequests runs on the loop goroutine between steps.
func (a *Agent) applyToolSetRequests(logger zerolog.Logger) {
	a.requestMu.Lock()
	activate, deactivate := a.toActivate, a.toDeactivate
	a.toActivate, a.toDeactivate = nil, nil
	a.requestMu.Unlock()

	if len(activate) > 0 {
		if unknown := a.registry.Activate(activate...); len(unknown) > 0 {
			logger.Warn().Strs("toolsets", unknown).Msg("Ignoring unknown tool sets")
		}
		logger.Info().Strs("toolsets", activate).Msg("Tool sets activated")
	}
	if len(deactivate) > 0 {
		a.registry.Deactivate(deactivate...)
		logger.Info().Strs("toolsets", deactivate).Msg("Tool sets deactivated")
	}
}

// StartWithUserInput runs the step loop until a final answer, Stop, ctx
// cancellation or maxSteps. It returns an error only for invalid input, a
// session that cannot be loaded, a failed first step, or a cancelled ctx.
//
// When a Store is set and sessionID is not the agent's current session, the
// stored steps are replayed first and new steps are numbered after them.
// maxSteps counts the steps of this call only.
func (a *Agent) StartWithUserInput(ctx context.Context, input string, maxSteps int, sessionID string, opts RunOptions) (err error) {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyInput
	}
	if maxSteps < 1 {
		return ErrInvalidMaxSteps
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	a.mu.Lock()
	if a.state == StateRunning || a.state == StateStopping {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	resume := a.sessionID != sessionID
	if a.sessionID != "" && resume {
		a.teardownSessionLocked()
	}
	a.sessionID = sessionID
	a.currentStep = 0
	a.stopRequested = false
	prev := a.state
	a.state = StateRunning
	a.mu.Unlock()

	ctx = tracing.NewAgentRunContext(ctx, a.id, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("agent_id", a.id),
		attribute.String("session_id", sessionID),
		attribute.Int("max_steps", maxSteps),
	)
	logger := tracing.LoggerFromContext(ctx, a.logger)
	start := time.Now()
	defer func() {
		tracing.EndSpan(span, err)
		observability.RecordAgentRun(a.llm.Provider(), time.Since(start), err == nil)
	}()

	if resume && a.store != nil {
		loaded, loadErr := a.loadSession(ctx, sessionID)
		if loadErr != nil {
			a.mu.Lock()
			a.sessionID = ""
			a.state = prev
			a.mu.Unlock()
			return fmt.Errorf("load session %s: %w", sessionID, loadErr)
		}
		if loaded > 0 {
			logger.Info().Int("steps", loaded).Msg("Session resumed from store")
		}
	}
	base := a.nextStepIndex()

	a.notifyState(ctx, prev, StateRunning)
	a.processor.AddUserMessage(input)

	logger.Info().
		Int("maxSteps", maxSteps).
		Str("mode", string(a.mode)).
		Msg("Agent run started")

	completed := 0
	for i := 0; i < maxSteps; i++ {
		stepIndex := base + i
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Info().Err(ctxErr).Msg("Agent run cancelled")
			a.setState(ctx, StateIdle)
			return ctxErr
		}
		if a.isStopRequested() {
			logger.Info().Int("step", stepIndex).Msg("Stop requested, ending run")
			break
		}

		a.mu.Lock()
		a.currentStep = i
		a.mu.Unlock()

		step, stepErr := a.processStep(ctx, stepIndex, opts)
		if stepErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				logger.Info().Err(ctxErr).Msg("Agent run cancelled")
				a.setState(ctx, StateIdle)
				return ctxErr
			}
			if i == 0 {
				logger.Error().Err(stepErr).Int("step", stepIndex).Msg("First step failed")
				a.setState(ctx, StateError)
				return fmt.Errorf("step %d failed: %w", stepIndex, stepErr)
			}
			logger.Warn().Err(stepErr).Int("step", stepIndex).Msg("Step failed, continuing")
		}

		a.completeStep(ctx, step)
		completed++
		a.applyToolSetRequests(logger)

		if answer := a.processor.StopSignal(); answer != nil {
			logger.Info().Int("step", stepIndex).Msg("Final answer reached")
			break
		}
	}

	a.mu.Lock()
	a.currentStep = completed
	a.mu.Unlock()

	a.setState(ctx, StateIdle)
	logger.Info().Dur("duration", time.Since(start)).Msg("Agent run finished")
	return nil
}

// loadSession replays the stored steps of sessionID into the processor and
// history. It returns the number of steps loaded.
func (a *Agent) loadSession(ctx context.Context, sessionID string) (int, error) {
	records, err := a.store.LoadSteps(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	steps := make([]AgentStep, 0, len(records))
	for _, rec := range records {
		step := fromRecord(rec)
		a.processor.ProcessStepResult(step)
		steps = append(steps, step)
	}

	a.mu.Lock()
	a.history = append(a.history, steps...)
	a.mu.Unlock()
	return len(steps), nil
}

// nextStepIndex is one past the last step in history.
func (a *Agent) nextStepIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.history); n > 0 {
		return a.history[n-1].StepIndex + 1
	}
	return 0
}

// Stop asks a running loop to end before its next step.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	a.stopRequested = true
	a.state = StateStopping
	a.mu.Unlock()

	a.notifyState(context.Background(), StateRunning, StateStopping)
}

func (a *Agent) isStopRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopRequested
}

// teardownSessionLocked drops the previous session's state. a.mu is held.
func (a *Agent) teardownSessionLocked() {
	a.logger.Info().Str("previous_session", a.sessionID).Msg("Switching session")
	a.history = nil
	a.processor.Reset()
	a.executor.ClearCompletedTasks()

	a.requestMu.Lock()
	a.toActivate, a.toDeactivate = nil, nil
	a.requestMu.Unlock()
}

func (a *Agent) setState(ctx context.Context, to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()

	a.notifyState(ctx, from, to)
}

func (a *Agent) notifyState(ctx context.Context, from, to State) {
	if from == to {
		return
	}

	a.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
	observability.RecordStateAudit(ctx, a.id, string(from), string(to))

	if a.callbacks.OnStateChange != nil {
		a.safeCallback("OnStateChange", func() { a.callbacks.OnStateChange(from, to) })
	}
}

// completeStep freezes step into history and hands it to the processor.
func (a *Agent) completeStep(ctx context.Context, step AgentStep) {
	step.CompletedAt = time.Now()

	a.processor.ProcessStepResult(step)

	a.mu.Lock()
	a.history = append(a.history, step)
	sessionID := a.sessionID
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.AppendStep(ctx, sessionID, toRecord(step)); err != nil {
			logger := tracing.LoggerFromContext(ctx, a.logger)
			logger.Warn().Err(err).Msg("Failed to persist step")
		}
	}

	if a.callbacks.OnAgentStep != nil {
		a.safeCallback("OnAgentStep", func() { a.callbacks.OnAgentStep(step) })
	}
}

func (a *Agent) safeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("callback", name).
				Interface("panic", r).
				Msg("Agent callback panicked")
		}
	}()
	fn()
}
