package agent

import (
	"errors"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

var (
	ErrEmptyInput      = errors.New("user input cannot be empty")
	ErrInvalidMaxSteps = errors.New("max steps must be positive")
	ErrAlreadyRunning  = errors.New("agent is already running")
)

// State is the agent lifecycle status.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ExecutionMode controls whether the model may ask the user for approval.
type ExecutionMode string

const (
	// ModeAuto never exposes approval_request to the model.
	ModeAuto       ExecutionMode = "auto"
	ModeManual     ExecutionMode = "manual"
	ModeSupervised ExecutionMode = "supervised"
)

// ParseExecutionMode maps a config string to a mode. Empty means manual.
func ParseExecutionMode(s string) (ExecutionMode, bool) {
	switch ExecutionMode(s) {
	case "":
		return ModeManual, true
	case ModeAuto, ModeManual, ModeSupervised:
		return ExecutionMode(s), true
	default:
		return "", false
	}
}

// ExtractorResult holds the sections pulled out of the model text.
type ExtractorResult struct {
	Thinking    string `json:"thinking,omitempty"`
	FinalAnswer string `json:"final_answer,omitempty"`
	Response    string `json:"response,omitempty"`
}

// AgentStep records one iteration of the loop. It is frozen once appended
// to history.
type AgentStep struct {
	StepIndex            int                                `json:"step_index"`
	RawText              string                             `json:"raw_text"`
	ToolCalls            []toolexecutor.ToolCallParams      `json:"tool_calls,omitempty"`
	ToolExecutionResults []toolexecutor.ToolExecutionResult `json:"tool_execution_results,omitempty"`
	ExtractorResult      *ExtractorResult                   `json:"extractor_result,omitempty"`
	Error                string                             `json:"error,omitempty"`
	StartedAt            time.Time                          `json:"started_at"`
	CompletedAt          time.Time                          `json:"completed_at"`
}

// ProcessorStats summarizes prompt processor state.
type ProcessorStats struct {
	TotalMessages  int    `json:"total_messages"`
	CurrentStep    int    `json:"current_step"`
	HasFinalAnswer bool   `json:"has_final_answer"`
	FinalAnswer    string `json:"final_answer,omitempty"`
}

// RunOptions tunes a single StartWithUserInput call.
type RunOptions struct {
	// Stream uses CallStream when the LLM supports it.
	Stream bool
	// Priority is the queue priority of tool calls.
	Priority int
	// StepPriority is the queue priority of the per-step LLM call.
	StepPriority int
	OnTextDelta  func(delta string)
}

// Callbacks observe the loop. They must not block for long; panics are
// recovered and logged.
type Callbacks struct {
	OnToolExecutionStart func(call toolexecutor.ToolCallParams)
	OnToolExecutionEnd   func(result toolexecutor.ToolExecutionResult)
	OnAgentStep          func(step AgentStep)
	OnStateChange        func(from, to State)
}

// Merge returns callbacks that invoke c then other for each event.
func (c Callbacks) Merge(other Callbacks) Callbacks {
	return Callbacks{
		OnToolExecutionStart: chain1(c.OnToolExecutionStart, other.OnToolExecutionStart),
		OnToolExecutionEnd:   chain1(c.OnToolExecutionEnd, other.OnToolExecutionEnd),
		OnAgentStep:          chain1(c.OnAgentStep, other.OnAgentStep),
		OnStateChange: func(from, to State) {
			if c.OnStateChange != nil {
				c.OnStateChange(from, to)
			}
			if other.OnStateChange != nil {
				other.OnStateChange(from, to)
			}
		},
	}
}

func chain1[T any](a, b func(T)) func(T) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}
