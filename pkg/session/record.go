package session

import "time"

// StepRecord is the persisted form of one frozen agent step.
type StepRecord struct {
	SessionID   string             `json:"session_id"`
	StepIndex   int                `json:"step_index"`
	RawText     string             `json:"raw_text,omitempty"`
	Thinking    string             `json:"thinking,omitempty"`
	FinalAnswer string             `json:"final_answer,omitempty"`
	ToolCalls   []ToolCallRecord   `json:"tool_calls,omitempty"`
	ToolResults []ToolResultRecord `json:"tool_results,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

type ToolCallRecord struct {
	Name       string                 `json:"name"`
	CallID     string                 `json:"call_id"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type ToolResultRecord struct {
	Name            string      `json:"name"`
	CallID          string      `json:"call_id"`
	Status          string      `json:"status"`
	Result          interface{} `json:"result,omitempty"`
	Message         string      `json:"message,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
}

// Info describes a stored session.
type Info struct {
	SessionID    string    `json:"session_id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	StepCount    int       `json:"step_count"`
}
