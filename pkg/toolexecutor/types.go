package toolexecutor

import (
	"context"
	"time"
)

// ToolCallParams is one tool invocation requested by the model.
type ToolCallParams struct {
	Name       string                 `json:"name"`
	CallID     string                 `json:"call_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

type ToolExecutionStatus string

const (
	StatusSucceed ToolExecutionStatus = "succeed"
	StatusFailed  ToolExecutionStatus = "failed"
)

// ToolExecutionResult is the normalized outcome of a tool call. CallID
// always echoes the originating ToolCallParams.CallID.
type ToolExecutionResult struct {
	Name          string                 `json:"name"`
	CallID        string                 `json:"call_id"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Status        ToolExecutionStatus    `json:"status"`
	Result        interface{}            `json:"result,omitempty"`
	Message       string                 `json:"message,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Truncated     bool                   `json:"truncated,omitempty"`
}

func (r ToolExecutionResult) Succeeded() bool {
	return r.Status == StatusSucceed
}

// AgentRef identifies the agent on whose behalf a tool runs.
type AgentRef interface {
	AgentID() string
	SessionID() string
}

// Tool is anything the model can call.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the parameters object.
	Schema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}, agent AgentRef) (interface{}, error)
}

// ParamValidator is implemented by tools that check their own parameters.
// Validation runs inside the queued job; a failure is a failed result.
type ParamValidator interface {
	ValidateParams(params map[string]interface{}) error
}

// ToolCallDefinition is the tool description handed to the model.
type ToolCallDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

func DefinitionOf(t Tool) ToolCallDefinition {
	return ToolCallDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Definitions maps DefinitionOf over tools.
func Definitions(tools []Tool) []ToolCallDefinition {
	defs := make([]ToolCallDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, DefinitionOf(t))
	}
	return defs
}

// Callbacks are best-effort observers. Nil fields are skipped and panics are
// recovered; neither affects the returned result.
type Callbacks struct {
	OnToolExecutionStart func(call ToolCallParams)
	OnToolExecutionEnd   func(result ToolExecutionResult)
}
