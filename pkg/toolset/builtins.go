package toolset

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

const (
	ActivateToolName   = "activate_toolset"
	DeactivateToolName = "deactivate_toolset"
	SystemToolSetName  = "system"
)

// Controller is implemented by the agent that owns a Registry. Requests are
// buffered and applied after the current step.
type Controller interface {
	RequestToolSetActivation(names ...string)
	RequestToolSetDeactivation(names ...string)
	ToolSetNames() []string
}

// NewActivateTool returns the activate_toolset tool.
func NewActivateTool() toolexecutor.Tool {
	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        ActivateToolName,
		Description: "Activate one or more tool sets. Their tools become available from the next step.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "names", Type: "array", ItemType: "string", Description: "Names of the tool sets to activate", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, agent toolexecutor.AgentRef) (interface{}, error) {
			ctrl, names, err := resolveRequest(params, agent)
			if err != nil {
				return nil, err
			}
			ctrl.RequestToolSetActivation(names...)
			return fmt.Sprintf("Tool sets %s will be active from the next step", strings.Join(names, ", ")), nil
		},
	})
}

// NewDeactivateTool returns the deactivate_toolset tool.
func NewDeactivateTool() toolexecutor.Tool {
	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        DeactivateToolName,
		Description: "Deactivate one or more tool sets. Their tools disappear from the next step.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "names", Type: "array", ItemType: "string", Description: "Names of the tool sets to deactivate", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, agent toolexecutor.AgentRef) (interface{}, error) {
			ctrl, names, err := resolveRequest(params, agent)
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				if n == SystemToolSetName {
					return nil, fmt.Errorf("tool set %s cannot be deactivated", SystemToolSetName)
				}
			}
			ctrl.RequestToolSetDeactivation(names...)
			return fmt.Sprintf("Tool sets %s will be inactive from the next step", strings.Join(names, ", ")), nil
		},
	})
}

func resolveRequest(params map[string]interface{}, agent toolexecutor.AgentRef) (Controller, []string, error) {
	ctrl, ok := agent.(Controller)
	if !ok {
		return nil, nil, fmt.Errorf("agent does not manage tool sets")
	}

	raw, _ := params["names"].([]interface{})
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, nil, fmt.Errorf("names must be non-empty strings")
		}
		names = append(names, s)
	}
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("names cannot be empty")
	}

	known := make(map[string]bool)
	for _, n := range ctrl.ToolSetNames() {
		known[n] = true
	}
	var unknown []string
	for _, n := range names {
		if !known[n] {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		available := ctrl.ToolSetNames()
		sort.Strings(available)
		return nil, nil, fmt.Errorf("unknown tool sets: %s (available: %s)",
			strings.Join(unknown, ", "), strings.Join(available, ", "))
	}
	return ctrl, names, nil
}

// NewSystemToolSet bundles the tool set switches and the approval tool in an
// always-active set. A nil approval handler leaves approval_request out.
func NewSystemToolSet(approval ApprovalHandler) ToolSet {
	tools := []toolexecutor.Tool{NewActivateTool(), NewDeactivateTool()}
	if approval != nil {
		tools = append(tools, NewApprovalTool(approval, 0))
	}
	return ToolSet{
		Name:         SystemToolSetName,
		Description:  "Tool set management and user approval",
		Tools:        tools,
		Active:       true,
		AlwaysActive: true,
	}
}
