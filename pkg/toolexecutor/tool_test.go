package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, params map[string]interface{}, agent AgentRef) (interface{}, error) {
	return nil, nil
}

func TestNewToolRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "d", Handler: noopHandler}},
		{"empty description", ToolDefinition{Name: "t", Handler: noopHandler}},
		{"nil handler", ToolDefinition{Name: "t", Description: "d"}},
		{"bad type", ToolDefinition{Name: "t", Description: "d", Handler: noopHandler,
			Parameters: []ToolParameter{{Name: "p", Type: "float", Description: "p"}}}},
		{"missing param description", ToolDefinition{Name: "t", Description: "d", Handler: noopHandler,
			Parameters: []ToolParameter{{Name: "p", Type: "string"}}}},
		{"duplicate param", ToolDefinition{Name: "t", Description: "d", Handler: noopHandler,
			Parameters: []ToolParameter{
				{Name: "p", Type: "string", Description: "p"},
				{Name: "p", Type: "string", Description: "p"},
			}}},
		{"item type on scalar", ToolDefinition{Name: "t", Description: "d", Handler: noopHandler,
			Parameters: []ToolParameter{{Name: "p", Type: "string", Description: "p", ItemType: "string"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTool(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestFuncToolSchema(t *testing.T) {
	tool, err := NewTool(ToolDefinition{
		Name:        "activate",
		Description: "Activate sets",
		Parameters: []ToolParameter{
			{Name: "names", Type: "array", ItemType: "string", Description: "set names", Required: true},
			{Name: "mode", Type: "string", Description: "mode", Enum: []string{"a", "b"}},
		},
		Handler: noopHandler,
	})
	require.NoError(t, err)

	schema := tool.Schema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"names"}, schema["required"])

	props := schema["properties"].(map[string]interface{})
	names := props["names"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"type": "string"}, names["items"])

	assert.NoError(t, tool.ValidateParams(map[string]interface{}{"names": []interface{}{"fs"}}))
	assert.Error(t, tool.ValidateParams(map[string]interface{}{"names": []interface{}{1.0}}))
	assert.Error(t, tool.ValidateParams(map[string]interface{}{"names": []interface{}{"fs"}, "mode": "c"}))
	assert.Error(t, tool.ValidateParams(map[string]interface{}{"names": []interface{}{"fs"}, "extra": true}))
	assert.Error(t, tool.ValidateParams(nil))
}

func TestDefinitionOf(t *testing.T) {
	tool := MustTool(ToolDefinition{Name: "noop", Description: "does nothing", Handler: noopHandler})

	def := DefinitionOf(tool)
	assert.Equal(t, "noop", def.Name)
	assert.Equal(t, "does nothing", def.Description)
	assert.Equal(t, tool.Schema(), def.Parameters)

	assert.Len(t, Definitions([]Tool{tool, tool}), 2)
}

func TestMustToolPanics(t *testing.T) {
	assert.Panics(t, func() { MustTool(ToolDefinition{}) })
}
