package toolexecutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ToolParameter describes one named parameter of a function-backed tool.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	// ItemType is the element type when Type is "array".
	ItemType string   `json:"item_type,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

// ToolHandler is the body of a function-backed tool.
type ToolHandler func(ctx context.Context, params map[string]interface{}, agent AgentRef) (interface{}, error)

// ToolDefinition declares a tool by metadata plus handler.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Handler     ToolHandler
}

// FuncTool is a Tool built from a ToolDefinition. Parameters are validated
// against the generated JSON schema before the handler runs.
type FuncTool struct {
	def       ToolDefinition
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// NewTool validates def and compiles its parameter schema.
func NewTool(def ToolDefinition) (*FuncTool, error) {
	if err := validateToolDefinition(def); err != nil {
		return nil, fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := generateSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	return &FuncTool{def: def, schemaMap: schemaMap, schema: schema}, nil
}

// MustTool is NewTool for static definitions; it panics on error.
func MustTool(def ToolDefinition) *FuncTool {
	t, err := NewTool(def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FuncTool) Name() string        { return t.def.Name }
func (t *FuncTool) Description() string { return t.def.Description }

func (t *FuncTool) Schema() map[string]interface{} {
	return t.schemaMap
}

func (t *FuncTool) Execute(ctx context.Context, params map[string]interface{}, agent AgentRef) (interface{}, error) {
	return t.def.Handler(ctx, params, agent)
}

// ValidateParams checks params against the tool's JSON schema.
func (t *FuncTool) ValidateParams(params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if !validParamTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
		if p.ItemType != "" && (p.Type != "array" || !validParamTypes[p.ItemType]) {
			return fmt.Errorf("invalid item type %q for %s", p.ItemType, p.Name)
		}
	}
	return nil
}

func generateSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.ItemType != "" {
			prop["items"] = map[string]interface{}{"type": p.ItemType}
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
