package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ErrToolNotFound is returned for names missing from the registry.
var ErrToolNotFound = errors.New("tool not found")

// maxOutputSize bounds text results handed back to the model.
const maxOutputSize = 10 * 1024

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
	// InputSchema is a raw JSON schema used instead of Parameters, for tools
	// whose schema comes from elsewhere (for example an MCP server).
	InputSchema map[string]any      `json:"input_schema,omitempty"`
	Meta        permission.ToolMeta `json:"meta"`
	Handler     ToolHandler         `json:"-"`
}

// ToolHandler is the function signature for tool execution. A handler may
// return a string, an llm.ToolOutput, or any JSON-serializable value.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Registry holds tool definitions and their compiled schemas. Safe for
// concurrent reads during dispatch.
type Registry struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	inputs  map[string]map[string]any
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		inputs:  make(map[string]map[string]any),
	}
}

// RegisterTool registers a new tool
func (r *Registry) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Meta.Source == "" {
		def.Meta.Source = permission.SourceBuiltin
	}

	schemaMap := def.InputSchema
	if schemaMap == nil {
		schemaMap = schemaFromParameters(def.Parameters)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	r.inputs[def.Name] = schemaMap

	log.Info().
		Str("tool", def.Name).
		Str("category", string(def.Meta.Category)).
		Str("source", string(def.Meta.Source)).
		Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (r *Registry) UnregisterTool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)
	delete(r.inputs, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name, or nil.
func (r *Registry) GetTool(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// Meta returns the permission metadata of a tool, or nil when unknown.
func (r *Registry) Meta(name string) *permission.ToolMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool := r.tools[name]
	if tool == nil {
		return nil
	}
	meta := tool.Meta
	return &meta
}

// ListTools returns all registered tool names in sorted order
func (r *Registry) ListTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]string, 0, len(r.tools))
	for name := range r.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// Schemas describes every registered tool to a provider, sorted by name.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for name, tool := range r.tools {
		schemas = append(schemas, llm.ToolSchema{
			Name:        name,
			Description: tool.Description,
			InputSchema: r.inputs[name],
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })

	return schemas
}

// Validate checks params against the tool's schema.
func (r *Registry) Validate(name string, params map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return validateParameters(schema, params)
}

// validateToolDefinition validates a tool definition
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
	if def.Meta.Category != "" && !permission.IsValidCategory(string(def.Meta.Category)) {
		return fmt.Errorf("invalid category: %s", def.Meta.Category)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// schemaFromParameters builds a JSON schema object from tool parameters
func schemaFromParameters(params []ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// toOutput converts a handler return value into a tool output.
func toOutput(value interface{}) llm.ToolOutput {
	switch v := value.(type) {
	case nil:
		return llm.TextOutput("")
	case llm.ToolOutput:
		return v
	case string:
		return llm.TextOutput(v)
	case []byte:
		return llm.TextOutput(string(v))
	default:
		return llm.JSONOutput(v)
	}
}

// truncateOutput bounds text, error and JSON output to maxOutputSize bytes.
// Oversized JSON is rendered and cut as text. The cut never splits a rune.
func truncateOutput(out llm.ToolOutput) (llm.ToolOutput, bool) {
	switch out.Kind {
	case llm.OutputText, llm.OutputError:
	case llm.OutputJSON:
		rendered := out.String()
		if len(rendered) <= maxOutputSize {
			return out, false
		}
		out = llm.TextOutput(rendered)
	default:
		return out, false
	}
	if len(out.Text) <= maxOutputSize {
		return out, false
	}

	cut := maxOutputSize
	for cut > 0 && !utf8.RuneStart(out.Text[cut]) {
		cut--
	}

	log.Warn().
		Int("original", len(out.Text)).
		Int("truncated", cut).
		Msg("Output truncated")

	out.Text = out.Text[:cut] + "\n... [output truncated]"
	return out, true
}
