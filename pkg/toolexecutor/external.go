package toolexecutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/ranya-core/pkg/permission"
)

// ExternalTool describes a tool exposed by an external source such as an MCP
// server.
type ExternalTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Category    permission.Category
}

// ExternalSource lists and invokes tools owned by something outside the
// process. The registry never talks to the source beyond these two calls.
type ExternalSource interface {
	ListTools(ctx context.Context) ([]ExternalTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (interface{}, error)
}

// RegisterExternal registers every tool of src under origin. A name that
// collides with an existing tool is prefixed with the origin. Tools without
// a category are treated as execute.
func (r *Registry) RegisterExternal(ctx context.Context, source permission.Source, origin string, src ExternalSource) ([]string, error) {
	if strings.TrimSpace(origin) == "" {
		return nil, fmt.Errorf("external source origin is required")
	}
	if src == nil {
		return nil, fmt.Errorf("external source is required")
	}
	if source == "" || source == permission.SourceBuiltin {
		source = permission.SourceMCP
	}

	tools, err := src.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tools: %w", origin, err)
	}

	registered := make([]string, 0, len(tools))
	for _, tool := range tools {
		originalName := tool.Name
		if originalName == "" {
			continue
		}

		name := originalName
		if r.GetTool(name) != nil {
			name = fmt.Sprintf("%s_%s", origin, originalName)
		}

		category := tool.Category
		if category == "" {
			category = permission.CategoryExecute
		}
		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("%s tool from %s", originalName, origin)
		}
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		def := ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: schema,
			Meta: permission.ToolMeta{
				Category: category,
				Source:   source,
				Origin:   origin,
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return src.CallTool(ctx, originalName, params)
			},
		}
		if err := r.RegisterTool(def); err != nil {
			return registered, fmt.Errorf("failed to register %s tool %s: %w", origin, name, err)
		}
		registered = append(registered, name)
	}

	return registered, nil
}
