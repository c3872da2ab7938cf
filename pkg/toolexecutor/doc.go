// Package toolexecutor registers tools and dispatches the tool calls of a
// model turn under the session's permission policy.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are schema-validated before a handler runs.
// - Dispatch returns exactly one result per call, in call order.
// - Auto-tier calls finish before the first approval prompt is shown.
// - Handler errors and panics become error-text results; they never abort a turn.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Meta:        permission.ToolMeta{Category: permission.CategoryRead},
//		Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	d, _ := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{Registry: reg, Classifier: classifier})
//	results := d.Dispatch(ctx, calls)
package toolexecutor
