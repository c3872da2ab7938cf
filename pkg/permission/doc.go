// Package permission classifies tool calls into auto, approve, or block.
//
// Invariants:
// - Dangerous shell commands are blocked in every mode.
// - Tools from external sources need approval until their source is marked allowed.
// - Mode changes apply to the next evaluation.
//
// Usage:
//
//	classifier := permission.NewClassifier(permission.ModePlan)
//	eval := classifier.Evaluate("Bash", &permission.ToolMeta{Category: permission.CategoryExecute}, map[string]any{"command": "git status"})
//	_ = eval.Decision // permission.DecisionAuto
package permission
