package permission

import (
	"fmt"
	"strings"
)

// Mode controls how permissive the classifier is.
type Mode string

const (
	ModePlan Mode = "plan"
	ModeAuto Mode = "auto"
)

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePlan:
		return ModePlan, nil
	case ModeAuto:
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("invalid permission mode: %q (must be plan or auto)", s)
	}
}

// Category describes what a tool does.
type Category string

const (
	CategoryRead        Category = "read"
	CategoryWrite       Category = "write"
	CategoryExecute     Category = "execute"
	CategoryInteractive Category = "interactive"
	CategoryInternal    Category = "internal"
)

// AllCategories returns all valid tool categories
func AllCategories() []Category {
	return []Category{
		CategoryRead,
		CategoryWrite,
		CategoryExecute,
		CategoryInteractive,
		CategoryInternal,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := Category(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// Source describes where a tool comes from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceMCP     Source = "mcp"
	SourceCustom  Source = "custom"
)

// ToolMeta is registry-supplied, read-only tool metadata.
type ToolMeta struct {
	Category Category `json:"category"`
	Source   Source   `json:"source"`
	// Origin names the external source (for example an MCP server) that the
	// allow-set is keyed on. Empty for builtin tools.
	Origin string `json:"origin,omitempty"`
}

// External reports whether the tool comes from outside the builtin set.
func (m ToolMeta) External() bool {
	return m.Source != "" && m.Source != SourceBuiltin
}

// SourceKey is the allow-set key for the tool's source.
func (m ToolMeta) SourceKey() string {
	if m.Origin != "" {
		return m.Origin
	}
	return string(m.Source)
}

// Decision is the classifier outcome.
type Decision string

const (
	DecisionAuto    Decision = "auto"
	DecisionApprove Decision = "approve"
	DecisionBlock   Decision = "block"
)

// Evaluation is the tagged classifier result. Reason is set for DecisionBlock.
type Evaluation struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Auto returns an auto evaluation.
func Auto() Evaluation { return Evaluation{Decision: DecisionAuto} }

// Approve returns an approve evaluation.
func Approve() Evaluation { return Evaluation{Decision: DecisionApprove} }

// Block returns a block evaluation with a reason.
func Block(reason string) Evaluation { return Evaluation{Decision: DecisionBlock, Reason: reason} }
