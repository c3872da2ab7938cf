package llm

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a provider-neutral conversation entry.
// Once appended to a conversation it is treated as immutable.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// CacheBreakpoint marks the end of a reusable prompt prefix.
	CacheBreakpoint bool `json:"cache_breakpoint,omitempty"`
}

// ToolCall is a model-requested invocation of a registered tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// OutputKind enumerates the closed set of tool output variants.
type OutputKind string

const (
	OutputText   OutputKind = "text"
	OutputJSON   OutputKind = "json"
	OutputError  OutputKind = "error-text"
	OutputDenied OutputKind = "execution-denied"
)

// ToolOutput holds exactly one of the output variants, selected by Kind.
type ToolOutput struct {
	Kind   OutputKind `json:"type"`
	Text   string     `json:"text,omitempty"`
	Value  any        `json:"value,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// TextOutput creates a plain text output.
func TextOutput(text string) ToolOutput {
	return ToolOutput{Kind: OutputText, Text: text}
}

// JSONOutput creates a structured output.
func JSONOutput(value any) ToolOutput {
	return ToolOutput{Kind: OutputJSON, Value: value}
}

// ErrorOutput creates an error-text output.
func ErrorOutput(text string) ToolOutput {
	return ToolOutput{Kind: OutputError, Text: text}
}

// DeniedOutput creates an execution-denied output.
func DeniedOutput(reason string) ToolOutput {
	return ToolOutput{Kind: OutputDenied, Reason: reason}
}

// IsError reports whether the output represents a failed or denied call.
func (o ToolOutput) IsError() bool {
	return o.Kind == OutputError || o.Kind == OutputDenied
}

// String renders the output as text suitable for a provider tool-result block.
func (o ToolOutput) String() string {
	switch o.Kind {
	case OutputText, OutputError:
		return o.Text
	case OutputJSON:
		data, err := json.Marshal(o.Value)
		if err != nil {
			return fmt.Sprintf("%v", o.Value)
		}
		return string(data)
	case OutputDenied:
		if o.Reason == "" {
			return "Tool execution denied"
		}
		return "Tool execution denied: " + o.Reason
	default:
		return o.Text
	}
}

// ToolResult is the outcome of exactly one ToolCall.
type ToolResult struct {
	CallID   string     `json:"call_id"`
	ToolName string     `json:"tool_name"`
	Output   ToolOutput `json:"output"`
}

// Usage tracks token consumption for one provider response.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Source is a citation emitted by the provider.
type Source struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// ToolSchema describes a tool to the provider.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// FinishReason values reported by providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
	FinishOther     = "other"
)

// Request is a single streaming model call.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolSchema
	MaxOutputTokens int
	Temperature     float64
}
