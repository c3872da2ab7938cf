package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/ranya-core/pkg/retry"
)

const defaultMaxOutputTokens = 4096

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider. SDK-level retries
// are disabled; the agent loop owns retry policy.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream issues one streaming Messages call.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system := anthropicSystem(req); len(system) > 0 {
		params.System = system
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)
		defer stream.Close()

		msg := anthropic.Message{}
		var text strings.Builder

		type partialCall struct {
			id   string
			name string
			args strings.Builder
		}
		partials := map[int64]*partialCall{}
		var calls []ToolCall

		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				send(ctx, events, StreamEvent{Type: EventError, Err: fmt.Errorf("failed to accumulate stream: %w", err)})
				return
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					partials[ev.Index] = &partialCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					text.WriteString(delta.Text)
					if !send(ctx, events, StreamEvent{Type: EventTextDelta, Text: delta.Text}) {
						return
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking == "" {
						continue
					}
					if !send(ctx, events, StreamEvent{Type: EventReasoningDelta, Text: delta.Thinking}) {
						return
					}
				case anthropic.InputJSONDelta:
					if pc := partials[ev.Index]; pc != nil {
						pc.args.WriteString(delta.PartialJSON)
					}
				case anthropic.CitationsDelta:
					src := &Source{URL: delta.Citation.URL, Title: delta.Citation.Title}
					if !send(ctx, events, StreamEvent{Type: EventSource, Source: src}) {
						return
					}
				}
			case anthropic.ContentBlockStopEvent:
				pc := partials[ev.Index]
				if pc == nil {
					continue
				}
				delete(partials, ev.Index)
				call := ToolCall{ID: pc.id, Name: pc.name, Arguments: parseArguments(pc.args.String())}
				calls = append(calls, call)
				if !send(ctx, events, StreamEvent{Type: EventToolCall, ToolCall: &call}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, events, StreamEvent{Type: EventError, Err: mapAnthropicError(err)})
			return
		}

		// Blocks that never saw a stop event still count, in index order.
		if len(partials) > 0 {
			indices := make([]int64, 0, len(partials))
			for idx := range partials {
				indices = append(indices, idx)
			}
			sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
			for _, idx := range indices {
				pc := partials[idx]
				call := ToolCall{ID: pc.id, Name: pc.name, Arguments: parseArguments(pc.args.String())}
				calls = append(calls, call)
				if !send(ctx, events, StreamEvent{Type: EventToolCall, ToolCall: &call}) {
					return
				}
			}
		}

		finish := mapAnthropicStopReason(msg.StopReason)
		if len(calls) > 0 {
			finish = FinishToolCalls
		}

		send(ctx, events, StreamEvent{
			Type:         EventFinish,
			FinishReason: finish,
			Usage: Usage{
				InputTokens:      int(msg.Usage.InputTokens),
				OutputTokens:     int(msg.Usage.OutputTokens),
				CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
				CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
			},
			Messages: []Message{{
				Role:      RoleAssistant,
				Content:   text.String(),
				ToolCalls: calls,
			}},
		})
	}()

	return events, nil
}

// anthropicSystem collects the request system prompt and any system-role
// messages into system blocks, carrying their cache breakpoints.
func anthropicSystem(req Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.System != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.System})
	}
	for _, msg := range req.Messages {
		if msg.Role != RoleSystem || msg.Content == "" {
			continue
		}
		block := anthropic.TextBlockParam{Text: msg.Content}
		if msg.CacheBreakpoint {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		role := anthropic.MessageParamRoleUser

		switch msg.Role {
		case RoleSystem:
			continue
		case RoleUser:
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		case RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
		case RoleTool:
			for _, res := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(res.CallID, res.Output.String(), res.Output.IsError()))
			}
		}

		if len(blocks) == 0 {
			continue
		}
		if msg.CacheBreakpoint {
			markAnthropicBreakpoint(blocks[len(blocks)-1])
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return out
}

func markAnthropicBreakpoint(block anthropic.ContentBlockParamUnion) {
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
}

func buildAnthropicTools(schemas []ToolSchema) []anthropic.ToolUnionParam {
	if len(schemas) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		param := anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: s.InputSchema["properties"],
				Required:   requiredFields(s.InputSchema),
			},
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &param})
	}
	return tools
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonToolUse:
		return FinishToolCalls
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return FinishStop
	case anthropic.StopReasonMaxTokens:
		return FinishLength
	default:
		return FinishOther
	}
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	mapped := &retry.APIError{
		Provider:   "anthropic",
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Error(),
		Err:        err,
	}
	if apiErr.Response != nil {
		mapped.Header = apiErr.Response.Header
	}
	return mapped
}

// parseArguments decodes a tool input object. Empty or malformed input
// yields an empty map so the registry can report the validation failure.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
