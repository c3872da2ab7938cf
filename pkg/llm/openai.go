package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/ranya-core/pkg/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider streams from the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream issues one streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	messages, err := buildOpenAIMessages(req)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		var text strings.Builder

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				text.WriteString(delta)
				if !send(ctx, events, StreamEvent{Type: EventTextDelta, Text: delta}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, events, StreamEvent{Type: EventError, Err: mapOpenAIError(err)})
			return
		}

		var calls []ToolCall
		finish := FinishStop
		if len(acc.Choices) > 0 {
			choice := acc.Choices[0]
			finish = mapOpenAIFinishReason(choice.FinishReason)
			for _, tc := range choice.Message.ToolCalls {
				call := ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: parseArguments(tc.Function.Arguments),
				}
				calls = append(calls, call)
				if !send(ctx, events, StreamEvent{Type: EventToolCall, ToolCall: &call}) {
					return
				}
			}
		}
		if len(calls) > 0 {
			finish = FinishToolCalls
		}

		cached := int(acc.Usage.PromptTokensDetails.CachedTokens)
		send(ctx, events, StreamEvent{
			Type:         EventFinish,
			FinishReason: finish,
			Usage: Usage{
				InputTokens:     int(acc.Usage.PromptTokens) - cached,
				OutputTokens:    int(acc.Usage.CompletionTokens),
				CacheReadTokens: cached,
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

func buildOpenAIMessages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				messages = append(messages, openai.SystemMessage(msg.Content))
			}
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())
		case RoleTool:
			for _, res := range msg.ToolResults {
				messages = append(messages, openai.ToolMessage(res.Output.String(), res.CallID))
			}
		}
	}

	return messages, nil
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	default:
		return FinishOther
	}
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	mapped := &retry.APIError{
		Provider:   "openai",
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Message,
		Err:        err,
	}
	if mapped.Message == "" {
		mapped.Message = apiErr.Error()
	}
	if apiErr.Response != nil {
		mapped.Header = apiErr.Response.Header
	}
	return mapped
}
