package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/ranya-core/pkg/retry"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"
)

// GeminiProvider streams from the Gemini API.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Stream issues one streaming generate-content call.
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	contents, system := buildGeminiContents(req)
	config := &genai.GenerateContentConfig{
		Tools: buildGeminiTools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)

		var text, reasoning strings.Builder
		var calls []ToolCall
		var usage Usage
		finish := FinishStop

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				send(ctx, events, StreamEvent{Type: EventError, Err: mapGeminiError(err)})
				return
			}

			if resp.UsageMetadata != nil {
				cached := int(resp.UsageMetadata.CachedContentTokenCount)
				usage = Usage{
					InputTokens:     int(resp.UsageMetadata.PromptTokenCount) - cached,
					OutputTokens:    int(resp.UsageMetadata.CandidatesTokenCount),
					CacheReadTokens: cached,
				}
			}
			if len(resp.Candidates) == 0 {
				continue
			}

			candidate := resp.Candidates[0]
			if candidate.FinishReason != "" {
				finish = mapGeminiFinishReason(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + gonanoid.Must(12)
					}
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					call := ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args}
					calls = append(calls, call)
					if !send(ctx, events, StreamEvent{Type: EventToolCall, ToolCall: &call}) {
						return
					}
				case part.Thought && part.Text != "":
					reasoning.WriteString(part.Text)
					if !send(ctx, events, StreamEvent{Type: EventReasoningDelta, Text: part.Text}) {
						return
					}
				case part.Text != "":
					text.WriteString(part.Text)
					if !send(ctx, events, StreamEvent{Type: EventTextDelta, Text: part.Text}) {
						return
					}
				}
			}

			if gm := candidate.GroundingMetadata; gm != nil {
				for _, chunk := range gm.GroundingChunks {
					if chunk == nil || chunk.Web == nil {
						continue
					}
					src := &Source{URL: chunk.Web.URI, Title: chunk.Web.Title}
					if !send(ctx, events, StreamEvent{Type: EventSource, Source: src}) {
						return
					}
				}
			}
		}

		if len(calls) > 0 {
			finish = FinishToolCalls
		}

		send(ctx, events, StreamEvent{
			Type:         EventFinish,
			FinishReason: finish,
			Usage:        usage,
			Messages: []Message{{
				Role:      RoleAssistant,
				Content:   text.String(),
				Reasoning: reasoning.String(),
				ToolCalls: calls,
			}},
		})
	}()

	return events, nil
}

func buildGeminiContents(req Request) ([]*genai.Content, string) {
	var contents []*genai.Content
	systemParts := []string{}
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case RoleTool:
			content := &genai.Content{Role: genai.RoleUser}
			for _, res := range msg.ToolResults {
				key := "output"
				if res.Output.IsError() {
					key = "error"
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       res.CallID,
						Name:     res.ToolName,
						Response: map[string]any{key: res.Output.String()},
					},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		}
	}

	return contents, strings.Join(systemParts, "\n\n")
}

func buildGeminiTools(schemas []ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func mapGeminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	default:
		return FinishOther
	}
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &retry.APIError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &retry.APIError{Provider: "gemini", StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}
	return err
}
