package llm

import (
	"context"
	"fmt"
)

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventSource         EventType = "source"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// StreamEvent is one item of a provider event stream. Only the fields
// belonging to Type are populated.
type StreamEvent struct {
	Type EventType

	Text     string
	ToolCall *ToolCall
	Source   *Source

	FinishReason string
	Usage        Usage
	// Messages holds the provider's canonical response messages on finish.
	Messages []Message

	Err error
}

// Provider is a streaming model provider.
//
// Stream returns a channel that yields events in order and is closed by the
// provider once a finish or error event has been sent, or ctx is done.
// Tool call ids are unique within one stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// ProviderConfig selects and configures a provider implementation.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
}

// NewProvider creates a provider by name.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
	case "gemini":
		p, err := NewGeminiProvider(context.Background(), cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Name)
	}
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
