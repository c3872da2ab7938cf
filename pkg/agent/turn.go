package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/ranya-core/pkg/llm"
)

// ErrStreamClosed is returned when a provider closes its stream without a
// finish or error event.
var ErrStreamClosed = errors.New("provider stream closed before finish")

// TurnRequest is the input of one model call.
type TurnRequest struct {
	Provider        llm.Provider
	Model           string
	System          string
	Messages        []llm.Message
	Tools           []llm.ToolSchema
	MaxOutputTokens int
	Temperature     float64
}

// TurnCallbacks receive side effects while a turn streams. Both are optional.
type TurnCallbacks struct {
	OnPart  func(Part)
	OnUsage func(llm.Usage)
}

// TurnResult is what one model call produced.
type TurnResult struct {
	Text         string
	Reasoning    string
	FinishReason string
	ToolCalls    []llm.ToolCall
	// ResponseMessages are the provider's canonical messages for this turn,
	// ready to be appended to the conversation.
	ResponseMessages []llm.Message
	Usage            llm.Usage
	Sources          []llm.Source
}

// ExecuteTurn streams one model response. Errors are returned as they occur
// and never retried; the text received before the error is returned with it.
func ExecuteTurn(ctx context.Context, req TurnRequest, cb TurnCallbacks) (TurnResult, error) {
	if req.Provider == nil {
		return TurnResult{}, ErrNoProvider
	}

	events, err := req.Provider.Stream(ctx, llm.Request{
		Model:           req.Model,
		System:          req.System,
		Messages:        req.Messages,
		Tools:           req.Tools,
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
	})
	if err != nil {
		return TurnResult{}, err
	}

	emit := cb.OnPart
	if emit == nil {
		emit = func(Part) {}
	}

	var (
		result    TurnResult
		text      strings.Builder
		reasoning strings.Builder
		flushC    <-chan time.Time
	)
	buf := newTextBuffer(emit)

	partial := func() TurnResult {
		buf.finish()
		result.Text = text.String()
		result.Reasoning = reasoning.String()
		return result
	}

	for {
		select {
		case <-flushC:
			flushC = nil
			buf.flush()

		case <-ctx.Done():
			return partial(), contextError(ctx)

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return partial(), contextError(ctx)
				}
				return partial(), ErrStreamClosed
			}

			switch ev.Type {
			case llm.EventTextDelta:
				if ev.Text == "" {
					continue
				}
				text.WriteString(ev.Text)
				buf.append(ev.Text)
				if flushC == nil {
					flushC = time.After(buf.nextDelay())
				}

			case llm.EventReasoningDelta:
				if ev.Text == "" {
					continue
				}
				reasoning.WriteString(ev.Text)
				emit(Part{Type: PartReasoning, Text: ev.Text, State: PartStreaming})

			case llm.EventToolCall:
				if ev.ToolCall == nil {
					continue
				}
				buf.flush()
				call := *ev.ToolCall
				result.ToolCalls = append(result.ToolCalls, call)
				emit(Part{Type: PartToolCall, ID: call.ID, ToolCall: &call})

			case llm.EventSource:
				if ev.Source == nil {
					continue
				}
				source := *ev.Source
				result.Sources = append(result.Sources, source)
				emit(Part{Type: PartSource, ID: source.ID, Source: &source})

			case llm.EventError:
				err := ev.Err
				if err == nil {
					err = errors.New("provider stream failed")
				}
				return partial(), err

			case llm.EventFinish:
				out := partial()
				out.FinishReason = ev.FinishReason
				out.Usage = ev.Usage
				out.ResponseMessages = ev.Messages
				if len(out.ResponseMessages) == 0 {
					out.ResponseMessages = []llm.Message{{
						Role:      llm.RoleAssistant,
						Content:   out.Text,
						Reasoning: out.Reasoning,
						ToolCalls: out.ToolCalls,
					}}
				}
				if cb.OnUsage != nil {
					cb.OnUsage(out.Usage)
				}
				return out, nil
			}
		}
	}
}
