package agent

import (
	"context"
	"sync"

	"github.com/harun/ranya-core/pkg/llm"
)

// script produces the events of one Stream call.
type script func(ctx context.Context, ch chan<- llm.StreamEvent)

// scriptedProvider replays one script per Stream call and repeats the last
// one once the list runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  []script
	requests []llm.Request
}

func newScriptedProvider(scripts ...script) *scriptedProvider {
	return &scriptedProvider{scripts: scripts}
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	run := p.scripts[idx]

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		run(ctx, ch)
	}()
	return ch, nil
}

func (p *scriptedProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

func send(ctx context.Context, ch chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func textTurn(deltas ...string) script {
	return func(ctx context.Context, ch chan<- llm.StreamEvent) {
		for _, d := range deltas {
			if !send(ctx, ch, llm.StreamEvent{Type: llm.EventTextDelta, Text: d}) {
				return
			}
		}
		send(ctx, ch, llm.StreamEvent{
			Type:         llm.EventFinish,
			FinishReason: llm.FinishStop,
			Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5},
		})
	}
}

func toolTurn(calls ...llm.ToolCall) script {
	return func(ctx context.Context, ch chan<- llm.StreamEvent) {
		for i := range calls {
			if !send(ctx, ch, llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &calls[i]}) {
				return
			}
		}
		send(ctx, ch, llm.StreamEvent{
			Type:         llm.EventFinish,
			FinishReason: llm.FinishToolCalls,
			Usage:        llm.Usage{InputTokens: 20, OutputTokens: 8},
		})
	}
}

func errorTurn(err error) script {
	return func(ctx context.Context, ch chan<- llm.StreamEvent) {
		send(ctx, ch, llm.StreamEvent{Type: llm.EventError, Err: err})
	}
}

// hangingTurn streams deltas and then waits until ctx is done.
func hangingTurn(deltas ...string) script {
	return func(ctx context.Context, ch chan<- llm.StreamEvent) {
		for _, d := range deltas {
			if !send(ctx, ch, llm.StreamEvent{Type: llm.EventTextDelta, Text: d}) {
				return
			}
		}
		<-ctx.Done()
	}
}
