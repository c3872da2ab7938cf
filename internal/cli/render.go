package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/ranya-core/pkg/agent"
	"github.com/harun/ranya-core/pkg/llm"
)

const maxResultPreview = 200

// renderer prints streamed parts. Text parts carry the whole segment so far;
// only the unseen suffix is written.
type renderer struct {
	out  io.Writer
	info io.Writer

	mu      sync.Mutex
	written map[string]int
	midLine bool
}

func newRenderer(out, info io.Writer) *renderer {
	return &renderer{
		out:     out,
		info:    info,
		written: make(map[string]int),
	}
}

func (r *renderer) part(p agent.Part) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Type {
	case agent.PartText:
		seen := r.written[p.ID]
		if len(p.Text) > seen {
			chunk := p.Text[seen:]
			fmt.Fprint(r.out, chunk)
			r.written[p.ID] = len(p.Text)
			r.midLine = !strings.HasSuffix(chunk, "\n")
		}
		if p.State == agent.PartDone {
			delete(r.written, p.ID)
		}

	case agent.PartReasoning:
		fmt.Fprint(r.info, p.Text)

	case agent.PartToolCall:
		if p.ToolCall == nil {
			return
		}
		r.breakLine()
		fmt.Fprintf(r.info, "-> %s %s\n", p.ToolCall.Name, formatArgs(p.ToolCall.Arguments))

	case agent.PartSource:
		if p.Source == nil {
			return
		}
		r.breakLine()
		fmt.Fprintf(r.info, "[source] %s %s\n", p.Source.Title, p.Source.URL)
	}
}

func (r *renderer) toolResults(results []llm.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakLine()
	for _, res := range results {
		fmt.Fprintf(r.info, "<- %s [%s] %s\n", res.ToolName, res.Output.Kind, preview(res.Output))
	}
}

func (r *renderer) contextExceeded(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakLine()
	fmt.Fprintln(r.info, message)
}

func (r *renderer) summary(result agent.LoopResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakLine()
	fmt.Fprintf(r.info, "[%s after %d turns, %d input / %d output tokens]\n",
		result.StopReason, result.Turns, result.Usage.InputTokens, result.Usage.OutputTokens)
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	out := llm.JSONOutput(args)
	return truncate(strings.TrimSpace(out.String()), maxResultPreview)
}

func preview(out llm.ToolOutput) string {
	return truncate(strings.ReplaceAll(strings.TrimSpace(out.String()), "\n", " "), maxResultPreview)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
