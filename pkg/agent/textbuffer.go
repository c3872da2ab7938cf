package agent

import (
	"strings"
	"time"

	"github.com/harun/ranya-core/pkg/llm"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// FirstFlushDelay is how long the first text delta of a turn is held.
	FirstFlushDelay = 8 * time.Millisecond
	// FlushInterval batches every later delta.
	FlushInterval = 50 * time.Millisecond
	// SplitThreshold is the segment length above which a paragraph split is attempted.
	SplitThreshold = 2000
)

// PartType tags a Part variant.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartToolCall  PartType = "tool-call"
	PartSource    PartType = "source"
)

// PartState reports whether a text segment can still change.
type PartState string

const (
	PartStreaming PartState = "streaming"
	PartDone      PartState = "done"
)

// Part is an incremental update for live display.
//
// Text parts carry the full text of their segment so far; a consumer replaces
// the segment with the same ID on every update. Reasoning parts carry a delta.
type Part struct {
	Type     PartType
	ID       string
	Text     string
	State    PartState
	ToolCall *llm.ToolCall
	Source   *llm.Source
}

// textBuffer accumulates text deltas into segments. It is owned by a single
// goroutine.
type textBuffer struct {
	emit func(Part)

	id      string
	segment string
	dirty   bool
	flushed bool
}

func newTextBuffer(emit func(Part)) *textBuffer {
	return &textBuffer{emit: emit}
}

func (b *textBuffer) append(delta string) {
	if b.id == "" {
		b.id = newPartID()
	}
	b.segment += delta
	b.dirty = true
}

// nextDelay is the wait before the pending text is flushed.
func (b *textBuffer) nextDelay() time.Duration {
	if !b.flushed {
		return FirstFlushDelay
	}
	return FlushInterval
}

// flush emits the pending text, sealing leading segments that grew past
// SplitThreshold.
func (b *textBuffer) flush() {
	if !b.dirty {
		return
	}
	b.dirty = false
	b.flushed = true

	for len(b.segment) > SplitThreshold {
		at := splitPoint(b.segment)
		if at < 0 {
			break
		}
		b.emit(Part{Type: PartText, ID: b.id, Text: b.segment[:at], State: PartDone})
		b.segment = b.segment[at:]
		b.id = newPartID()
	}

	if b.segment != "" {
		b.emit(Part{Type: PartText, ID: b.id, Text: b.segment, State: PartStreaming})
	}
}

// finish flushes and seals the open segment.
func (b *textBuffer) finish() {
	b.flush()
	if b.segment != "" {
		b.emit(Part{Type: PartText, ID: b.id, Text: b.segment, State: PartDone})
	}
	b.id = ""
	b.segment = ""
}

// splitPoint returns the offset just past the last paragraph break of s that
// is outside a fenced code block and leaves text after it, or -1.
func splitPoint(s string) int {
	last := -1
	inFence := false
	lineStart := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' {
			continue
		}
		line := strings.TrimLeft(s[lineStart:i], " \t")
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
		}
		lineStart = i + 1
		if !inFence && i > 0 && i+2 < len(s) && s[i+1] == '\n' {
			last = i + 2
		}
	}
	return last
}

func newPartID() string {
	return "txt_" + gonanoid.Must(12)
}
