// Package telemetry defines fire-and-forget notifications emitted by the agent core.
package telemetry

import (
	"time"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/rs/zerolog/log"
)

// Sink receives notifications. Implementations must not block.
type Sink interface {
	RequestStarted(provider, model string, turn int)
	ResponseReceived(provider, model string, usage llm.Usage, duration time.Duration)
	RetryScheduled(provider string, attempt int, delay time.Duration, err error)
	ToolStarted(tool string)
	ToolFinished(tool string, outcome llm.OutputKind, duration time.Duration)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) RequestStarted(string, string, int)                        {}
func (Nop) ResponseReceived(string, string, llm.Usage, time.Duration) {}
func (Nop) RetryScheduled(string, int, time.Duration, error)          {}
func (Nop) ToolStarted(string)                                        {}
func (Nop) ToolFinished(string, llm.OutputKind, time.Duration)        {}

// Safe wraps a sink so a panicking implementation never reaches the caller.
func Safe(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	if _, ok := s.(safeSink); ok {
		return s
	}
	return safeSink{inner: s}
}

type safeSink struct {
	inner Sink
}

func guard(name string) {
	if r := recover(); r != nil {
		log.Warn().Str("notification", name).Interface("panic", r).Msg("Telemetry sink panicked")
	}
}

func (s safeSink) RequestStarted(provider, model string, turn int) {
	defer guard("request_started")
	s.inner.RequestStarted(provider, model, turn)
}

func (s safeSink) ResponseReceived(provider, model string, usage llm.Usage, duration time.Duration) {
	defer guard("response_received")
	s.inner.ResponseReceived(provider, model, usage, duration)
}

func (s safeSink) RetryScheduled(provider string, attempt int, delay time.Duration, err error) {
	defer guard("retry_scheduled")
	s.inner.RetryScheduled(provider, attempt, delay, err)
}

func (s safeSink) ToolStarted(tool string) {
	defer guard("tool_started")
	s.inner.ToolStarted(tool)
}

func (s safeSink) ToolFinished(tool string, outcome llm.OutputKind, duration time.Duration) {
	defer guard("tool_finished")
	s.inner.ToolFinished(tool, outcome, duration)
}
