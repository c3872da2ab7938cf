package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/retry"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retrySink struct {
	mu      sync.Mutex
	retries []time.Duration
	started int
}

func (s *retrySink) RequestStarted(string, string, int) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}
func (s *retrySink) ResponseReceived(string, string, llm.Usage, time.Duration) {}
func (s *retrySink) RetryScheduled(_ string, _ int, delay time.Duration, _ error) {
	s.mu.Lock()
	s.retries = append(s.retries, delay)
	s.mu.Unlock()
}
func (s *retrySink) ToolStarted(string)                               {}
func (s *retrySink) ToolFinished(string, llm.OutputKind, time.Duration) {}

func newTestLoop(t *testing.T, cfg LoopConfig) *Loop {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	loop.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return loop
}

func newToolDispatcher(t *testing.T, tools ...toolexecutor.ToolDefinition) *toolexecutor.Dispatcher {
	t.Helper()
	registry := toolexecutor.NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.RegisterTool(tool))
	}
	d, err := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{
		Registry:   registry,
		Classifier: permission.NewClassifier(permission.ModeAuto),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return d
}

func constantTool(name, output string) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        name,
		Description: name + " tool",
		InputSchema: map[string]any{"type": "object"},
		Meta:        permission.ToolMeta{Category: permission.CategoryRead},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return output, nil
		},
	}
}

func userMessages(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestNewLoop_Validation(t *testing.T) {
	_, err := NewLoop(LoopConfig{})
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = NewLoop(LoopConfig{Provider: newScriptedProvider(textTurn("x")), MaxTurns: -1})
	assert.Error(t, err)

	loop, err := NewLoop(LoopConfig{Provider: newScriptedProvider(textTurn("x"))})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, loop.cfg.MaxTurns)
	assert.Equal(t, DefaultRequestTimeout, loop.cfg.RequestTimeout)
}

func TestLoop_CompletesWithoutTools(t *testing.T) {
	provider := newScriptedProvider(textTurn("Hi ", "there"))
	loop := newTestLoop(t, LoopConfig{Provider: provider, Model: "m", SystemPrompt: "be brief"})

	input := userMessages("hello")
	result, err := loop.Run(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, StopCompleted, result.StopReason)
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, "Hi there", result.Text)
	assert.Equal(t, 10, result.Usage.InputTokens)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, llm.RoleAssistant, result.Messages[1].Role)
	assert.Len(t, input, 1)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, llm.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, "be brief", reqs[0].Messages[0].Content)
	assert.True(t, reqs[0].Messages[0].CacheBreakpoint)
	assert.True(t, reqs[0].Messages[1].CacheBreakpoint)
	assert.False(t, input[0].CacheBreakpoint)
}

func TestLoop_DispatchesToolsAndContinues(t *testing.T) {
	provider := newScriptedProvider(
		toolTurn(
			llm.ToolCall{ID: "call_1", Name: "Read", Arguments: map[string]any{}},
			llm.ToolCall{ID: "call_2", Name: "Glob", Arguments: map[string]any{}},
		),
		textTurn("All done"),
	)
	var reported []llm.ToolResult
	loop := newTestLoop(t, LoopConfig{
		Provider:      provider,
		Dispatcher:    newToolDispatcher(t, constantTool("Read", "file body"), constantTool("Glob", "a.go")),
		OnToolResults: func(results []llm.ToolResult) { reported = results },
	})

	result, err := loop.Run(context.Background(), userMessages("look around"))

	require.NoError(t, err)
	assert.Equal(t, StopCompleted, result.StopReason)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, "All done", result.Text)
	assert.Equal(t, 30, result.Usage.InputTokens)

	require.Len(t, result.Messages, 4)
	assert.Equal(t, llm.RoleAssistant, result.Messages[1].Role)
	assert.Len(t, result.Messages[1].ToolCalls, 2)

	toolMsg := result.Messages[2]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.ToolResults, 2)
	assert.Equal(t, "call_1", toolMsg.ToolResults[0].CallID)
	assert.Equal(t, llm.TextOutput("file body"), toolMsg.ToolResults[0].Output)
	assert.Equal(t, "call_2", toolMsg.ToolResults[1].CallID)
	assert.Equal(t, toolMsg.ToolResults, reported)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 2)
	assert.Len(t, reqs[1].Messages, 4, "second turn sees system, user, assistant and tool messages")
}

func TestLoop_MaxTurnsStopsWithoutError(t *testing.T) {
	provider := newScriptedProvider(toolTurn(llm.ToolCall{ID: "call", Name: "Read", Arguments: map[string]any{}}))
	loop := newTestLoop(t, LoopConfig{
		Provider:   provider,
		Dispatcher: newToolDispatcher(t, constantTool("Read", "again")),
		MaxTurns:   3,
	})

	result, err := loop.Run(context.Background(), userMessages("loop forever"))

	require.NoError(t, err)
	assert.Equal(t, StopMaxTurns, result.StopReason)
	assert.Equal(t, 3, result.Turns)
	assert.Len(t, provider.Requests(), 3)
}

func TestLoop_UnknownToolWithoutDispatcher(t *testing.T) {
	provider := newScriptedProvider(
		toolTurn(llm.ToolCall{ID: "call", Name: "Missing", Arguments: map[string]any{}}),
		textTurn("ok"),
	)
	loop := newTestLoop(t, LoopConfig{Provider: provider})

	result, err := loop.Run(context.Background(), userMessages("go"))

	require.NoError(t, err)
	require.Len(t, result.Messages, 4)
	out := result.Messages[2].ToolResults[0].Output
	assert.Equal(t, llm.OutputError, out.Kind)
	assert.Contains(t, out.Text, "tool not found")
}

func TestLoop_RetriesTransientErrors(t *testing.T) {
	provider := newScriptedProvider(
		errorTurn(&retry.APIError{Provider: "fake", StatusCode: http.StatusTooManyRequests, Message: "slow down"}),
		textTurn("recovered"),
	)
	sink := &retrySink{}
	loop := newTestLoop(t, LoopConfig{Provider: provider, Telemetry: sink})

	result, err := loop.Run(context.Background(), userMessages("hi"))

	require.NoError(t, err)
	assert.Equal(t, StopCompleted, result.StopReason)
	assert.Equal(t, "recovered", result.Text)
	assert.Len(t, provider.Requests(), 2)
	require.Len(t, sink.retries, 1)
	assert.Greater(t, sink.retries[0], time.Duration(0))
	assert.Equal(t, 2, sink.started)
}

func TestLoop_RetriesExhausted(t *testing.T) {
	provider := newScriptedProvider(errorTurn(&retry.APIError{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}))
	loop := newTestLoop(t, LoopConfig{Provider: provider, MaxRetries: 2})

	_, err := loop.Run(context.Background(), userMessages("hi"))

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Len(t, provider.Requests(), 3)
}

func TestLoop_NonRetryableErrorPropagates(t *testing.T) {
	provider := newScriptedProvider(errorTurn(&retry.APIError{StatusCode: http.StatusUnauthorized, Message: "bad key"}))
	loop := newTestLoop(t, LoopConfig{Provider: provider})

	_, err := loop.Run(context.Background(), userMessages("hi"))

	var apiErr *retry.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	var exhausted *retry.ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Len(t, provider.Requests(), 1)
}

func TestLoop_ContextExceeded(t *testing.T) {
	provider := newScriptedProvider(errorTurn(&retry.APIError{StatusCode: http.StatusBadRequest, Message: "prompt is too long: 210000 tokens"}))
	var notified string
	loop := newTestLoop(t, LoopConfig{
		Provider:          provider,
		OnContextExceeded: func(msg string) { notified = msg },
	})

	result, err := loop.Run(context.Background(), userMessages("huge"))

	require.NoError(t, err)
	assert.Equal(t, StopContextExceeded, result.StopReason)
	assert.Equal(t, retry.ContextExceededMessage, result.Text)
	assert.Equal(t, retry.ContextExceededMessage, notified)
	assert.Len(t, provider.Requests(), 1)
}

func TestLoop_UserAbortReturnsPartialText(t *testing.T) {
	ctx, abort := WithAbort(context.Background())
	defer abort()

	provider := newScriptedProvider(hangingTurn("partial answer"))
	loop := newTestLoop(t, LoopConfig{
		Provider: provider,
		OnPart: func(p Part) {
			if p.Type == PartText {
				abort()
			}
		},
	})

	result, err := loop.Run(ctx, userMessages("hi"))

	require.NoError(t, err)
	assert.Equal(t, StopAborted, result.StopReason)
	assert.Equal(t, "partial answer", result.Text)
	assert.Equal(t, 0, result.Turns)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, "partial answer", result.Messages[1].Content)
	assert.Len(t, provider.Requests(), 1)
}

func TestLoop_RequestTimeoutIsRetried(t *testing.T) {
	provider := newScriptedProvider(hangingTurn("slow"), textTurn("fast"))
	loop := newTestLoop(t, LoopConfig{Provider: provider, RequestTimeout: 20 * time.Millisecond})

	result, err := loop.Run(context.Background(), userMessages("hi"))

	require.NoError(t, err)
	assert.Equal(t, StopCompleted, result.StopReason)
	assert.Equal(t, "fast", result.Text)
	assert.Len(t, provider.Requests(), 2)
}

func TestLoop_AbortDuringBackoff(t *testing.T) {
	ctx, abort := WithAbort(context.Background())
	defer abort()

	provider := newScriptedProvider(errorTurn(&retry.APIError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}))
	loop := newTestLoop(t, LoopConfig{Provider: provider})
	loop.sleep = func(ctx context.Context, d time.Duration) error {
		abort()
		return ctx.Err()
	}

	result, err := loop.Run(ctx, userMessages("hi"))

	require.NoError(t, err)
	assert.Equal(t, StopAborted, result.StopReason)
	assert.Len(t, provider.Requests(), 1)
}
