package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/ranya-core/internal/observability"
	"github.com/harun/ranya-core/internal/tracing"
	"github.com/harun/ranya-core/pkg/commandqueue"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/telemetry"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Settings are the per-run model parameters shared by every session.
type Settings struct {
	Model           string
	SystemPrompt    string
	MaxTurns        int
	MaxRetries      int
	MaxOutputTokens int
	Temperature     float64
	RequestTimeout  time.Duration
}

// HistoryStore persists session conversations across processes.
type HistoryStore interface {
	Load(ctx context.Context, sessionKey string) ([]llm.Message, error)
	Append(ctx context.Context, sessionKey string, messages ...llm.Message) error
	Delete(ctx context.Context, sessionKey string) error
}

// Config holds runner configuration
type Config struct {
	Provider llm.Provider
	// Dispatcher serves every session; each run uses its ForSession
	// dispatcher, which keeps the session's own source allow-set.
	Dispatcher   *toolexecutor.Dispatcher
	CommandQueue *commandqueue.CommandQueue
	// Store is optional. Without it history lives only in memory.
	Store     HistoryStore
	Telemetry telemetry.Sink
	Logger    zerolog.Logger
	Settings  Settings
}

// RunParams describes one prompt submitted to a session.
type RunParams struct {
	SessionKey string
	Prompt     string

	OnPart            func(Part)
	OnToolResults     func([]llm.ToolResult)
	OnContextExceeded func(message string)
}

// Runner serializes runs per session and carries each session's
// conversation from one run to the next.
type Runner struct {
	provider     llm.Provider
	dispatcher   *toolexecutor.Dispatcher
	commandQueue *commandqueue.CommandQueue
	store        HistoryStore
	telemetry    telemetry.Sink
	logger       zerolog.Logger
	settings     Settings

	// Active runs for abort capability
	activeRuns map[string]func()
	runsMu     sync.RWMutex

	history   map[string][]llm.Message
	historyMu sync.RWMutex
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.CommandQueue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if err := validateSettings(cfg.Settings); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	return &Runner{
		provider:     cfg.Provider,
		dispatcher:   cfg.Dispatcher,
		commandQueue: cfg.CommandQueue,
		store:        cfg.Store,
		telemetry:    telemetry.Safe(cfg.Telemetry),
		logger:       cfg.Logger,
		settings:     cfg.Settings,
		activeRuns:   make(map[string]func()),
		history:      make(map[string][]llm.Message),
	}, nil
}

func validateSettings(s Settings) error {
	if s.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if s.MaxTurns < 0 {
		return fmt.Errorf("max turns cannot be negative")
	}
	if s.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens cannot be negative")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// Run queues the prompt on the session's lane and waits for the run to
// finish. Cancelling ctx or calling Abort stops the run as a user abort.
func (r *Runner) Run(ctx context.Context, params RunParams) (LoopResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(params.SessionKey) == "" {
		return LoopResult{}, fmt.Errorf("session key cannot be empty")
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return LoopResult{}, fmt.Errorf("prompt cannot be empty")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.run",
		attribute.String("session_key", params.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	lane := fmt.Sprintf("session-%s", params.SessionKey)
	value, err := r.commandQueue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return r.execute(taskCtx, params)
	}, &commandqueue.TaskOptions{WarnAfter: 30 * time.Second})

	if err != nil {
		logger.Error().Err(err).Msg("Agent run failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if result, ok := value.(LoopResult); ok {
			return result, err
		}
		return LoopResult{}, err
	}

	return value.(LoopResult), nil
}

func (r *Runner) execute(ctx context.Context, params RunParams) (LoopResult, error) {
	ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	logger := tracing.LoggerFromContext(ctx, r.logger)

	runCtx, abort := WithAbort(ctx)
	defer abort()

	r.runsMu.Lock()
	r.activeRuns[params.SessionKey] = abort
	observability.SetActiveRuns(len(r.activeRuns))
	r.runsMu.Unlock()

	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, params.SessionKey)
		observability.SetActiveRuns(len(r.activeRuns))
		r.runsMu.Unlock()
	}()

	var dispatcher *toolexecutor.Dispatcher
	if r.dispatcher != nil {
		dispatcher = r.dispatcher.ForSession(params.SessionKey)
	}

	loop, err := NewLoop(LoopConfig{
		Provider:          r.provider,
		Model:             r.settings.Model,
		SystemPrompt:      r.settings.SystemPrompt,
		Dispatcher:        dispatcher,
		MaxTurns:          r.settings.MaxTurns,
		MaxRetries:        r.settings.MaxRetries,
		MaxOutputTokens:   r.settings.MaxOutputTokens,
		Temperature:       r.settings.Temperature,
		RequestTimeout:    r.settings.RequestTimeout,
		Telemetry:         r.telemetry,
		Logger:            logger,
		OnPart:            params.OnPart,
		OnToolResults:     params.OnToolResults,
		OnContextExceeded: params.OnContextExceeded,
	})
	if err != nil {
		return LoopResult{}, err
	}

	history, err := r.loadHistory(ctx, params.SessionKey)
	if err != nil {
		return LoopResult{}, err
	}
	messages := append(history, llm.Message{
		Role:    llm.RoleUser,
		Content: params.Prompt,
	})

	logger.Info().Int("history", len(history)).Msg("Agent run started")
	result, err := loop.Run(runCtx, messages)
	if err != nil {
		return result, err
	}

	r.historyMu.Lock()
	r.history[params.SessionKey] = result.Messages
	r.historyMu.Unlock()

	if r.store != nil && len(result.Messages) > len(history) {
		// The run's own context may be aborted; the transcript is still written.
		if err := r.store.Append(context.WithoutCancel(ctx), params.SessionKey, result.Messages[len(history):]...); err != nil {
			logger.Error().Err(err).Msg("Failed to persist session transcript")
		}
	}

	logger.Info().
		Str("stop_reason", string(result.StopReason)).
		Int("turns", result.Turns).
		Int("input_tokens", result.Usage.InputTokens).
		Int("output_tokens", result.Usage.OutputTokens).
		Msg("Agent run finished")
	return result, nil
}

// loadHistory prefers the in-memory conversation and falls back to the store
// the first time a session is seen by this process.
func (r *Runner) loadHistory(ctx context.Context, sessionKey string) ([]llm.Message, error) {
	r.historyMu.RLock()
	history, ok := r.history[sessionKey]
	r.historyMu.RUnlock()
	if ok || r.store == nil {
		return append([]llm.Message(nil), history...), nil
	}

	stored, err := r.store.Load(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return stored, nil
}

// Abort cancels the session's running agent execution. It reports whether
// a run was active.
func (r *Runner) Abort(sessionKey string) bool {
	r.runsMu.RLock()
	abort, exists := r.activeRuns[sessionKey]
	r.runsMu.RUnlock()

	if !exists {
		r.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return false
	}

	r.logger.Info().Str("session_key", sessionKey).Msg("Aborting agent execution")
	abort()
	return true
}

// IsRunning checks if an agent is currently running for a session
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionKey]
	return exists
}

// History returns a copy of the session's conversation.
func (r *Runner) History(sessionKey string) []llm.Message {
	r.historyMu.RLock()
	defer r.historyMu.RUnlock()
	return append([]llm.Message(nil), r.history[sessionKey]...)
}

// ResetSession forgets the session's conversation, including its stored
// transcript.
func (r *Runner) ResetSession(ctx context.Context, sessionKey string) error {
	r.historyMu.Lock()
	delete(r.history, sessionKey)
	r.historyMu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.Delete(ctx, sessionKey)
}
