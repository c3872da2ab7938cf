package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/ranya-core/internal/observability"
	"github.com/harun/ranya-core/internal/tracing"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/promptcache"
	"github.com/harun/ranya-core/pkg/retry"
	"github.com/harun/ranya-core/pkg/telemetry"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "ranya.agent"

	// DefaultMaxTurns bounds a run when LoopConfig.MaxTurns is zero.
	DefaultMaxTurns = 25
	// DefaultRequestTimeout bounds one provider request when LoopConfig.RequestTimeout is zero.
	DefaultRequestTimeout = 10 * time.Minute
)

// ErrNoProvider is returned when a loop or turn has no provider.
var ErrNoProvider = errors.New("provider is required")

// StopReason explains why a run ended.
type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopMaxTurns        StopReason = "max_turns"
	StopAborted         StopReason = "aborted"
	StopContextExceeded StopReason = "context_exceeded"
)

// LoopConfig configures a Loop.
type LoopConfig struct {
	Provider     llm.Provider
	Model        string
	SystemPrompt string
	// Dispatcher runs requested tool calls. Without one, no tools are offered
	// and every call comes back as an error result.
	Dispatcher *toolexecutor.Dispatcher

	MaxTurns        int
	MaxRetries      int
	MaxOutputTokens int
	Temperature     float64
	RequestTimeout  time.Duration

	Telemetry telemetry.Sink
	Logger    zerolog.Logger

	OnPart            func(Part)
	OnUsage           func(llm.Usage)
	OnToolResults     func([]llm.ToolResult)
	OnContextExceeded func(message string)
}

// LoopResult is the outcome of a run. Text is the text of the last turn,
// which is partial when the run was aborted.
type LoopResult struct {
	Text       string
	StopReason StopReason
	Turns      int
	Usage      llm.Usage
	// Messages is the conversation including everything appended by the run.
	Messages []llm.Message
}

// Loop drives turns and tool dispatch until the model stops asking for tools.
type Loop struct {
	cfg       LoopConfig
	telemetry telemetry.Sink
	logger    zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewLoop validates cfg and fills defaults.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.MaxTurns < 0 {
		return nil, fmt.Errorf("max turns cannot be negative")
	}
	if cfg.MaxOutputTokens < 0 {
		return nil, fmt.Errorf("max output tokens cannot be negative")
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &Loop{
		cfg:       cfg,
		telemetry: telemetry.Safe(cfg.Telemetry),
		logger:    cfg.Logger,
		sleep:     sleepContext,
	}, nil
}

// Run executes turns on a copy of messages. Cancelling ctx is a user abort:
// the run stops and returns the text produced so far without an error.
// Errors are returned only for failures the retry policy gives up on.
func (l *Loop) Run(ctx context.Context, messages []llm.Message) (LoopResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.loop",
		attribute.String("provider", l.cfg.Provider.Name()),
		attribute.String("model", l.cfg.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	start := time.Now()
	result := LoopResult{
		Messages: append([]llm.Message(nil), messages...),
	}
	defer func() {
		reason := string(result.StopReason)
		if reason == "" {
			reason = "error"
		}
		observability.RecordAgentRun(reason, result.Turns, time.Since(start))
		span.SetAttributes(
			attribute.String("stop_reason", reason),
			attribute.Int("turns", result.Turns),
		)
	}()

	var tools []llm.ToolSchema
	if l.cfg.Dispatcher != nil {
		tools = l.cfg.Dispatcher.Registry().Schemas()
	}

	for result.Turns < l.cfg.MaxTurns {
		turn, outcome, err := l.runTurn(ctx, result.Messages, tools, result.Turns)
		result.Usage.Add(turn.Usage)
		result.Text = turn.Text

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error().Err(err).Int("turn", result.Turns).Msg("Agent run failed")
			return result, err
		}

		switch {
		case outcome.IsUserAborted:
			if turn.Text != "" {
				result.Messages = append(result.Messages, llm.Message{Role: llm.RoleAssistant, Content: turn.Text})
			}
			result.StopReason = StopAborted
			logger.Info().Int("turn", result.Turns).Msg("Agent run aborted")
			return result, nil

		case outcome.IsContextExceeded:
			result.Text = outcome.ErrorMessage
			result.StopReason = StopContextExceeded
			if l.cfg.OnContextExceeded != nil {
				l.cfg.OnContextExceeded(outcome.ErrorMessage)
			}
			logger.Warn().Int("turn", result.Turns).Msg("Context window exceeded")
			return result, nil
		}

		result.Messages = append(result.Messages, turn.ResponseMessages...)
		result.Turns++

		if turn.FinishReason != llm.FinishToolCalls || len(turn.ToolCalls) == 0 {
			result.StopReason = StopCompleted
			return result, nil
		}

		toolResults := l.dispatch(ctx, turn.ToolCalls)
		if l.cfg.OnToolResults != nil {
			l.cfg.OnToolResults(toolResults)
		}
		result.Messages = append(result.Messages, llm.Message{
			Role:        llm.RoleTool,
			ToolResults: toolResults,
		})
	}

	result.StopReason = StopMaxTurns
	logger.Warn().Int("max_turns", l.cfg.MaxTurns).Msg("Agent run reached max turns")
	return result, nil
}

// runTurn executes one turn, retrying failures the retry policy allows.
// A user abort or context overflow is reported through the returned
// retry.Result with a nil error.
func (l *Loop) runTurn(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, turnIndex int) (TurnResult, retry.Result, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn",
		attribute.Int("turn", turnIndex),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	provider := l.cfg.Provider.Name()
	annotated := promptcache.Annotate(l.cfg.SystemPrompt, messages)
	isUserAbort := func() bool { return ctx.Err() != nil }

	for attempt := 0; ; attempt++ {
		l.telemetry.RequestStarted(provider, l.cfg.Model, turnIndex)
		started := time.Now()

		reqCtx, cancel := withRequestTimeout(ctx, l.cfg.RequestTimeout)
		turn, err := ExecuteTurn(reqCtx, TurnRequest{
			Provider:        l.cfg.Provider,
			Model:           l.cfg.Model,
			Messages:        annotated,
			Tools:           tools,
			MaxOutputTokens: l.cfg.MaxOutputTokens,
			Temperature:     l.cfg.Temperature,
		}, TurnCallbacks{
			OnPart:  l.cfg.OnPart,
			OnUsage: l.cfg.OnUsage,
		})
		cancel()

		if err == nil {
			l.telemetry.ResponseReceived(provider, l.cfg.Model, turn.Usage, time.Since(started))
			span.SetAttributes(attribute.String("finish_reason", turn.FinishReason))
			return turn, retry.Result{}, nil
		}

		decision := retry.Evaluate(err, attempt, retry.Options{
			MaxRetries:  l.cfg.MaxRetries,
			IsUserAbort: isUserAbort,
			Jitter:      l.jitter,
		})
		if decision.IsUserAborted || decision.IsContextExceeded {
			return turn, decision, nil
		}

		if !decision.ShouldRetry {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if attempt > 0 {
				return turn, decision, &retry.ExhaustedError{Attempts: attempt + 1, Err: err}
			}
			return turn, decision, err
		}

		l.telemetry.RetryScheduled(provider, attempt+1, decision.Delay, err)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", decision.Delay).
			Msg("Retrying provider request")

		if err := l.sleep(ctx, decision.Delay); err != nil {
			return turn, retry.Result{IsUserAborted: true}, nil
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	if l.cfg.Dispatcher != nil {
		return l.cfg.Dispatcher.Dispatch(ctx, calls)
	}
	results := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = llm.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Output:   llm.ErrorOutput("tool not found: " + call.Name),
		}
	}
	return results
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
