package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harun/ranya-core/internal/tracing"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "ranya.toolexecutor"

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry   *Registry
	Classifier *permission.Classifier
	// Hooks is optional.
	Hooks HookBridge
	// Approver resolves approve-tier calls. When nil, such calls are denied
	// unless a permission hook allows them.
	Approver   ApprovalResponder
	Telemetry  telemetry.Sink
	Logger     zerolog.Logger
	SessionKey string
	WorkingDir string
}

// Dispatcher executes the tool calls of one turn. Auto calls run
// concurrently; approve calls then run one at a time in call order.
type Dispatcher struct {
	registry   *Registry
	classifier *permission.Classifier
	hooks      HookBridge
	approver   ApprovalResponder
	telemetry  telemetry.Sink
	logger     zerolog.Logger
	sessionKey string
	workingDir string

	// root owns the per-session copies; it is nil on the root itself.
	root       *Dispatcher
	sessionsMu sync.Mutex
	sessions   map[string]*Dispatcher
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("permission classifier is required")
	}

	return &Dispatcher{
		registry:   cfg.Registry,
		classifier: cfg.Classifier,
		hooks:      cfg.Hooks,
		approver:   cfg.Approver,
		telemetry:  telemetry.Safe(cfg.Telemetry),
		logger:     cfg.Logger,
		sessionKey: cfg.SessionKey,
		workingDir: cfg.WorkingDir,
	}, nil
}

// ForSession returns the dispatcher for sessionKey. It shares d's registry,
// hooks, approver and telemetry, stamps sessionKey on execution contexts and
// keeps its own classifier allow-set, forked from d's on first use. Repeated
// calls with the same key return the same dispatcher.
func (d *Dispatcher) ForSession(sessionKey string) *Dispatcher {
	if sessionKey == d.sessionKey {
		return d
	}
	root := d
	if d.root != nil {
		root = d.root
		if sessionKey == root.sessionKey {
			return root
		}
	}

	root.sessionsMu.Lock()
	defer root.sessionsMu.Unlock()
	if s, ok := root.sessions[sessionKey]; ok {
		return s
	}
	if root.sessions == nil {
		root.sessions = make(map[string]*Dispatcher)
	}
	s := &Dispatcher{
		registry:   root.registry,
		classifier: root.classifier.Fork(),
		hooks:      root.hooks,
		approver:   root.approver,
		telemetry:  root.telemetry,
		logger:     root.logger,
		sessionKey: sessionKey,
		workingDir: root.workingDir,
		root:       root,
	}
	root.sessions[sessionKey] = s
	return s
}

// SessionKey returns the session stamped on execution contexts.
func (d *Dispatcher) SessionKey() string {
	return d.sessionKey
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs calls and returns exactly one result per call, in call order.
// Handler failures, denials and unknown tools become results, never errors.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	logger := tracing.LoggerFromContext(ctx, d.logger)

	var auto, approve []int
	for i, call := range calls {
		meta := d.registry.Meta(call.Name)
		if meta == nil {
			logger.Warn().Str("tool", call.Name).Str("call_id", call.ID).Msg("Tool not found")
			results[i] = d.reject(call, llm.ErrorOutput(fmt.Sprintf("%s: %s", ErrToolNotFound, call.Name)))
			continue
		}

		eval := d.classifier.Evaluate(call.Name, meta, call.Arguments)
		switch eval.Decision {
		case permission.DecisionBlock:
			logger.Info().Str("tool", call.Name).Str("call_id", call.ID).Str("reason", eval.Reason).Msg("Tool call blocked")
			results[i] = d.reject(call, llm.DeniedOutput(eval.Reason))
		case permission.DecisionAuto:
			auto = append(auto, i)
		default:
			approve = append(approve, i)
		}
	}

	logger.Debug().
		Int("calls", len(calls)).
		Int("auto", len(auto)).
		Int("approve", len(approve)).
		Msg("Dispatching tool calls")

	// The auto batch completes before any approval prompt is shown. Calls a
	// pre-execution hook escalates join the serial approval pass.
	escalated := make([]bool, len(calls))
	var wg conc.WaitGroup
	for _, idx := range auto {
		wg.Go(func() {
			results[idx], escalated[idx] = d.execute(ctx, calls[idx], stageAuto)
		})
	}
	wg.Wait()

	stages := make(map[int]stage, len(approve))
	for _, idx := range approve {
		stages[idx] = stageApproval
	}
	for _, idx := range auto {
		if escalated[idx] {
			stages[idx] = stageEscalated
			approve = append(approve, idx)
		}
	}
	sort.Ints(approve)

	for _, idx := range approve {
		results[idx], _ = d.execute(ctx, calls[idx], stages[idx])
	}

	return results
}

// stage says how far a call has progressed through classification and hooks.
type stage int

const (
	// stageAuto runs concurrently; a pre-hook "ask" defers the call.
	stageAuto stage = iota
	// stageApproval needs approval after the pre-hook.
	stageApproval
	// stageEscalated already had its pre-hook ask for approval.
	stageEscalated
)

// reject reports a call that is answered without running.
func (d *Dispatcher) reject(call llm.ToolCall, output llm.ToolOutput) llm.ToolResult {
	d.telemetry.ToolStarted(call.Name)
	d.telemetry.ToolFinished(call.Name, output.Kind, 0)
	return resultFor(call, output)
}

// execute runs one call through hooks, approval and its handler. It reports
// deferred when an auto-stage call was escalated and has not run.
func (d *Dispatcher) execute(ctx context.Context, call llm.ToolCall, st stage) (result llm.ToolResult, deferred bool) {
	ctx, span := tracing.StartSpan(tracing.WithToolCallID(ctx, call.ID), tracerName, "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger).With().Str("tool", call.Name).Logger()

	tool := d.registry.GetTool(call.Name)
	if tool == nil {
		return d.reject(call, llm.ErrorOutput(fmt.Sprintf("%s: %s", ErrToolNotFound, call.Name))), false
	}
	meta := tool.Meta

	needsApproval := st != stageAuto
	var before BeforeDecision
	if d.hooks != nil && st != stageEscalated {
		var err error
		before, err = d.hooks.BeforeExecute(ctx, call, meta)
		if err != nil {
			logger.Warn().Err(err).Msg("Pre-execution hook failed")
		}
		if before.Action == HookAsk && st == stageAuto {
			logger.Debug().Msg("Pre-execution hook requested approval")
			span.SetAttributes(attribute.Bool("escalated", true))
			return llm.ToolResult{}, true
		}
	}

	start := time.Now()
	d.telemetry.ToolStarted(call.Name)
	defer func() {
		d.telemetry.ToolFinished(call.Name, result.Output.Kind, time.Since(start))
		if result.Output.IsError() {
			span.SetStatus(codes.Error, string(result.Output.Kind))
		}
	}()

	switch before.Action {
	case HookDeny:
		logger.Info().Str("reason", before.Reason).Msg("Tool call denied by hook")
		return resultFor(call, llm.DeniedOutput(before.Reason)), false
	case HookAsk:
		needsApproval = true
	case HookAllow:
		if before.Input != nil {
			call.Arguments = before.Input
		}
	}

	if needsApproval {
		approved, reason, input := d.approve(ctx, call, meta, logger)
		if !approved {
			return resultFor(call, llm.DeniedOutput(reason)), false
		}
		if input != nil {
			call.Arguments = input
		}
	}

	output := d.invoke(ctx, tool, call, logger)

	if d.hooks != nil {
		after, err := d.hooks.AfterExecute(ctx, call, output)
		if err != nil {
			logger.Warn().Err(err).Msg("Post-execution hook failed")
		}
		if after.Feedback != "" {
			output = appendFeedback(output, after.Feedback)
		}
	}

	logger.Debug().
		Str("outcome", string(output.Kind)).
		Dur("duration", time.Since(start)).
		Msg("Tool execution completed")

	return resultFor(call, output), false
}

// approve resolves an approve-tier call. The permission hook is consulted
// first; when it has no opinion the approval responder decides.
func (d *Dispatcher) approve(ctx context.Context, call llm.ToolCall, meta permission.ToolMeta, logger zerolog.Logger) (bool, string, map[string]any) {
	if d.hooks != nil {
		decision, err := d.hooks.OnPermissionRequest(ctx, call, meta)
		if err != nil {
			logger.Warn().Err(err).Msg("Permission hook failed")
		}
		switch decision.Action {
		case HookAllow:
			return true, decision.Reason, decision.Input
		case HookDeny:
			reason := decision.Reason
			if reason == "" {
				reason = "denied by permission hook"
			}
			return false, reason, nil
		}
	}

	if d.approver == nil {
		return false, "no approval responder configured", nil
	}

	decision, err := d.approver.RequestApproval(ctx, ApprovalRequest{
		CallID:   call.ID,
		ToolName: call.Name,
		Args:     call.Arguments,
		Category: meta.Category,
		Source:   meta.Source,
		Origin:   meta.Origin,
	})
	if err != nil {
		reason := decision.Reason
		if reason == "" {
			reason = err.Error()
		}
		return false, reason, nil
	}
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by user"
		}
		return false, reason, nil
	}

	if decision.AllowSource && meta.External() {
		d.classifier.MarkAllowed(meta.SourceKey())
	}
	return true, decision.Reason, nil
}

// invoke validates arguments and calls the handler, converting errors and
// panics into error-text output.
func (d *Dispatcher) invoke(ctx context.Context, tool *ToolDefinition, call llm.ToolCall, logger zerolog.Logger) (output llm.ToolOutput) {
	if err := d.registry.Validate(call.Name, call.Arguments); err != nil {
		logger.Error().Err(err).Msg("Parameter validation failed")
		return llm.ErrorOutput(fmt.Sprintf("parameter validation failed: %v", err))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool handler panicked")
			output = llm.ErrorOutput(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	handlerCtx := WithExecutionContext(ctx, &ExecutionContext{
		SessionKey: d.sessionKey,
		CallID:     call.ID,
		ToolName:   call.Name,
		Category:   tool.Meta.Category,
		WorkingDir: d.workingDir,
	})

	value, err := tool.Handler(handlerCtx, call.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Err(err).Msg("Tool execution cancelled")
		} else {
			logger.Error().Err(err).Msg("Tool execution failed")
		}
		output, _ = truncateOutput(llm.ErrorOutput(err.Error()))
		return output
	}

	output, _ = truncateOutput(toOutput(value))
	return output
}

func appendFeedback(out llm.ToolOutput, feedback string) llm.ToolOutput {
	switch out.Kind {
	case llm.OutputText, llm.OutputError:
		if out.Text == "" {
			out.Text = feedback
		} else {
			out.Text = out.Text + "\n\n" + feedback
		}
		return out
	case llm.OutputJSON:
		return llm.TextOutput(out.String() + "\n\n" + feedback)
	default:
		return out
	}
}

func resultFor(call llm.ToolCall, output llm.ToolOutput) llm.ToolResult {
	return llm.ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Output:   output,
	}
}
