package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Tool lifecycle events a hook can subscribe to.
const (
	EventPreToolUse        = "pre_tool_use"
	EventPostToolUse       = "post_tool_use"
	EventPermissionRequest = "permission_request"
)

// denyExitCode is the script exit status that denies a tool call.
const denyExitCode = 2

const defaultHookTimeout = 30 * time.Second

// Hook defines a tool lifecycle hook.
type Hook struct {
	ID    string
	Event string
	// Matcher is a glob over tool names. Empty matches every tool.
	Matcher string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager runs configured shell hooks around tool execution. It implements
// toolexecutor.HookBridge.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

var _ toolexecutor.HookBridge = (*Manager)(nil)

// payload is written to the hook's stdin as JSON.
type payload struct {
	Event      string              `json:"event"`
	ToolName   string              `json:"tool_name"`
	CallID     string              `json:"call_id"`
	ToolInput  map[string]any      `json:"tool_input"`
	Category   permission.Category `json:"category,omitempty"`
	Source     permission.Source   `json:"source,omitempty"`
	Origin     string              `json:"origin,omitempty"`
	ToolOutput *llm.ToolOutput     `json:"tool_output,omitempty"`
}

// response is the optional JSON a hook prints on stdout.
type response struct {
	Decision string         `json:"decision"`
	Reason   string         `json:"reason"`
	Input    map[string]any `json:"input"`
	Feedback string         `json:"feedback"`
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		switch event {
		case EventPreToolUse, EventPostToolUse, EventPermissionRequest:
		case "":
			return nil, fmt.Errorf("hook event is required")
		default:
			return nil, fmt.Errorf("unknown hook event %q", event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Matcher != "" {
			if _, err := filepath.Match(hook.Matcher, ""); err != nil {
				return nil, fmt.Errorf("invalid matcher %q for event %q: %w", hook.Matcher, event, err)
			}
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// BeforeExecute runs pre_tool_use hooks. A deny from any hook wins; ask
// outranks allow; the last hook that supplies input decides the arguments.
func (m *Manager) BeforeExecute(ctx context.Context, call llm.ToolCall, meta permission.ToolMeta) (toolexecutor.BeforeDecision, error) {
	var decision toolexecutor.BeforeDecision

	responses, err := m.run(ctx, EventPreToolUse, call, meta, nil)
	for _, resp := range responses {
		switch toolexecutor.HookAction(resp.Decision) {
		case toolexecutor.HookDeny:
			return toolexecutor.BeforeDecision{Action: toolexecutor.HookDeny, Reason: resp.Reason}, err
		case toolexecutor.HookAsk:
			decision.Action = toolexecutor.HookAsk
			decision.Reason = resp.Reason
		case toolexecutor.HookAllow:
			if decision.Action != toolexecutor.HookAsk {
				decision.Action = toolexecutor.HookAllow
				decision.Reason = resp.Reason
			}
		}
		if resp.Input != nil {
			decision.Input = resp.Input
		}
	}
	if decision.Input != nil && decision.Action == toolexecutor.HookNone {
		decision.Action = toolexecutor.HookAllow
	}

	return decision, err
}

// AfterExecute runs post_tool_use hooks and joins their feedback.
func (m *Manager) AfterExecute(ctx context.Context, call llm.ToolCall, output llm.ToolOutput) (toolexecutor.AfterResult, error) {
	responses, err := m.run(ctx, EventPostToolUse, call, permission.ToolMeta{}, &output)

	var feedback []string
	for _, resp := range responses {
		if resp.Feedback != "" {
			feedback = append(feedback, resp.Feedback)
		} else if resp.Decision == string(toolexecutor.HookDeny) && resp.Reason != "" {
			feedback = append(feedback, resp.Reason)
		}
	}

	return toolexecutor.AfterResult{Feedback: strings.Join(feedback, "\n")}, err
}

// OnPermissionRequest runs permission_request hooks. The first allow or
// deny answers the request; no answer defers to the approval responder.
func (m *Manager) OnPermissionRequest(ctx context.Context, call llm.ToolCall, meta permission.ToolMeta) (toolexecutor.PermissionDecision, error) {
	responses, err := m.run(ctx, EventPermissionRequest, call, meta, nil)
	for _, resp := range responses {
		switch action := toolexecutor.HookAction(resp.Decision); action {
		case toolexecutor.HookAllow, toolexecutor.HookDeny:
			return toolexecutor.PermissionDecision{Action: action, Reason: resp.Reason, Input: resp.Input}, err
		}
	}
	return toolexecutor.PermissionDecision{}, err
}

// run executes every hook of event that matches the tool, in configuration
// order, and stops early on a deny.
func (m *Manager) run(ctx context.Context, event string, call llm.ToolCall, meta permission.ToolMeta, output *llm.ToolOutput) ([]response, error) {
	if m == nil || !m.enabled {
		return nil, nil
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil, nil
	}

	input, err := json.Marshal(payload{
		Event:      event,
		ToolName:   call.Name,
		CallID:     call.ID,
		ToolInput:  call.Arguments,
		Category:   meta.Category,
		Source:     meta.Source,
		Origin:     meta.Origin,
		ToolOutput: output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode hook payload: %w", err)
	}

	var responses []response
	var errs []error
	for _, hook := range hooks {
		if !matches(hook.Matcher, call.Name) {
			continue
		}
		resp, err := m.executeHook(ctx, event, hook, call, input)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		responses = append(responses, resp)
		if resp.Decision == string(toolexecutor.HookDeny) {
			break
		}
	}

	return responses, errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, call llm.ToolCall, input []byte) (response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, call)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outText := strings.TrimSpace(stdout.String())
	errText := strings.TrimSpace(stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == denyExitCode && runCtx.Err() == nil {
			reason := errText
			if reason == "" {
				reason = outText
			}
			if reason == "" {
				reason = fmt.Sprintf("denied by hook %s", hookID)
			}
			m.logger.Info().
				Str("event", event).
				Str("hook_id", hookID).
				Str("tool", call.Name).
				Str("reason", reason).
				Msg("Hook denied tool call")
			return response{Decision: string(toolexecutor.HookDeny), Reason: reason}, nil
		}
		if errText != "" {
			return response{}, fmt.Errorf("hook %s failed: %w: %s", hookID, err, errText)
		}
		return response{}, fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	resp, err := parseResponse(event, outText)
	if err != nil {
		return response{}, fmt.Errorf("hook %s returned invalid output: %w", hookID, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hookID).
		Str("tool", call.Name).
		Str("decision", resp.Decision).
		Msg("Hook executed")

	return resp, nil
}

// parseResponse decodes hook stdout. Plain text from a post_tool_use hook
// is treated as feedback; other events ignore non-JSON output.
func parseResponse(event, out string) (response, error) {
	if out == "" {
		return response{}, nil
	}
	if !strings.HasPrefix(out, "{") {
		if event == EventPostToolUse {
			return response{Feedback: out}, nil
		}
		return response{}, nil
	}

	var resp response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return response{}, err
	}
	resp.Decision = strings.ToLower(strings.TrimSpace(resp.Decision))
	switch toolexecutor.HookAction(resp.Decision) {
	case toolexecutor.HookNone, toolexecutor.HookAllow, toolexecutor.HookDeny, toolexecutor.HookAsk:
	default:
		return response{}, fmt.Errorf("unknown decision %q", resp.Decision)
	}
	return resp, nil
}

func matches(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func buildHookEnvironment(event string, call llm.ToolCall) []string {
	env := append([]string{}, os.Environ()...)
	return append(env,
		"RANYA_HOOK_EVENT="+event,
		"RANYA_HOOK_TOOL_NAME="+call.Name,
		"RANYA_HOOK_CALL_ID="+call.ID,
	)
}
