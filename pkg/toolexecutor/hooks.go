package toolexecutor

import (
	"context"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
)

// HookAction is the outcome a hook returns for one stage.
type HookAction string

const (
	// HookNone means the hook had no opinion.
	HookNone  HookAction = ""
	HookAllow HookAction = "allow"
	HookDeny  HookAction = "deny"
	HookAsk   HookAction = "ask"
)

// BeforeDecision is returned by the pre-execution hook. Ask escalates the
// call to mandatory approval; Allow may replace the arguments via Input.
type BeforeDecision struct {
	Action HookAction
	Reason string
	Input  map[string]any
}

// AfterResult is returned by the post-execution hook.
type AfterResult struct {
	Feedback string
}

// PermissionDecision is returned by the permission hook. HookNone defers to
// the approval responder; Ask is treated the same way.
type PermissionDecision struct {
	Action HookAction
	Reason string
	Input  map[string]any
}

// HookBridge connects the dispatcher to user-configured hooks.
type HookBridge interface {
	BeforeExecute(ctx context.Context, call llm.ToolCall, meta permission.ToolMeta) (BeforeDecision, error)
	AfterExecute(ctx context.Context, call llm.ToolCall, output llm.ToolOutput) (AfterResult, error)
	OnPermissionRequest(ctx context.Context, call llm.ToolCall, meta permission.ToolMeta) (PermissionDecision, error)
}
