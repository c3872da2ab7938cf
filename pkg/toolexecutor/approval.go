package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/ranya-core/pkg/permission"
	"github.com/rs/zerolog/log"
)

// ApprovalRequest describes one approve-tier tool call awaiting a decision.
type ApprovalRequest struct {
	CallID   string              `json:"call_id"`
	ToolName string              `json:"tool_name"`
	Args     map[string]any      `json:"args"`
	Category permission.Category `json:"category"`
	Source   permission.Source   `json:"source"`
	Origin   string              `json:"origin,omitempty"`
}

// ApprovalDecision is the answer to an ApprovalRequest. AllowSource asks the
// dispatcher to mark the tool's external source as allowed for the session.
type ApprovalDecision struct {
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason"`
	AllowSource bool   `json:"allow_source,omitempty"`
}

// ApprovalResponder resolves approval requests.
type ApprovalResponder interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApprovalResponderFunc adapts a function to ApprovalResponder.
type ApprovalResponderFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// RequestApproval implements ApprovalResponder
func (f ApprovalResponderFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// ApprovalManager wraps a responder with a timeout. A request that is not
// answered in time is denied.
type ApprovalManager struct {
	responder      ApprovalResponder
	defaultTimeout time.Duration
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(responder ApprovalResponder) *ApprovalManager {
	return &ApprovalManager{
		responder:      responder,
		defaultTimeout: 60 * time.Second,
	}
}

// RequestApproval implements ApprovalResponder
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if am.responder == nil {
		return ApprovalDecision{Reason: "no approval responder configured"}, fmt.Errorf("no approval responder configured")
	}

	timeout := am.defaultTimeout
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("tool", req.ToolName).
		Str("call_id", req.CallID).
		Str("category", string(req.Category)).
		Msg("Requesting approval")

	type outcome struct {
		decision ApprovalDecision
		err      error
	}
	done := make(chan outcome, 1)

	go func() {
		decision, err := am.responder.RequestApproval(timeoutCtx, req)
		done <- outcome{decision: decision, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			log.Error().
				Err(res.err).
				Str("tool", req.ToolName).
				Msg("Approval request failed")
			return ApprovalDecision{Reason: "approval request failed"}, fmt.Errorf("approval request failed: %w", res.err)
		}
		if res.decision.Approved {
			log.Info().
				Str("tool", req.ToolName).
				Str("reason", res.decision.Reason).
				Msg("Approval granted")
		} else {
			log.Warn().
				Str("tool", req.ToolName).
				Str("reason", res.decision.Reason).
				Msg("Approval denied")
		}
		return res.decision, nil

	case <-timeoutCtx.Done():
		log.Warn().
			Str("tool", req.ToolName).
			Dur("timeout", timeout).
			Msg("Approval request timed out")
		return ApprovalDecision{Reason: "approval timed out"}, fmt.Errorf("approval request timed out after %v", timeout)
	}
}

// SetDefaultTimeout sets the default timeout for approval requests
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		am.defaultTimeout = timeout
	}
}

// GetDefaultTimeout returns the default timeout
func (am *ApprovalManager) GetDefaultTimeout() time.Duration {
	return am.defaultTimeout
}

// AutoApproveResponder approves every request.
type AutoApproveResponder struct{}

// RequestApproval implements ApprovalResponder
func (AutoApproveResponder) RequestApproval(context.Context, ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approved: true, Reason: "auto-approved"}, nil
}
