package toolexecutor

import (
	"context"
	"time"
)

// mockResponder answers approval requests with a fixed decision.
type mockResponder struct {
	autoApprove bool
	decision    ApprovalDecision
	delay       time.Duration
	err         error
}

func (m *mockResponder) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ApprovalDecision{}, ctx.Err()
		}
	}
	if m.err != nil {
		return ApprovalDecision{}, m.err
	}
	if m.autoApprove {
		return ApprovalDecision{Approved: true, Reason: "auto-approved"}, nil
	}
	return m.decision, nil
}
