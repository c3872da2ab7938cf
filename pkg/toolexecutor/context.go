package toolexecutor

import (
	"context"

	"github.com/harun/ranya-core/pkg/permission"
)

// ExecutionContext describes the call a handler is serving.
type ExecutionContext struct {
	SessionKey string
	CallID     string
	ToolName   string
	Category   permission.Category
	// WorkingDir is the directory relative paths resolve against; empty
	// means the handler's own default.
	WorkingDir string
}

type execContextKey struct{}

// WithExecutionContext returns a copy of ctx carrying ec.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	if ec == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecutionContextFrom returns the ExecutionContext attached by the
// dispatcher, or nil when ctx has none.
func ExecutionContextFrom(ctx context.Context) *ExecutionContext {
	ec, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return ec
}
