// Package commandqueue serializes work per named lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time unless the lane's concurrency is raised.
// - Tasks in different lanes may execute concurrently.
// - A task whose context ends while it is still waiting never runs.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
