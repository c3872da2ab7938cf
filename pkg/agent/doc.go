// Package agent runs the model/tool loop for one session.
//
// Invariants:
// - Turns of one session never overlap; Runner serializes them through commandqueue lanes.
// - The loop is the only writer of the message list; tool results are merged after dispatch.
// - Provider errors are retried only by the loop, never by the turn executor.
// - A user abort returns the text produced so far without an error.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.LoopConfig{
//		Provider:   provider,
//		Model:      "claude-sonnet-4-5",
//		Dispatcher: dispatcher,
//	})
//	result, _ := loop.Run(ctx, []llm.Message{{Role: llm.RoleUser, Content: "hello"}})
//	_ = result.StopReason
package agent
