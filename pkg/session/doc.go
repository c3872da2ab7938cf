// Package session persists agent conversations as JSONL transcripts.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Appends for the same session are serialized and fsynced.
// - A corrupt line is skipped on load; the rest of the transcript survives.
//
// Usage:
//
//	store, _ := session.New("/tmp/ranya/sessions")
//	_ = store.Append(ctx, "cli", llm.Message{Role: llm.RoleUser, Content: "hello"})
//	history, _ := store.Load(ctx, "cli")
//	_ = history
package session
