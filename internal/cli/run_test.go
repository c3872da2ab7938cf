package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays one event list per Stream call.
type fakeProvider struct {
	turns    [][]llm.StreamEvent
	requests []llm.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	idx := min(len(p.requests), len(p.turns)-1)
	p.requests = append(p.requests, req)
	events := p.turns[idx]

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func useProvider(t *testing.T, provider llm.Provider) {
	t.Helper()
	original := providerFactory
	providerFactory = func(llm.ProviderConfig) (llm.Provider, error) { return provider, nil }
	t.Cleanup(func() { providerFactory = original })
}

func setupRunConfig(t *testing.T) (string, string) {
	t.Helper()
	for _, name := range []string{"RANYA_PROVIDER_API_KEY", "RANYA_PERMISSIONS_MODE", "RANYA_AGENT_MODEL", "ANTHROPIC_API_KEY"} {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(workspace, 0755))

	path := filepath.Join(dir, "ranya-core.json")
	content := `{
		"provider": {"name": "anthropic", "api_key": "sk-ant-test"},
		"agent": {"model": "claude-test"},
		"workspace_path": "` + workspace + `"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, workspace
}

func finish(reason string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.EventFinish, FinishReason: reason, Usage: llm.Usage{InputTokens: 12, OutputTokens: 3}}
}

func TestRunCommand_StreamsText(t *testing.T) {
	path, _ := setupRunConfig(t)
	provider := &fakeProvider{turns: [][]llm.StreamEvent{{
		{Type: llm.EventTextDelta, Text: "hello "},
		{Type: llm.EventTextDelta, Text: "world"},
		finish(llm.FinishStop),
	}}}
	useProvider(t, provider)

	out, info, err := execute(t, "", "run", "--config", path, "say", "hi")
	require.NoError(t, err)

	assert.Equal(t, "hello world\n", out)
	assert.Contains(t, info, "completed after 1 turns")
	require.Len(t, provider.requests, 1)
	assert.Equal(t, "claude-test", provider.requests[0].Model)
	assert.NotEmpty(t, provider.requests[0].Tools)
}

func TestRunCommand_ExecutesTools(t *testing.T) {
	path, workspace := setupRunConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "notes.txt"), []byte("remember the milk"), 0644))

	readCall := &llm.ToolCall{ID: "call_1", Name: "Read", Arguments: map[string]any{"path": "notes.txt"}}
	writeCall := &llm.ToolCall{ID: "call_2", Name: "Write", Arguments: map[string]any{"path": "out.txt", "content": "x"}}
	provider := &fakeProvider{turns: [][]llm.StreamEvent{
		{{Type: llm.EventToolCall, ToolCall: readCall}, {Type: llm.EventToolCall, ToolCall: writeCall}, finish(llm.FinishToolCalls)},
		{{Type: llm.EventTextDelta, Text: "done"}, finish(llm.FinishStop)},
	}}
	useProvider(t, provider)

	// The write is approve-tier in plan mode; answer no.
	out, info, err := execute(t, "n\n", "run", "--config", path, "read my notes")
	require.NoError(t, err)

	assert.Equal(t, "done\n", out)
	assert.Contains(t, info, "-> Read")
	assert.Contains(t, info, "<- Read [json]")
	assert.Contains(t, info, "remember the milk")
	assert.Contains(t, info, "<- Write [execution-denied]")
	assert.NoFileExists(t, filepath.Join(workspace, "out.txt"))

	require.Len(t, provider.requests, 2)
	last := provider.requests[1].Messages
	require.NotEmpty(t, last)
	toolMsg := last[len(last)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.ToolResults, 2)
	assert.Equal(t, "call_1", toolMsg.ToolResults[0].CallID)
	assert.Equal(t, "call_2", toolMsg.ToolResults[1].CallID)
}

func TestRunCommand_YesApprovesWrites(t *testing.T) {
	path, workspace := setupRunConfig(t)
	writeCall := &llm.ToolCall{ID: "call_1", Name: "Write", Arguments: map[string]any{"path": "out.txt", "content": "x"}}
	useProvider(t, &fakeProvider{turns: [][]llm.StreamEvent{
		{{Type: llm.EventToolCall, ToolCall: writeCall}, finish(llm.FinishToolCalls)},
		{{Type: llm.EventTextDelta, Text: "written"}, finish(llm.FinishStop)},
	}})

	_, info, err := execute(t, "", "run", "--config", path, "--yes", "write it")
	require.NoError(t, err)
	assert.Contains(t, info, "<- Write [json]")
	assert.FileExists(t, filepath.Join(workspace, "out.txt"))
}

func TestRunCommand_Errors(t *testing.T) {
	path, _ := setupRunConfig(t)
	useProvider(t, &fakeProvider{turns: [][]llm.StreamEvent{{finish(llm.FinishStop)}}})

	_, _, err := execute(t, "", "run", "--config", path, "--mode", "yolo", "hi")
	assert.Error(t, err)

	_, _, err = execute(t, "", "run", "--config", path, "   ")
	assert.Error(t, err)

	_, _, err = execute(t, "", "run", "--config", filepath.Join(t.TempDir(), "bad.json"), "hi")
	require.Error(t, err, "missing API key")
}

func TestRunCommand_ContinuesStoredSession(t *testing.T) {
	path, _ := setupRunConfig(t)
	provider := &fakeProvider{turns: [][]llm.StreamEvent{
		{{Type: llm.EventTextDelta, Text: "noted"}, finish(llm.FinishStop)},
		{{Type: llm.EventTextDelta, Text: "42"}, finish(llm.FinishStop)},
		{{Type: llm.EventTextDelta, Text: "fresh"}, finish(llm.FinishStop)},
	}}
	useProvider(t, provider)

	_, _, err := execute(t, "", "run", "--config", path, "--session", "work", "remember 42")
	require.NoError(t, err)
	_, _, err = execute(t, "", "run", "--config", path, "--session", "work", "what number?")
	require.NoError(t, err)

	require.Len(t, provider.requests, 2)
	// system, user, assistant, user
	second := provider.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "remember 42", second[1].Content)
	assert.Equal(t, "noted", second[2].Content)

	out, _, err := execute(t, "", "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "work\n", out)

	_, _, err = execute(t, "", "run", "--config", path, "--session", "work", "--new", "start over")
	require.NoError(t, err)
	require.Len(t, provider.requests, 3)
	assert.Len(t, provider.requests[2].Messages, 2, "system and the new prompt")

	_, _, err = execute(t, "", "sessions", "delete", "--config", path, "work")
	require.NoError(t, err)
	out, _, err = execute(t, "", "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunCommand_RejectsBadSessionKey(t *testing.T) {
	path, _ := setupRunConfig(t)
	useProvider(t, &fakeProvider{turns: [][]llm.StreamEvent{{finish(llm.FinishStop)}}})

	_, _, err := execute(t, "", "run", "--config", path, "--session", "../escape", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session key")
}
