package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harun/ranya-core/pkg/agent"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ agent.HistoryStore = (*Store)(nil)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	return store, dir
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		shouldErr bool
	}{
		{"valid key", "test-session", false},
		{"colon key", "cli:work", false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "test/session", true},
		{"backslash", "test\\session", true},
		{"null byte", "test\x00session", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_AppendAndLoad(t *testing.T) {
	store, dir := setupTestStore(t)
	ctx := context.Background()

	conversation := []llm.Message{
		{Role: llm.RoleUser, Content: "list files"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "Glob", Arguments: map[string]any{"pattern": "*.go"}}}},
		{Role: llm.RoleTool, ToolResults: []llm.ToolResult{{CallID: "c1", ToolName: "Glob", Output: llm.TextOutput("main.go")}}},
		{Role: llm.RoleAssistant, Content: "There is one Go file."},
	}
	require.NoError(t, store.Append(ctx, "chat", conversation[:2]...))
	require.NoError(t, store.Append(ctx, "chat", conversation[2:]...))

	_, err := os.Stat(filepath.Join(dir, "chat.jsonl"))
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "chat")
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Equal(t, "list files", loaded[0].Content)
	assert.Equal(t, "Glob", loaded[1].ToolCalls[0].Name)
	assert.Equal(t, "*.go", loaded[1].ToolCalls[0].Arguments["pattern"])
	assert.Equal(t, llm.OutputText, loaded[2].ToolResults[0].Output.Kind)
	assert.Equal(t, "main.go", loaded[2].ToolResults[0].Output.Text)
	assert.Equal(t, "There is one Go file.", loaded[3].Content)
}

func TestStore_LoadMissingSession(t *testing.T) {
	store, _ := setupTestStore(t)

	messages, err := store.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestStore_AppendRejectsBadInput(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Append(ctx, "../escape", llm.Message{Role: llm.RoleUser, Content: "x"}))
	assert.Error(t, store.Append(ctx, "chat", llm.Message{Content: "no role"}))
	assert.NoError(t, store.Append(ctx, "chat"), "nothing to append")
}

func TestStore_SkipsCorruptLines(t *testing.T) {
	store, dir := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "chat", llm.Message{Role: llm.RoleUser, Content: "first"}))

	f, err := os.OpenFile(filepath.Join(dir, "chat.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n{\"message\":{}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append(ctx, "chat", llm.Message{Role: llm.RoleAssistant, Content: "second"}))

	messages, err := store.Load(ctx, "chat")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, "busy", llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("msg %d", i)}))
		}(i)
	}
	wg.Wait()

	messages, err := store.Load(ctx, "busy")
	require.NoError(t, err)
	assert.Len(t, messages, 20)
}

func TestStore_ListAndDelete(t *testing.T) {
	store, dir := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "b", llm.Message{Role: llm.RoleUser, Content: "x"}))
	require.NoError(t, store.Append(ctx, "a", llm.Message{Role: llm.RoleUser, Content: "y"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600))

	keys, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"), "deleting twice is fine")

	keys, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	assert.Error(t, store.Delete(ctx, ""))
}
