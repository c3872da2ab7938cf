package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/ranya-core/pkg/commandqueue"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRunner(t *testing.T, provider llm.Provider) *Runner {
	t.Helper()
	cq := commandqueue.New()
	t.Cleanup(func() { _ = cq.Close() })

	runner, err := NewRunner(Config{
		Provider:     provider,
		CommandQueue: cq,
		Logger:       zerolog.Nop(),
		Settings: Settings{
			Model:        "test-model",
			SystemPrompt: "You are a test assistant.",
		},
	})
	require.NoError(t, err)
	return runner
}

func TestNewRunner(t *testing.T) {
	t.Run("should create runner with valid config", func(t *testing.T) {
		runner := setupTestRunner(t, newScriptedProvider(textTurn("ok")))
		assert.NotNil(t, runner)
		assert.False(t, runner.IsRunning("any"))
	})

	t.Run("should fail without provider", func(t *testing.T) {
		_, err := NewRunner(Config{CommandQueue: commandqueue.New(), Settings: Settings{Model: "m"}})
		assert.ErrorIs(t, err, ErrNoProvider)
	})

	t.Run("should fail without command queue", func(t *testing.T) {
		_, err := NewRunner(Config{Provider: newScriptedProvider(textTurn("ok")), Settings: Settings{Model: "m"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command queue")
	})
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		wantErr  string
	}{
		{name: "valid", settings: Settings{Model: "m", Temperature: 0.7, MaxTurns: 10}},
		{name: "empty model", settings: Settings{}, wantErr: "model"},
		{name: "temperature out of range", settings: Settings{Model: "m", Temperature: 3}, wantErr: "temperature"},
		{name: "negative turns", settings: Settings{Model: "m", MaxTurns: -1}, wantErr: "max turns"},
		{name: "negative output tokens", settings: Settings{Model: "m", MaxOutputTokens: -1}, wantErr: "max output tokens"},
		{name: "negative retries", settings: Settings{Model: "m", MaxRetries: -1}, wantErr: "max retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSettings(tt.settings)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunner_RejectsEmptyParams(t *testing.T) {
	runner := setupTestRunner(t, newScriptedProvider(textTurn("ok")))

	_, err := runner.Run(context.Background(), RunParams{Prompt: "hi"})
	assert.Error(t, err)

	_, err = runner.Run(context.Background(), RunParams{SessionKey: "s", Prompt: "  "})
	assert.Error(t, err)
}

func TestRunner_KeepsSessionHistory(t *testing.T) {
	provider := newScriptedProvider(textTurn("first answer"), textTurn("second answer"))
	runner := setupTestRunner(t, provider)

	result, err := runner.Run(context.Background(), RunParams{SessionKey: "chat", Prompt: "one"})
	require.NoError(t, err)
	assert.Equal(t, "first answer", result.Text)

	result, err = runner.Run(context.Background(), RunParams{SessionKey: "chat", Prompt: "two"})
	require.NoError(t, err)
	assert.Equal(t, "second answer", result.Text)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	// system, user one, assistant, user two
	require.Len(t, reqs[1].Messages, 4)
	assert.Equal(t, "one", reqs[1].Messages[1].Content)
	assert.Equal(t, "first answer", reqs[1].Messages[2].Content)
	assert.Equal(t, "two", reqs[1].Messages[3].Content)

	assert.Len(t, runner.History("chat"), 4)
	assert.Empty(t, runner.History("other"))

	require.NoError(t, runner.ResetSession(context.Background(), "chat"))
	assert.Empty(t, runner.History("chat"))
}

func TestRunner_BindsDispatcherToSession(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	tool := constantTool("Read", "ok")
	tool.Handler = func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, toolexecutor.ExecutionContextFrom(ctx).SessionKey)
		return "ok", nil
	}
	dispatcher := newToolDispatcher(t, tool)

	provider := newScriptedProvider(
		toolTurn(llm.ToolCall{ID: "a1", Name: "Read", Arguments: map[string]any{}}),
		textTurn("alpha done"),
		toolTurn(llm.ToolCall{ID: "b1", Name: "Read", Arguments: map[string]any{}}),
		textTurn("beta done"),
	)
	cq := commandqueue.New()
	t.Cleanup(func() { _ = cq.Close() })
	runner, err := NewRunner(Config{
		Provider:     provider,
		Dispatcher:   dispatcher,
		CommandQueue: cq,
		Logger:       zerolog.Nop(),
		Settings:     Settings{Model: "test-model"},
	})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), RunParams{SessionKey: "alpha", Prompt: "read"})
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), RunParams{SessionKey: "beta", Prompt: "read"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, seen)
	assert.Empty(t, dispatcher.SessionKey(), "shared dispatcher is left untouched")
}

// memoryStore is an in-memory HistoryStore.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string][]llm.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string][]llm.Message)}
}

func (s *memoryStore) Load(_ context.Context, key string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.sessions[key]...), nil
}

func (s *memoryStore) Append(_ context.Context, key string, messages ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = append(s.sessions[key], messages...)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func TestRunner_PersistsHistoryAcrossRunners(t *testing.T) {
	store := newMemoryStore()
	newRunner := func(provider llm.Provider) *Runner {
		cq := commandqueue.New()
		t.Cleanup(func() { _ = cq.Close() })
		runner, err := NewRunner(Config{
			Provider:     provider,
			CommandQueue: cq,
			Store:        store,
			Logger:       zerolog.Nop(),
			Settings:     Settings{Model: "test-model"},
		})
		require.NoError(t, err)
		return runner
	}

	_, err := newRunner(newScriptedProvider(textTurn("noted"))).Run(context.Background(), RunParams{SessionKey: "work", Prompt: "remember 42"})
	require.NoError(t, err)

	stored, _ := store.Load(context.Background(), "work")
	require.Len(t, stored, 2)

	// A fresh runner, as in a new process, picks the conversation up again.
	provider := newScriptedProvider(textTurn("it was 42"))
	second := newRunner(provider)
	result, err := second.Run(context.Background(), RunParams{SessionKey: "work", Prompt: "what number?"})
	require.NoError(t, err)
	assert.Equal(t, "it was 42", result.Text)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	// system, user, assistant, user
	require.Len(t, reqs[0].Messages, 4)
	assert.Equal(t, "remember 42", reqs[0].Messages[1].Content)

	stored, _ = store.Load(context.Background(), "work")
	assert.Len(t, stored, 4, "only new messages appended")

	require.NoError(t, second.ResetSession(context.Background(), "work"))
	stored, _ = store.Load(context.Background(), "work")
	assert.Empty(t, stored)
}

func TestRunner_Abort(t *testing.T) {
	runner := setupTestRunner(t, newScriptedProvider(hangingTurn("working")))
	assert.False(t, runner.Abort("busy"))

	done := make(chan LoopResult, 1)
	go func() {
		result, err := runner.Run(context.Background(), RunParams{SessionKey: "busy", Prompt: "long task"})
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool { return runner.IsRunning("busy") }, time.Second, time.Millisecond)
	assert.True(t, runner.Abort("busy"))

	select {
	case result := <-done:
		assert.Equal(t, StopAborted, result.StopReason)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted run did not return")
	}
	assert.False(t, runner.IsRunning("busy"))
}

// concurrencyProvider records how many streams are open at once.
type concurrencyProvider struct {
	open, maxOpen int32
}

func (p *concurrencyProvider) Name() string { return "concurrency" }

func (p *concurrencyProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		n := atomic.AddInt32(&p.open, 1)
		for {
			m := atomic.LoadInt32(&p.maxOpen)
			if n <= m || atomic.CompareAndSwapInt32(&p.maxOpen, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&p.open, -1)
		send(ctx, ch, llm.StreamEvent{Type: llm.EventFinish, FinishReason: llm.FinishStop})
	}()
	return ch, nil
}

func TestRunner_SerializesRunsPerSession(t *testing.T) {
	provider := &concurrencyProvider{}
	runner := setupTestRunner(t, provider)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := runner.Run(context.Background(), RunParams{SessionKey: "same", Prompt: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.maxOpen))
	assert.Len(t, runner.History("same"), 8)
}
