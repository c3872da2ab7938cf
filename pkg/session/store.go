package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/ranya-core/internal/observability"
	"github.com/harun/ranya-core/internal/tracing"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "ranya.session"
	fileSuffix = ".jsonl"
	// maxLineSize bounds one transcript line; tool results can be large.
	maxLineSize = 16 * 1024 * 1024
)

// Entry is one line of a transcript file.
type Entry struct {
	SessionKey string      `json:"session_key"`
	Timestamp  time.Time   `json:"timestamp"`
	Message    llm.Message `json:"message"`
}

// Store keeps one JSONL transcript per session key.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".ranya", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}
	s.updateStoredSessionsMetric()
	return s, nil
}

// ValidateKey rejects keys that could escape the sessions directory.
func ValidateKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+fileSuffix)
}

func (s *Store) lock(sessionKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[sessionKey]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

func (s *Store) updateStoredSessionsMetric() {
	keys, err := s.List()
	if err != nil {
		return
	}
	observability.SetStoredSessions(len(keys))
}

// Append writes messages to the end of the session's transcript.
func (s *Store) Append(ctx context.Context, sessionKey string, messages ...llm.Message) (err error) {
	ctx, span := tracing.StartSpan(
		tracing.WithSessionKey(ctx, sessionKey),
		tracerName,
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionIO("append", time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ValidateKey(sessionKey); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	var buf []byte
	now := time.Now().UTC()
	for _, msg := range messages {
		if msg.Role == "" {
			return fmt.Errorf("message role cannot be empty")
		}
		line, err := json.Marshal(Entry{SessionKey: sessionKey, Timestamp: now, Message: msg})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(append(buf, line...), '\n')
	}

	lock := s.lock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	_, statErr := os.Stat(s.path(sessionKey))
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("failed to write messages: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if created {
		s.updateStoredSessionsMetric()
	}
	appendLogger := tracing.LoggerFromContext(ctx, log.Logger)
	appendLogger.Debug().
		Int("messages", len(messages)).
		Msg("Transcript appended")
	return nil
}

// Load returns the session's messages in order. A missing transcript is an
// empty conversation.
func (s *Store) Load(ctx context.Context, sessionKey string) (messages []llm.Message, err error) {
	ctx, span := tracing.StartSpan(
		tracing.WithSessionKey(ctx, sessionKey),
		tracerName,
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionIO("load", time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ValidateKey(sessionKey); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(sessionKey))
	if os.IsNotExist(err) {
		return []llm.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0
	messages = []llm.Message{}

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Skipping corrupt transcript line")
			continue
		}
		if entry.Message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Skipping transcript line without role")
			continue
		}
		messages = append(messages, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	span.SetAttributes(attribute.Int("messages", len(messages)))
	return messages, nil
}

// Delete removes the session's transcript.
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if err := ValidateKey(sessionKey); err != nil {
		return err
	}

	lock := s.lock(sessionKey)
	lock.Lock()
	err := os.Remove(s.path(sessionKey))
	lock.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, sessionKey)
	s.locksMu.Unlock()

	s.updateStoredSessionsMetric()
	deleteLogger := tracing.LoggerFromContext(tracing.WithSessionKey(ctx, sessionKey), log.Logger)
	deleteLogger.Info().Msg("Transcript deleted")
	return nil
}

// List returns the stored session keys, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}
