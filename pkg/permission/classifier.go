package permission

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultShellTool is the name of the builtin shell-execute tool.
const DefaultShellTool = "Bash"

// Classifier decides whether a tool call runs automatically, needs approval,
// or is blocked. One Classifier serves one session and is shared by
// reference; its mode and allow-set may change while the session runs.
// Classifiers created with Fork share the mode but not the allow-set.
type Classifier struct {
	mode      *modeState
	mu        sync.RWMutex
	allowed   map[string]struct{}
	shellTool string
}

type modeState struct {
	mu   sync.RWMutex
	mode Mode
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithShellTool overrides the name of the shell-execute tool.
func WithShellTool(name string) Option {
	return func(c *Classifier) {
		if name != "" {
			c.shellTool = name
		}
	}
}

// WithAllowedSources pre-populates the allow-set.
func WithAllowedSources(sources ...string) Option {
	return func(c *Classifier) {
		for _, s := range sources {
			if s = strings.TrimSpace(s); s != "" {
				c.allowed[s] = struct{}{}
			}
		}
	}
}

// NewClassifier creates a classifier in the given mode.
func NewClassifier(mode Mode, opts ...Option) *Classifier {
	if mode == "" {
		mode = ModePlan
	}
	c := &Classifier{
		mode:      &modeState{mode: mode},
		allowed:   make(map[string]struct{}),
		shellTool: DefaultShellTool,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fork returns a classifier for another session. It shares c's mode, so a
// SetMode on either is seen by both, and starts from a copy of c's allow-set.
func (c *Classifier) Fork() *Classifier {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allowed := make(map[string]struct{}, len(c.allowed))
	for s := range c.allowed {
		allowed[s] = struct{}{}
	}
	return &Classifier{
		mode:      c.mode,
		allowed:   allowed,
		shellTool: c.shellTool,
	}
}

// Mode returns the current mode.
func (c *Classifier) Mode() Mode {
	c.mode.mu.RLock()
	defer c.mode.mu.RUnlock()
	return c.mode.mode
}

// SetMode swaps the mode; the next Evaluate observes it.
func (c *Classifier) SetMode(mode Mode) {
	c.mode.mu.Lock()
	prev := c.mode.mode
	c.mode.mode = mode
	c.mode.mu.Unlock()

	if prev != mode {
		log.Info().
			Str("from", string(prev)).
			Str("to", string(mode)).
			Msg("Permission mode changed")
	}
}

// MarkAllowed adds an external source to the allow-set. Idempotent.
func (c *Classifier) MarkAllowed(source string) {
	source = strings.TrimSpace(source)
	if source == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed[source] = struct{}{}
}

// IsAllowed reports whether an external source is in the allow-set.
func (c *Classifier) IsAllowed(source string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.allowed[source]
	return ok
}

// AllowedSources returns the allow-set in sorted order.
func (c *Classifier) AllowedSources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sources := make([]string, 0, len(c.allowed))
	for s := range c.allowed {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}

// Evaluate classifies one tool call. meta may be nil for tools with no known metadata.
func (c *Classifier) Evaluate(name string, meta *ToolMeta, args map[string]any) Evaluation {
	mode := c.Mode()
	c.mu.RLock()
	shellTool := c.shellTool
	c.mu.RUnlock()

	isShell := c.isShellTool(name, meta, shellTool)
	if isShell {
		if reason := DangerousReason(commandArg(args)); reason != "" {
			log.Warn().
				Str("tool", name).
				Str("reason", reason).
				Msg("Tool call blocked by dangerous command pattern")
			return Block(fmt.Sprintf("blocked dangerous command: %s", reason))
		}
	}

	if meta != nil && meta.External() && !c.IsAllowed(meta.SourceKey()) {
		return Approve()
	}

	if mode == ModeAuto {
		return Auto()
	}

	if meta == nil {
		return Approve()
	}

	if isShell {
		if IsReadOnlyCommand(commandArg(args)) {
			return Auto()
		}
		return Approve()
	}

	switch meta.Category {
	case CategoryRead, CategoryInteractive, CategoryInternal:
		return Auto()
	default:
		return Approve()
	}
}

func (c *Classifier) isShellTool(name string, meta *ToolMeta, shellTool string) bool {
	if name != shellTool {
		return false
	}
	return meta == nil || meta.Category == CategoryExecute
}

func commandArg(args map[string]any) string {
	if args == nil {
		return ""
	}
	cmd, _ := args["command"].(string)
	return cmd
}
