package config

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/harun/ranya-core/pkg/hooks"
	"github.com/harun/ranya-core/pkg/permission"
)

// Config represents the ranya-core configuration
type Config struct {
	Provider    ProviderConfig    `json:"provider" mapstructure:"provider"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	Hooks       HooksConfig       `json:"hooks" mapstructure:"hooks"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// WorkspacePath is the root for builtin file and shell tools.
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// ProviderConfig selects the LLM provider.
type ProviderConfig struct {
	Name    string `json:"name" mapstructure:"name"` // anthropic, openai, gemini
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// AgentConfig holds agent loop settings
type AgentConfig struct {
	Model                 string  `json:"model" mapstructure:"model"`
	MaxTurns              int     `json:"max_turns" mapstructure:"max_turns"`
	MaxRetries            int     `json:"max_retries" mapstructure:"max_retries"`
	MaxOutputTokens       int     `json:"max_output_tokens" mapstructure:"max_output_tokens"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	SystemPrompt          string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature           float64 `json:"temperature" mapstructure:"temperature"`
}

// RequestTimeout returns the per-request provider timeout.
func (a AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// PermissionsConfig configures the tool classifier
type PermissionsConfig struct {
	Mode string `json:"mode" mapstructure:"mode"` // plan, auto
	// AllowedSources are external tool origins approved up front.
	AllowedSources []string `json:"allowed_sources" mapstructure:"allowed_sources"`
	// ApprovalTimeoutSeconds bounds how long an approval prompt waits.
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds" mapstructure:"approval_timeout_seconds"`
}

// HooksConfig holds tool lifecycle hook configuration
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig represents a single shell hook
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"` // pre_tool_use, post_tool_use, permission_request
	Matcher        string `json:"matcher" mapstructure:"matcher"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls span sampling. SampleRatio is in [0, 1].
type TracingConfig struct {
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Agent: AgentConfig{
			Model:                 "claude-sonnet-4-5",
			MaxTurns:              25,
			MaxRetries:            5,
			MaxOutputTokens:       8192,
			RequestTimeoutSeconds: 600,
			Temperature:           0.7,
		},
		Permissions: PermissionsConfig{
			Mode:                   string(permission.ModePlan),
			AllowedSources:         []string{},
			ApprovalTimeoutSeconds: 300,
		},
		Hooks: HooksConfig{
			Hooks: []HookConfig{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// PermissionMode parses the configured mode.
func (c *Config) PermissionMode() (permission.Mode, error) {
	return permission.ParseMode(c.Permissions.Mode)
}

// HookEntries converts the enabled hook settings for hooks.NewManager.
func (c *Config) HookEntries() []hooks.Hook {
	entries := make([]hooks.Hook, 0, len(c.Hooks.Hooks))
	for _, h := range c.Hooks.Hooks {
		entries = append(entries, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Matcher: h.Matcher,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
			Enabled: h.Enabled,
		})
	}
	return entries
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Provider.APIKey != "" {
		masked.Provider.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
