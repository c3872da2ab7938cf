package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/harun/ranya-core/pkg/hooks"
	"github.com/harun/ranya-core/pkg/permission"
)

var (
	validProviders  = []string{"anthropic", "openai", "gemini"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validHookEvents = []string{hooks.EventPreToolUse, hooks.EventPostToolUse, hooks.EventPermissionRequest}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(name string) error {
	if !slices.Contains(validProviders, name) {
		return fmt.Errorf("invalid provider: %q (must be one of: %s)", name, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateMode validates the permission mode
func (v *Validator) ValidateMode(mode string) error {
	_, err := permission.ParseMode(mode)
	return err
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxOutputTokens validates the output token limit. Zero leaves the
// provider default.
func (v *Validator) ValidateMaxOutputTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max output tokens must not be negative, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max output tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !slices.Contains(validLogLevels, level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ValidateHook validates one hook entry
func (v *Validator) ValidateHook(hook HookConfig) error {
	if !slices.Contains(validHookEvents, strings.TrimSpace(hook.Event)) {
		return fmt.Errorf("invalid hook event: %q (must be one of: %s)", hook.Event, strings.Join(validHookEvents, ", "))
	}
	if strings.TrimSpace(hook.Script) == "" {
		return fmt.Errorf("script is required")
	}
	if hook.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be >= 0")
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateProvider(cfg.Provider.Name); err != nil {
		errs = append(errs, err)
	} else if err := v.ValidateAPIKey(cfg.Provider.APIKey, cfg.Provider.Name); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateModel(cfg.Agent.Model); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateMaxOutputTokens(cfg.Agent.MaxOutputTokens); err != nil {
		errs = append(errs, err)
	}
	if cfg.Agent.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("agent.max_turns must be >= 0"))
	}
	if cfg.Agent.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.max_retries must be >= 0"))
	}
	if cfg.Agent.RequestTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("agent.request_timeout_seconds must be >= 0"))
	}

	if err := v.ValidateMode(cfg.Permissions.Mode); err != nil {
		errs = append(errs, err)
	}
	if cfg.Permissions.ApprovalTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("permissions.approval_timeout_seconds must be >= 0"))
	}
	for i, source := range cfg.Permissions.AllowedSources {
		if strings.TrimSpace(source) == "" {
			errs = append(errs, fmt.Errorf("permissions.allowed_sources[%d] is empty", i))
		}
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Hooks {
			if !hook.Enabled {
				continue
			}
			if err := v.ValidateHook(hook); err != nil {
				errs = append(errs, fmt.Errorf("hook %d (%s): %w", i, hook.ID, err))
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		errs = append(errs, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", cfg.Tracing.SampleRatio))
	}

	return errs
}
