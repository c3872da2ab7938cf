package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultDirName  = ".ranya"
	defaultFileName = "ranya-core.json"
	envPrefix       = "RANYA"
)

// providerKeyEnv lists the conventional key variables consulted when
// provider.api_key is unset.
var providerKeyEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
}

// NewLoader creates a new config loader. An empty path selects
// ~/.ranya/ranya-core.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// WithEnvFiles overrides the .env files read before loading. No arguments
// disables .env loading.
func (l *Loader) WithEnvFiles(paths ...string) *Loader {
	l.envFiles = append([]string{}, paths...)
	return l
}

// Load reads the config file if present, overlays RANYA_* environment
// variables, fills derived defaults and validates the result.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	if err := l.loadEnvFiles(filepath.Dir(configPath)); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerived(cfg, filepath.Dir(configPath)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.path()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName, defaultFileName), nil
}

// loadEnvFiles never overrides variables already set in the environment.
func (l *Loader) loadEnvFiles(configDir string) error {
	files := l.envFiles
	if files == nil {
		files = []string{".env", filepath.Join(configDir, ".env")}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("provider.name", cfg.Provider.Name)
	v.SetDefault("provider.api_key", cfg.Provider.APIKey)
	v.SetDefault("provider.base_url", cfg.Provider.BaseURL)

	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.max_turns", cfg.Agent.MaxTurns)
	v.SetDefault("agent.max_retries", cfg.Agent.MaxRetries)
	v.SetDefault("agent.max_output_tokens", cfg.Agent.MaxOutputTokens)
	v.SetDefault("agent.request_timeout_seconds", cfg.Agent.RequestTimeoutSeconds)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.temperature", cfg.Agent.Temperature)

	v.SetDefault("permissions.mode", cfg.Permissions.Mode)
	v.SetDefault("permissions.allowed_sources", cfg.Permissions.AllowedSources)
	v.SetDefault("permissions.approval_timeout_seconds", cfg.Permissions.ApprovalTimeoutSeconds)

	v.SetDefault("hooks.enabled", cfg.Hooks.Enabled)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("workspace_path", cfg.WorkspacePath)
}

func applyDerived(cfg *Config, configDir string) error {
	cfg.Provider.Name = strings.ToLower(strings.TrimSpace(cfg.Provider.Name))
	if cfg.Provider.APIKey == "" {
		for _, name := range providerKeyEnv[cfg.Provider.Name] {
			if key := os.Getenv(name); key != "" {
				cfg.Provider.APIKey = key
				break
			}
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = configDir
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "ranya-core.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}

	if cfg.WorkspacePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkspacePath = wd
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
