package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/harun/ranya-core/internal/config"
	"github.com/harun/ranya-core/internal/logger"
	"github.com/harun/ranya-core/internal/observability"
	"github.com/harun/ranya-core/internal/tracing"
	"github.com/harun/ranya-core/pkg/agent"
	"github.com/harun/ranya-core/pkg/commandqueue"
	"github.com/harun/ranya-core/pkg/coretools"
	"github.com/harun/ranya-core/pkg/hooks"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/session"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	runSession string
	runMode    string
	runYes     bool
	runNew     bool
)

// providerFactory builds the configured LLM provider.
var providerFactory = llm.NewProvider

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run the agent loop on a prompt",
	Long: `Run the agent loop on a prompt and stream the reply to stdout.
Tool activity and approval prompts are written to stderr. Press Ctrl-C to
abort the run; partial output is kept. The conversation is stored under the
session key and continued by the next run with the same key.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "cli", "session key")
	runCmd.Flags().StringVar(&runMode, "mode", "", "override the configured permission mode (plan, auto)")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "approve every approve-tier tool call")
	runCmd.Flags().BoolVar(&runNew, "new", false, "discard the stored conversation before running")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if err := session.ValidateKey(runSession); err != nil {
		return err
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if runMode != "" {
		cfg.Permissions.Mode = runMode
	}
	mode, err := cfg.PermissionMode()
	if err != nil {
		return err
	}

	appLog, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   logConsole,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer appLog.Close()
	zl := appLog.Zerolog()

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		zl.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Audit log disabled")
	}
	if err := tracing.InitOpenTelemetry(tracing.Config{
		ServiceName:    "ranya-core",
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}); err != nil {
		zl.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	provider, err := providerFactory(llm.ProviderConfig{
		Name:    cfg.Provider.Name,
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
	})
	if err != nil {
		return err
	}

	registry := toolexecutor.NewRegistry()
	if err := coretools.RegisterCoreTools(registry, coretools.Options{WorkspaceRoot: cfg.WorkspacePath}); err != nil {
		return err
	}
	classifier := permission.NewClassifier(mode, permission.WithAllowedSources(cfg.Permissions.AllowedSources...))

	var responder toolexecutor.ApprovalResponder = toolexecutor.NewCLIApprovalResponder(cmd.InOrStdin(), cmd.ErrOrStderr())
	if runYes {
		responder = toolexecutor.AutoApproveResponder{}
	}
	approvals := toolexecutor.NewApprovalManager(responder)
	approvals.SetDefaultTimeout(time.Duration(cfg.Permissions.ApprovalTimeoutSeconds) * time.Second)

	sink := observability.NewTelemetry(runSession)
	dispatcherCfg := toolexecutor.DispatcherConfig{
		Registry:   registry,
		Classifier: classifier,
		Approver:   approvals,
		Telemetry:  sink,
		Logger:     zl,
		SessionKey: runSession,
		WorkingDir: cfg.WorkspacePath,
	}
	if cfg.Hooks.Enabled {
		hookManager, err := hooks.NewManager(hooks.Config{Enabled: true, Hooks: cfg.HookEntries(), Logger: zl})
		if err != nil {
			return fmt.Errorf("failed to configure hooks: %w", err)
		}
		dispatcherCfg.Hooks = hookManager
	}
	dispatcher, err := toolexecutor.NewDispatcher(dispatcherCfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if runNew {
		if err := store.Delete(cmd.Context(), runSession); err != nil {
			return err
		}
	}

	queue := commandqueue.New()
	defer queue.Close()

	runner, err := agent.NewRunner(agent.Config{
		Provider:     provider,
		Dispatcher:   dispatcher,
		CommandQueue: queue,
		Store:        store,
		Telemetry:    sink,
		Logger:       zl,
		Settings: agent.Settings{
			Model:           cfg.Agent.Model,
			SystemPrompt:    cfg.Agent.SystemPrompt,
			MaxTurns:        cfg.Agent.MaxTurns,
			MaxRetries:      cfg.Agent.MaxRetries,
			MaxOutputTokens: cfg.Agent.MaxOutputTokens,
			Temperature:     cfg.Agent.Temperature,
			RequestTimeout:  cfg.Agent.RequestTimeout(),
		},
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		stop := serveMetrics(cfg.Metrics.Addr, zl)
		defer stop()
	}

	if runMode == "" {
		if stop := watchPermissionMode(loader, classifier, zl); stop != nil {
			defer stop()
		}
	}

	stopSignals := abortOnInterrupt(runner, runSession, cmd, zl)
	defer stopSignals()

	r := newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr())
	result, err := runner.Run(cmd.Context(), agent.RunParams{
		SessionKey:        runSession,
		Prompt:            prompt,
		OnPart:            r.part,
		OnToolResults:     r.toolResults,
		OnContextExceeded: r.contextExceeded,
	})
	if err != nil {
		return err
	}
	r.summary(result)
	return nil
}

func openStore(cfg *config.Config) (*session.Store, error) {
	return session.New(filepath.Join(cfg.DataDir, "sessions"))
}

// watchPermissionMode applies permission mode edits to the running classifier.
func watchPermissionMode(loader *config.Loader, classifier *permission.Classifier, zl zerolog.Logger) func() {
	if _, err := os.Stat(loader.GetConfigPath()); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader: loader,
		Logger: zl,
		OnChange: func(cfg *config.Config) {
			mode, err := cfg.PermissionMode()
			if err != nil {
				return
			}
			previous := classifier.Mode()
			if mode == previous {
				return
			}
			classifier.SetMode(mode)
			observability.RecordConfigAudit(context.Background(), "permission_mode", "config_watcher", map[string]interface{}{
				"from": string(previous),
				"to":   string(mode),
			})
		},
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config watcher disabled")
		return nil
	}
	if err := watcher.Start(); err != nil {
		zl.Warn().Err(err).Msg("Config watcher disabled")
		_ = watcher.Stop()
		return nil
	}
	return func() { _ = watcher.Stop() }
}

func serveMetrics(addr string, zl zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	zl.Info().Str("addr", addr).Msg("Metrics server started")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// abortOnInterrupt turns the first Ctrl-C into a user abort of the session.
func abortOnInterrupt(runner *agent.Runner, sessionKey string, cmd *cobra.Command, zl zerolog.Logger) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-signals:
			if runner.Abort(sessionKey) {
				zl.Info().Str("session_key", sessionKey).Msg("Run aborted by user")
				fmt.Fprintln(cmd.ErrOrStderr(), "\naborting...")
			}
		case <-done:
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
