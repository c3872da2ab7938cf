package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/toolexecutor"
)

func bashTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        permission.DefaultShellTool,
		Description: "Run a shell command in the workspace and return its output and exit code.",
		Meta:        permission.ToolMeta{Category: permission.CategoryExecute, Source: permission.SourceBuiltin},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command line passed to the shell", Required: true},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecutionContextFrom(ctx), opts)
			if err != nil {
				return nil, err
			}
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			timeout := opts.ShellTimeout
			if secs := intParam(params, "timeout", 0); secs > 0 {
				timeout = min(time.Duration(secs)*time.Second, maxShellTimeout)
			}
			return runShell(ctx, opts.Shell, root, command, timeout)
		},
	}
}

func runShell(ctx context.Context, shell, dir, command string, timeout time.Duration) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("command did not finish within %s: %w", timeout, ctx.Err())
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	return map[string]interface{}{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}, nil
}
