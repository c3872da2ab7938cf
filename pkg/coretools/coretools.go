// Package coretools provides the builtin filesystem and shell tools.
//
// Every tool resolves paths against the workspace root and refuses paths
// outside it. The shell tool is registered under permission.DefaultShellTool
// so the classifier applies its command checks.
package coretools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ranya-core/pkg/toolexecutor"
)

const (
	defaultReadLimit    = 200000
	defaultShellTimeout = 2 * time.Minute
	maxShellTimeout     = 10 * time.Minute
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is used when the execution context carries no working directory.
	WorkspaceRoot string
	// ShellTimeout bounds a Bash call that does not set its own timeout.
	ShellTimeout time.Duration
	// Shell is the interpreter for the Bash tool. Defaults to /bin/sh.
	Shell string
}

// RegisterCoreTools registers Read, Glob, Write, Edit, ApplyPatch and Bash.
func RegisterCoreTools(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = defaultShellTimeout
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}

	tools := []toolexecutor.ToolDefinition{
		readTool(opts),
		globTool(opts),
		writeTool(opts),
		editTool(opts),
		applyPatchTool(opts),
		bashTool(opts),
	}

	for _, tool := range tools {
		if err := registry.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func resolveWorkspaceRoot(execCtx *toolexecutor.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkingDir) != "" {
		return filepath.Clean(execCtx.WorkingDir), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	return "", fmt.Errorf("workspace root is not configured")
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

func intParam(params map[string]interface{}, name string, fallback int) int {
	switch v := params[name].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
