package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/toolexecutor"
)

const maxGlobMatches = 500

func readTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "Read",
		Description: "Read a file from the workspace.",
		Meta:        permission.ToolMeta{Category: permission.CategoryRead, Source: permission.SourceBuiltin},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecutionContextFrom(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}

			data, truncated, err := readFileWithLimit(target, int64(intParam(params, "max_bytes", defaultReadLimit)))
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func globTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "Glob",
		Description: "List workspace files whose name matches a pattern. A pattern without a slash matches at any depth.",
		Meta:        permission.ToolMeta{Category: permission.CategoryRead, Source: permission.SourceBuiltin},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "pattern", Type: "string", Description: "Glob pattern such as *.go or cmd/*/main.go", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecutionContextFrom(ctx), opts)
			if err != nil {
				return nil, err
			}
			pattern, _ := params["pattern"].(string)
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				return nil, fmt.Errorf("pattern is required")
			}
			if _, err := filepath.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}

			matches, err := globWorkspace(ctx, root, pattern)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

func globWorkspace(ctx context.Context, root, pattern string) ([]string, error) {
	byName := !strings.Contains(pattern, "/")
	var matches []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		subject := rel
		if byName {
			subject = d.Name()
		}
		if ok, _ := filepath.Match(pattern, subject); ok {
			matches = append(matches, rel)
			if len(matches) >= maxGlobMatches {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(matches)
	return matches, nil
}

func writeTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "Write",
		Description: "Write content to a file in the workspace, creating parent directories.",
		Meta:        permission.ToolMeta{Category: permission.CategoryWrite, Source: permission.SourceBuiltin},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to the file instead of replacing it", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecutionContextFrom(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			file, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := file.WriteString(content); err != nil {
				file.Close()
				return nil, err
			}
			if err := file.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "Edit",
		Description: "Replace text in a workspace file.",
		Meta:        permission.ToolMeta{Category: permission.CategoryWrite, Source: permission.SourceBuiltin},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecutionContextFrom(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			if !replaceAll && occurrences > 1 {
				return nil, fmt.Errorf("search text matches %d times; make it unique or set replace_all", occurrences)
			}

			updated := strings.Replace(content, search, replace, -1)
			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}
