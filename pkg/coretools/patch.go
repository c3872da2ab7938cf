package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/toolexecutor"
)

type patchLine struct {
	op   byte
	text string
}

type patchHunk struct {
	oldStart int
	lines    []patchLine
}

type patchFile struct {
	path  string
	hunks []patchHunk
}

// PatchResult reports one patched file.
type PatchResult struct {
	Path  string `json:"path"`
	Hunks int    `json:"hunks"`
}

func applyPatchTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "ApplyPatch",
		Description: "Apply a unified diff to files in the workspace. Every hunk must match or nothing is written.",
		Meta:        permission.ToolMeta{Category: permission.CategoryWrite, Source: permission.SourceBuiltin},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "patch", Type: "string", Description: "Unified diff", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolveWorkspaceRoot(toolexecutor.ExecutionContextFrom(ctx), opts)
			if err != nil {
				return nil, err
			}
			text, _ := params["patch"].(string)
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("patch is required")
			}

			files, err := parsePatch(text)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				return nil, fmt.Errorf("patch contains no file changes")
			}
			results, err := applyPatch(root, files)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"files": results}, nil
		},
	}
}

func parsePatch(text string) ([]patchFile, error) {
	var files []patchFile
	var file *patchFile
	var h *patchHunk

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if i := strings.IndexByte(path, '\t'); i >= 0 {
				path = path[:i]
			}
			path = strings.TrimPrefix(strings.TrimPrefix(path, "b/"), "a/")
			if path == "" || path == "/dev/null" {
				file, h = nil, nil
				continue
			}
			files = append(files, patchFile{path: path})
			file, h = &files[len(files)-1], nil
		case strings.HasPrefix(line, "@@"):
			if file == nil {
				continue
			}
			start, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			file.hunks = append(file.hunks, patchHunk{oldStart: start})
			h = &file.hunks[len(file.hunks)-1]
		default:
			if h == nil || line == "" {
				continue
			}
			switch line[0] {
			case ' ', '+', '-':
				h.lines = append(h.lines, patchLine{op: line[0], text: line[1:]})
			}
		}
	}
	return files, nil
}

// parseHunkHeader reads the old-file start line of "@@ -l,s +l,s @@".
func parseHunkHeader(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	startText, _, _ := strings.Cut(strings.TrimPrefix(fields[1], "-"), ",")
	start, err := strconv.Atoi(startText)
	if err != nil {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	if start < 1 {
		start = 1
	}
	return start, nil
}

// applyPatch computes every file first so a mismatching hunk leaves the
// workspace untouched.
func applyPatch(root string, files []patchFile) ([]PatchResult, error) {
	type pending struct {
		target  string
		content string
	}
	writes := make([]pending, 0, len(files))
	results := make([]PatchResult, 0, len(files))

	for _, f := range files {
		target, err := resolvePathInWorkspace(root, f.path)
		if err != nil {
			return nil, err
		}
		orig, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		lines, err := applyHunks(splitLines(string(orig)), f.hunks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.path, err)
		}
		content := strings.Join(lines, "\n")
		if len(lines) > 0 {
			content += "\n"
		}
		writes = append(writes, pending{target: target, content: content})
		results = append(results, PatchResult{Path: f.path, Hunks: len(f.hunks)})
	}

	for _, w := range writes {
		if err := os.MkdirAll(filepath.Dir(w.target), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(w.target, []byte(w.content), 0644); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func applyHunks(orig []string, hunks []patchHunk) ([]string, error) {
	out := make([]string, 0, len(orig))
	pos := 0

	for _, h := range hunks {
		start := min(max(h.oldStart-1, pos), len(orig))
		out = append(out, orig[pos:start]...)
		pos = start

		for _, ln := range h.lines {
			switch ln.op {
			case ' ', '-':
				if pos >= len(orig) || orig[pos] != ln.text {
					return nil, fmt.Errorf("hunk does not match at line %d", pos+1)
				}
				if ln.op == ' ' {
					out = append(out, orig[pos])
				}
				pos++
			case '+':
				out = append(out, ln.text)
			}
		}
	}

	return append(out, orig[pos:]...), nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
