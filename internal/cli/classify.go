package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/ranya-core/pkg/coretools"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/harun/ranya-core/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var (
	classifyMode     string
	classifyCategory string
	classifySource   string
	classifyOrigin   string
	classifyAllowed  []string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <tool> [json-args]",
	Short: "Show how the permission layer would treat a tool call",
	Long: `Classify a tool call without running it. Builtin tools use their registered
category; other tools need --category and usually --source.

Example:
  ranya-core classify --mode plan Bash '{"command":"git status"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVar(&classifyMode, "mode", string(permission.ModePlan), "permission mode (plan, auto)")
	classifyCmd.Flags().StringVar(&classifyCategory, "category", "", "tool category for non-builtin tools (read, write, execute, interactive, internal)")
	classifyCmd.Flags().StringVar(&classifySource, "source", string(permission.SourceBuiltin), "tool source (builtin, mcp, custom)")
	classifyCmd.Flags().StringVar(&classifyOrigin, "origin", "", "external source name, e.g. an MCP server")
	classifyCmd.Flags().StringSliceVar(&classifyAllowed, "allowed-source", nil, "external sources to treat as already allowed")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	mode, err := permission.ParseMode(classifyMode)
	if err != nil {
		return err
	}

	name := args[0]
	toolArgs := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	meta, err := classifyMeta(name)
	if err != nil {
		return err
	}

	classifier := permission.NewClassifier(mode, permission.WithAllowedSources(classifyAllowed...))
	evaluation := classifier.Evaluate(name, meta, toolArgs)

	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(evaluation)
}

// classifyMeta prefers explicit flags and falls back to the builtin registry.
// A nil result means the tool is unknown.
func classifyMeta(name string) (*permission.ToolMeta, error) {
	if classifyCategory != "" {
		if !permission.IsValidCategory(classifyCategory) {
			return nil, fmt.Errorf("invalid category: %q", classifyCategory)
		}
		return &permission.ToolMeta{
			Category: permission.Category(classifyCategory),
			Source:   permission.Source(classifySource),
			Origin:   classifyOrigin,
		}, nil
	}

	registry := toolexecutor.NewRegistry()
	if err := coretools.RegisterCoreTools(registry, coretools.Options{WorkspaceRoot: "."}); err != nil {
		return nil, err
	}
	return registry.Meta(name), nil
}
