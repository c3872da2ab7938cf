package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// CLIApprovalResponder resolves approval requests with a terminal prompt.
// Answers: y approves once, a approves and allows the tool's source, anything
// else denies.
type CLIApprovalResponder struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex

	// pending holds a read left outstanding by a timed-out prompt.
	pending chan lineResult
}

// NewCLIApprovalResponder creates a new CLI approval responder
func NewCLIApprovalResponder(reader io.Reader, writer io.Writer) *CLIApprovalResponder {
	return &CLIApprovalResponder{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

type lineResult struct {
	line string
	err  error
}

// RequestApproval prompts the user for approval via CLI
func (c *CLIApprovalResponder) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.displayApprovalRequest(req)

	if c.pending == nil {
		lines := make(chan lineResult, 1)
		go func() {
			line, err := c.reader.ReadString('\n')
			lines <- lineResult{line: line, err: err}
		}()
		c.pending = lines
	}

	select {
	case res := <-c.pending:
		c.pending = nil
		if res.err != nil && res.err != io.EOF {
			return ApprovalDecision{}, fmt.Errorf("failed to read input: %w", res.err)
		}
		return c.parseAnswer(req, res.line), nil

	case <-ctx.Done():
		c.displayTimeout()
		return ApprovalDecision{Reason: "timeout"}, ctx.Err()
	}
}

func (c *CLIApprovalResponder) parseAnswer(req ApprovalRequest, line string) ApprovalDecision {
	input := strings.TrimSpace(strings.ToLower(line))

	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  ✅ Tool call APPROVED")
		log.Info().Str("tool", req.ToolName).Msg("Tool call approved via CLI")
		return ApprovalDecision{Approved: true, Reason: "approved by user"}

	case "a", "always":
		fmt.Fprintln(c.writer, "  ✅ Tool call APPROVED (source allowed for this session)")
		log.Info().Str("tool", req.ToolName).Str("source", req.Origin).Msg("Tool source allowed via CLI")
		return ApprovalDecision{Approved: true, Reason: "approved by user", AllowSource: true}

	case "n", "no", "":
		fmt.Fprintln(c.writer, "  ❌ Tool call DENIED")
		log.Info().Str("tool", req.ToolName).Msg("Tool call denied via CLI")
		return ApprovalDecision{Approved: false, Reason: "denied by user"}

	default:
		fmt.Fprintf(c.writer, "  ⚠️  Invalid input: %s (defaulting to DENY)\n", input)
		log.Warn().Str("tool", req.ToolName).Str("input", input).Msg("Invalid input for approval")
		return ApprovalDecision{Approved: false, Reason: fmt.Sprintf("invalid input: %s", input)}
	}
}

// displayApprovalRequest displays the approval request to the user
func (c *CLIApprovalResponder) displayApprovalRequest(req ApprovalRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.writer, "║              🔐 TOOL APPROVAL REQUIRED                         ║")
	fmt.Fprintln(c.writer, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  Tool:       %s\n", req.ToolName)

	if req.Category != "" {
		fmt.Fprintf(c.writer, "  Category:   %s\n", req.Category)
	}
	if req.Source != "" {
		source := string(req.Source)
		if req.Origin != "" && req.Origin != source {
			source = fmt.Sprintf("%s (%s)", source, req.Origin)
		}
		fmt.Fprintf(c.writer, "  Source:     %s\n", source)
	}

	if len(req.Args) > 0 {
		fmt.Fprintln(c.writer, "  Arguments:")
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.writer, "    %s: %s\n", k, formatArg(req.Args[k]))
		}
	}

	fmt.Fprintln(c.writer, "")
	fmt.Fprint(c.writer, "  Approve this tool call? [y/N/a]: ")
}

// displayTimeout displays timeout message
func (c *CLIApprovalResponder) displayTimeout() {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  ⏱️  Approval request TIMED OUT")
	fmt.Fprintln(c.writer, "")
}

func formatArg(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
