package permission

import (
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

type dangerousPattern struct {
	re     *regexp.Regexp
	reason string
}

var dangerousPatterns = []dangerousPattern{
	{
		re:     regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rR][a-zA-Z]*[fF]?[a-zA-Z]*|-[a-zA-Z]*[fF][a-zA-Z]*[rR][a-zA-Z]*|--recursive)(\s+-\S+)*\s+(--no-preserve-root\s+)?(/|/\*|~|~/|\$HOME)(\s|$|;|&|\|)`),
		reason: "recursive deletion of a root or home directory",
	},
	{
		re:     regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*(0?777|a\+rwx|ugo\+rwx|o\+w)\b`),
		reason: "world-writable permission change",
	},
	{
		re:     regexp.MustCompile(`\bdd\s+.*\bof=/dev/(sd|hd|nvme|disk|xvd|vd|mmcblk)`),
		reason: "raw write to a block device",
	},
	{
		re:     regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|disk|xvd|vd|mmcblk)`),
		reason: "raw write to a block device",
	},
	{
		re:     regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
		reason: "filesystem formatting",
	},
	{
		re:     regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		reason: "fork bomb",
	},
}

// readOnlyCommands never mutate state on their own. A non-nil check rejects
// the argument forms that do.
var readOnlyCommands = map[string]func(args []string) bool{
	"ls": nil, "cat": nil, "head": nil, "tail": nil, "less": nil, "more": nil,
	"grep": nil, "egrep": nil, "fgrep": nil, "ag": nil,
	"pwd": nil, "echo": nil, "printf": nil, "wc": nil, "cut": nil, "tr": nil, "diff": nil,
	"stat": nil, "du": nil, "df": nil, "which": nil, "whereis": nil,
	"type": nil, "printenv": nil, "whoami": nil, "id": nil,
	"uname": nil, "ps": nil, "jq": nil, "basename": nil,
	"dirname": nil, "realpath": nil, "readlink": nil, "md5sum": nil, "sha256sum": nil,
	"true": nil, "false": nil, "test": nil,

	"find":     findIsReadOnly,
	"sort":     sortIsReadOnly,
	"uniq":     uniqIsReadOnly,
	"tree":     treeIsReadOnly,
	"rg":       rejectFlags("--pre"),
	"fd":       rejectFlags("-x", "--exec", "-X", "--exec-batch"),
	"file":     rejectFlags("-C", "--compile"),
	"date":     rejectFlags("-s", "--set"),
	"hostname": func(args []string) bool { return len(positional(args)) == 0 },
	"git":      gitIsReadOnly,
}

// IsReadOnlyCommand reports whether command, parsed as a bash script, only
// runs whitelisted utilities in non-mutating forms. Output redirection,
// command and process substitution, parameter expansion, environment
// assignments and compound commands all disqualify it.
func IsReadOnlyCommand(command string) bool {
	if strings.TrimSpace(command) == "" {
		return false
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil || len(file.Stmts) == 0 {
		return false
	}

	readOnly := true
	syntax.Walk(file, func(node syntax.Node) bool {
		if !readOnly {
			return false
		}
		switch n := node.(type) {
		case nil, *syntax.File, *syntax.BinaryCmd, *syntax.Word, *syntax.Lit,
			*syntax.SglQuoted, *syntax.DblQuoted, *syntax.Comment:
		case *syntax.Stmt:
			if n.Coprocess || n.Cmd == nil {
				readOnly = false
			}
		case *syntax.Redirect:
			readOnly = isInputRedirect(n.Op)
		case *syntax.CallExpr:
			readOnly = isReadOnlyCall(n)
		default:
			readOnly = false
		}
		return readOnly
	})
	return readOnly
}

func isInputRedirect(op syntax.RedirOperator) bool {
	switch op {
	case syntax.RdrIn, syntax.DplIn, syntax.Hdoc, syntax.DashHdoc, syntax.WordHdoc:
		return true
	}
	return false
}

func isReadOnlyCall(call *syntax.CallExpr) bool {
	if len(call.Assigns) > 0 || len(call.Args) == 0 {
		return false
	}
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		lit, ok := literal(w)
		if !ok {
			return false
		}
		words = append(words, lit)
	}

	check, ok := readOnlyCommands[filepath.Base(words[0])]
	if !ok {
		return false
	}
	return check == nil || check(words[1:])
}

// literal returns the value of a word made only of literal and quoted text.
func literal(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

// positional returns the arguments that are not flags, honouring "--".
func positional(args []string) []string {
	var out []string
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i+1:]...)
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			out = append(out, arg)
		}
	}
	return out
}

// hasFlag reports whether args carry one of flags, either alone or as
// "--flag=value" / "-fvalue".
func hasFlag(args []string, flags ...string) bool {
	for _, arg := range args {
		if arg == "--" {
			return false
		}
		for _, flag := range flags {
			if arg == flag || strings.HasPrefix(arg, flag+"=") {
				return true
			}
			if len(flag) == 2 && !strings.HasPrefix(arg, "--") && strings.HasPrefix(arg, flag) {
				return true
			}
		}
	}
	return false
}

func rejectFlags(flags ...string) func([]string) bool {
	return func(args []string) bool { return !hasFlag(args, flags...) }
}

func findIsReadOnly(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "-delete", "-exec", "-execdir", "-ok", "-okdir", "-fprint", "-fprint0", "-fprintf", "-fls":
			return false
		}
	}
	return true
}

func sortIsReadOnly(args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if strings.HasPrefix(arg, "--output") || strings.HasPrefix(arg, "--compress-program") {
			return false
		}
		// -o may hide in a cluster such as -uo.
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.Contains(arg, "o") {
			return false
		}
	}
	return true
}

// uniqIsReadOnly rejects "uniq INPUT OUTPUT".
func uniqIsReadOnly(args []string) bool {
	count := 0
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			count += len(args) - i - 1
			i = len(args)
		case arg == "-f" || arg == "-s" || arg == "-w":
			i++
		case strings.HasPrefix(arg, "-") && arg != "-":
		default:
			count++
		}
	}
	return count <= 1
}

func treeIsReadOnly(args []string) bool {
	return !hasFlag(args, "-o")
}

var readOnlyGitSubcommands = map[string]func(args []string) bool{
	"status": nil, "show": nil, "blame": nil, "ls-files": nil, "ls-tree": nil,
	"rev-parse": nil, "describe": nil, "shortlog": nil, "cat-file": nil,
	"log":    rejectFlags("--output"),
	"diff":   rejectFlags("--output"),
	"grep":   rejectFlags("-O", "--open-files-in-pager"),
	"reflog": gitReflogIsReadOnly,
	"branch": gitBranchIsReadOnly,
	"tag":    gitTagIsReadOnly,
	"remote": gitRemoteIsReadOnly,
}

func gitIsReadOnly(args []string) bool {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-c" || strings.HasPrefix(arg, "--exec-path") || strings.HasPrefix(arg, "--config-env"):
			return false
		case arg == "-C" || arg == "--git-dir" || arg == "--work-tree":
			i++
		case strings.HasPrefix(arg, "-"):
		default:
			check, ok := readOnlyGitSubcommands[arg]
			if !ok {
				return false
			}
			return check == nil || check(args[i+1:])
		}
	}
	return false
}

func gitReflogIsReadOnly(args []string) bool {
	pos := positional(args)
	return len(pos) == 0 || (pos[0] != "expire" && pos[0] != "delete")
}

// listing reports whether args select a listing mode, in which positional
// arguments are patterns or commits rather than names to create.
func listing(args []string) bool {
	return hasFlag(args, "-l", "--list", "--contains", "--no-contains",
		"--merged", "--no-merged", "--points-at", "-a", "--all", "-r", "--remotes")
}

func gitBranchIsReadOnly(args []string) bool {
	if hasFlag(args, "-d", "-D", "--delete", "-m", "-M", "--move", "-c", "-C", "--copy",
		"-f", "--force", "-u", "--set-upstream-to", "--unset-upstream", "--edit-description", "-t", "--track") {
		return false
	}
	return len(positional(args)) == 0 || listing(args)
}

func gitTagIsReadOnly(args []string) bool {
	if hasFlag(args, "-d", "--delete", "-a", "--annotate", "-s", "--sign", "-u", "--local-user",
		"-f", "--force", "-m", "--message", "-F", "--file", "-e", "--edit") {
		return false
	}
	return len(positional(args)) == 0 || hasFlag(args, "-l", "--list", "--contains", "--no-contains",
		"--merged", "--no-merged", "--points-at")
}

func gitRemoteIsReadOnly(args []string) bool {
	pos := positional(args)
	return len(pos) == 0 || pos[0] == "show" || pos[0] == "get-url"
}

// DangerousReason returns a non-empty reason when command matches a dangerous pattern.
func DangerousReason(command string) string {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(command) {
			return p.reason
		}
	}
	return ""
}
