package xcallback

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
)

var (
	shellExecPattern = regexp.MustCompile(`(^|[;&|]\s*)(bash|sh|zsh|fish|dash)\s+-c(\s|$)`)
	evalPattern      = regexp.MustCompile(`(^|[;&|]\s*)eval(\s|$)`)
)

var commandWrappers = []string{"sudo", "command", "nohup", "exec"}

// PolicyError reports a remote command refused by the policy.
type PolicyError struct {
	Rule    string
	Detail  string
	Command string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("command blocked by policy (%s): %s", e.Rule, e.Detail)
}

// Policy screens commands that arrive from outside the terminal. The zero
// value allows everything.
type Policy struct {
	Enabled bool
}

// Check returns a *PolicyError when raw must not run.
func (p Policy) Check(raw string) error {
	if !p.Enabled {
		return nil
	}
	cmd := strings.TrimSpace(raw)
	if cmd == "" {
		return nil
	}
	deny := func(rule, detail string) error {
		return &PolicyError{Rule: rule, Detail: detail, Command: cmd}
	}

	if strings.Contains(cmd, "`") || strings.Contains(cmd, "$(") {
		return deny("no_shell_substitution", "shell substitution is blocked (` or $())")
	}
	lower := strings.ToLower(cmd)
	if shellExecPattern.MatchString(lower) {
		return deny("no_shell_dash_c", "shell -c execution is blocked")
	}
	if evalPattern.MatchString(lower) {
		return deny("no_eval", "eval is blocked")
	}

	argv, err := shellquote.Split(cmd)
	if err != nil {
		return deny("unparsable", err.Error())
	}
	for _, arg := range argv {
		path := pathPart(arg)
		if path == "" {
			continue
		}
		if strings.Contains(path, "$") {
			return deny("no_env_path_expansion", "environment variable path expansion is blocked")
		}
		if hasTraversal(path) {
			return deny("no_path_traversal", "relative traversal (../) is blocked")
		}
	}

	exe, args := unwrap(argv)
	if exe == "rm" && recursive(args) {
		for _, arg := range args {
			if !strings.HasPrefix(arg, "-") && (filepath.IsAbs(arg) || strings.HasPrefix(arg, "~")) {
				return deny("no_rm_rf_absolute", "recursive rm with absolute path is blocked")
			}
		}
	}
	return nil
}

// pathPart returns the path-looking portion of an argument: the argument
// itself or the value of a --flag=value.
func pathPart(arg string) string {
	if strings.HasPrefix(arg, "-") {
		_, value, ok := strings.Cut(arg, "=")
		if !ok {
			return ""
		}
		arg = value
	}
	if arg == "" || strings.Contains(arg, "://") {
		return ""
	}
	if strings.ContainsAny(arg, "/\\") || strings.HasPrefix(arg, ".") || strings.HasPrefix(arg, "~") {
		return arg
	}
	return ""
}

func hasTraversal(path string) bool {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// unwrap skips wrappers such as sudo and env assignments and returns the
// command actually run.
func unwrap(argv []string) (string, []string) {
	i := 0
	for i < len(argv) {
		base := strings.ToLower(filepath.Base(argv[i]))
		switch {
		case slices.Contains(commandWrappers, base):
			i++
		case base == "env":
			i++
			for i < len(argv) && isEnvAssignment(argv[i]) {
				i++
			}
		default:
			return filepath.Base(argv[i]), argv[i+1:]
		}
	}
	return "", nil
}

func recursive(args []string) bool {
	for _, arg := range args {
		if arg == "--recursive" {
			return true
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.ContainsAny(arg, "rR") {
			return true
		}
	}
	return false
}

func isEnvAssignment(token string) bool {
	key, _, ok := strings.Cut(token, "=")
	if !ok || key == "" {
		return false
	}
	for i, r := range key {
		letter := r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
		if !letter && (i == 0 || r < '0' || r > '9') {
			return false
		}
	}
	return true
}
