package runner

import (
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
)

type requiredFlag struct {
	// names that satisfy the requirement when already present
	names []string
	// tokens appended when missing
	add []string
}

var claudeRequired = []requiredFlag{
	{names: []string{"-p", "--print"}, add: []string{"-p"}},
	{names: []string{"--output-format"}, add: []string{"--output-format", "stream-json"}},
	{names: []string{"--verbose"}, add: []string{"--verbose"}},
	{names: []string{"--dangerously-skip-permissions"}, add: []string{"--dangerously-skip-permissions"}},
}

var codexRequired = []requiredFlag{
	{names: []string{"exec", "e"}, add: []string{"exec"}},
	{names: []string{"--skip-git-repo-check"}, add: []string{"--skip-git-repo-check"}},
	{names: []string{"--dangerously-bypass-approvals-and-sandbox"}, add: []string{"--dangerously-bypass-approvals-and-sandbox"}},
}

// singletonFlag reports whether name may appear at most once, its canonical
// spelling, and whether it consumes the following argument.
func singletonFlag(name string) (canonical string, takesValue, ok bool) {
	switch name {
	case "-p", "--print":
		return "--print", false, true
	case "--resume", "-r":
		return "--resume", true, true
	case "--output-format":
		return name, true, true
	case "--verbose", "--dangerously-skip-permissions", "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox":
		return name, false, true
	}
	return "", false, false
}

// BuildArgs assembles the CLI arguments for one run: caller extras first,
// then any missing required flags, then the resume directive.
func BuildArgs(kind backend.Kind, extra []string, resumeID string) []string {
	args := append([]string(nil), extra...)

	if kind.Structured() {
		args = appendMissing(args, claudeRequired)
		if resumeID != "" && !hasFlag(args, "--resume", "-r") {
			args = append(args, "--resume", resumeID)
		}
		return dedupeSingletons(args)
	}

	// codex reads the prompt from stdin when the last argument is "-"
	filtered := args[:0]
	for _, a := range args {
		if a != "-" {
			filtered = append(filtered, a)
		}
	}
	args = appendMissing(filtered, codexRequired)
	if resumeID != "" && !hasFlag(args, "resume") {
		args = append(args, "resume", resumeID)
	}
	args = dedupeSingletons(args)
	return append(args, "-")
}

func appendMissing(args []string, required []requiredFlag) []string {
	for _, req := range required {
		if !hasFlag(args, req.names...) {
			args = append(args, req.add...)
		}
	}
	return args
}

func hasFlag(args []string, names ...string) bool {
	for _, a := range args {
		name, _, _ := strings.Cut(a, "=")
		for _, n := range names {
			if a == n || (strings.HasPrefix(n, "--") && name == n) {
				return true
			}
		}
	}
	return false
}

// dedupeSingletons keeps the first occurrence of each singleton flag, with
// its value, and drops later repeats.
func dedupeSingletons(args []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, _, inline := strings.Cut(a, "=")
		canonical, takesValue, ok := singletonFlag(name)
		if !ok || (inline && !strings.HasPrefix(name, "--")) {
			out = append(out, a)
			continue
		}
		consumesNext := takesValue && !inline && i+1 < len(args)
		if seen[canonical] {
			if consumesNext {
				i++
			}
			continue
		}
		seen[canonical] = true
		out = append(out, a)
		if consumesNext {
			i++
			out = append(out, args[i])
		}
	}
	return out
}
