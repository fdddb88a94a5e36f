package resolver

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const maxWrapperScan = 64 * 1024

var (
	shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true}

	entryPattern = regexp.MustCompile(`"([^"]+\.[cm]?js)"|'([^']+\.[cm]?js)'|(\S+\.[cm]?js)\b`)

	dirPlaceholders = []string{
		`$(dirname "$0")`,
		`$(dirname $0)`,
		"`dirname \"$0\"`",
		"${basedir}",
		"$basedir",
	}
)

// inspectWrapper fills Wrapper/Interpreter/Entry when res.Path is a shell script
// that execs an interpreted entry point that exists on disk.
func inspectWrapper(res Resolution) Resolution {
	f, err := os.Open(res.Path)
	if err != nil {
		return res
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxWrapperScan))
	if err != nil {
		return res
	}
	interp, entry, ok := parseWrapper(string(data), filepath.Dir(res.Path))
	if !ok {
		return res
	}
	if info, err := os.Stat(entry); err != nil || !info.Mode().IsRegular() {
		return res
	}
	res.Wrapper = res.Path
	res.Interpreter = interp
	res.Entry = entry
	return res
}

// parseWrapper reports the interpreter and entry script exec'd by a shell wrapper.
func parseWrapper(script, dir string) (interp, entry string, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(script))
	sc.Buffer(make([]byte, 0, 4096), maxWrapperScan)
	if !sc.Scan() || !isShellShebang(sc.Text()) {
		return "", "", false
	}

	var fallback []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "exec ") {
			if interp, entry, ok := parseExecLine(line, dir); ok {
				return interp, entry, true
			}
			continue
		}
		fallback = append(fallback, line)
	}

	// Some wrappers call the interpreter without exec (e.g. inside an if block).
	for _, line := range fallback {
		if interp, entry, ok := parseExecLine("exec "+line, dir); ok {
			return interp, entry, true
		}
	}
	return "", "", false
}

func isShellShebang(line string) bool {
	if !strings.HasPrefix(line, "#!") {
		return false
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return false
	}
	base := filepath.Base(fields[0])
	if base == "env" {
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "-") {
				continue
			}
			return shells[f]
		}
		return false
	}
	return shells[base]
}

func parseExecLine(line, dir string) (interp, entry string, ok bool) {
	expanded := expandDir(line, dir)
	m := entryPattern.FindStringSubmatchIndex(expanded)
	if m == nil {
		return "", "", false
	}
	for i := 2; i < len(m); i += 2 {
		if m[i] >= 0 {
			entry = expanded[m[i]:m[i+1]]
			break
		}
	}
	if entry == "" {
		return "", "", false
	}
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}

	// Interpreter is the first word after exec, unless that word is the entry.
	fields := strings.Fields(strings.TrimPrefix(expanded[:m[0]], "exec"))
	if len(fields) > 0 {
		interp = filepath.Base(strings.Trim(fields[0], `"'`))
	}
	return interp, filepath.Clean(entry), true
}

func expandDir(s, dir string) string {
	for _, p := range dirPlaceholders {
		s = strings.ReplaceAll(s, p, dir)
	}
	return s
}
