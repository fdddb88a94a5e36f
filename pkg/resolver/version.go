package resolver

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// VersionTimeout bounds each version invocation.
var VersionTimeout = 1500 * time.Millisecond

var versionArgs = []string{"--version", "version", "-v"}

// Version asks the binary at path for its version string. It returns "" when
// every attempt fails; it never returns an error.
func Version(ctx context.Context, path string) string {
	for _, arg := range versionArgs {
		if v := tryVersion(ctx, path, arg); v != "" {
			return v
		}
	}
	return ""
}

func tryVersion(ctx context.Context, path, arg string) string {
	probeCtx, cancel := context.WithTimeout(ctx, VersionTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, arg)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = VersionTimeout
	if err := cmd.Run(); err != nil {
		return ""
	}
	if v := firstLine(stdout.String()); v != "" {
		return v
	}
	return firstLine(stderr.String())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
