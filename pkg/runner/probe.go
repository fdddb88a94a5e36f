package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/extract"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/resolver"
	"github.com/holon-run/agentrelay/pkg/stream"
)

const (
	// DefaultProbeTimeout bounds a connectivity probe.
	DefaultProbeTimeout = 30 * time.Second
	// DefaultProbePrompt is sent when ProbeRequest.Prompt is empty.
	DefaultProbePrompt = "Reply with the single word OK."

	maxProbeOutput = 4 * 1024
)

// ProbeRequest asks a backend for one short answer to check that it works.
type ProbeRequest struct {
	Backend   backend.Kind
	WorkDir   string
	Prompt    string
	ExtraArgs []string
	Timeout   time.Duration
}

// ProbeResult summarizes a probe, including partial output on timeout.
type ProbeResult struct {
	Backend  backend.Kind  `json:"backend"`
	Path     string        `json:"path"`
	Version  string        `json:"version,omitempty"`
	OK       bool          `json:"ok"`
	TimedOut bool          `json:"timed_out"`
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Probe runs the backend once, synchronously, with a wall-clock timeout. The
// process is killed when the timeout expires. Probes are not registered and
// emit no events.
func (r *Runner) Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error) {
	spec, ok := backend.Lookup(req.Backend)
	if !ok {
		return ProbeResult{}, fmt.Errorf("%w: unknown backend %q", ErrValidation, req.Backend)
	}
	baseURL := r.opts.Config.BaseURL(req.Backend)
	if spec.RequiresBaseURL && baseURL == "" {
		return ProbeResult{}, fmt.Errorf("%w: backend %s requires backends.%s.base_url", ErrValidation, req.Backend, req.Backend)
	}
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultProbePrompt
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	workDir, err := resolveWorkDir(req.WorkDir)
	if err != nil {
		return ProbeResult{}, err
	}
	res, err := r.opts.Resolver.Resolve(ctx, req.Backend)
	if err != nil {
		return ProbeResult{}, err
	}

	result := ProbeResult{Backend: req.Backend, Path: res.Path, Version: resolver.Version(ctx, res.Path)}

	extra := append(append([]string(nil), r.opts.Config.Backend(req.Backend).ExtraArgs...), req.ExtraArgs...)
	apiKey, _ := r.opts.Credentials.APIKey(req.Backend)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, res.Path, BuildArgs(req.Backend, extra, "")...)
	cmd.Dir = workDir
	cmd.Env = BuildEnv(r.opts.Environ(), req.Backend, baseURL, apiKey)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return forceKill(cmd.Process) }
	cmd.WaitDelay = 2 * time.Second

	started := r.opts.Now()
	runErr := cmd.Run()
	result.Duration = r.opts.Now().Sub(started)
	result.TimedOut = errors.Is(probeCtx.Err(), context.DeadlineExceeded)

	if cmd.ProcessState == nil {
		return result, fmt.Errorf("%w: %s: %v", ErrSpawn, res.Path, runErr)
	}
	result.ExitCode = cmd.ProcessState.ExitCode()
	result.Signal = exitSignal(cmd.ProcessState)
	if result.Signal != "" {
		result.ExitCode = -1
	}
	result.Output = probeOutput(req.Backend, stdout.Bytes(), stderr.Bytes())
	result.OK = result.ExitCode == 0 && !result.TimedOut

	log.Info("probe finished", "backend", req.Backend, "ok", result.OK, "timed_out", result.TimedOut, "code", result.ExitCode, "duration", result.Duration)
	return result, nil
}

// probeOutput prefers the final assistant text; otherwise the raw output tail.
func probeOutput(kind backend.Kind, stdout, stderr []byte) string {
	if kind.Structured() {
		ext := extract.NewStructured(kind, "")
		var framer stream.Framer
		lines := framer.Feed(stdout)
		if rest, ok := framer.Flush(); ok {
			lines = append(lines, rest)
		}
		final := ""
		for _, l := range lines {
			for _, ev := range ext.Extract(event.Stdout, l) {
				if t, ok := ev.(event.Text); ok {
					final = t.Text
				}
			}
		}
		if final != "" {
			return tail(final, maxProbeOutput)
		}
	}
	out := strings.TrimSpace(string(stdout))
	if out == "" {
		out = strings.TrimSpace(string(stderr))
	}
	return tail(out, maxProbeOutput)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
