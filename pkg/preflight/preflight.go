// Package preflight checks that the local machine can run agents before a
// server starts or when the user asks for a diagnosis.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/config"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/resolver"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents execution
	LevelError CheckLevel = iota
	// LevelWarn indicates a warning that should be addressed but doesn't block execution
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

func (l CheckLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	default:
		return "ok"
	}
}

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check represents a single preflight check
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Locator resolves a backend binary and its version.
type Locator interface {
	Which(ctx context.Context, kind backend.Kind) (resolver.Resolution, error)
}

// Config selects which checks run.
type Config struct {
	Skip  bool
	Quiet bool

	// Backends to look up. Missing ones are errors when RequireBackends is
	// set, warnings otherwise.
	Backends        []backend.Kind
	RequireBackends bool
	Locator         Locator
	Credentials     config.Credentials
	Settings        config.Config

	WorkspacePath string
	StateDir      string
	// ListenAddr is checked for availability when set.
	ListenAddr string
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	skipped bool
	quiet   bool
}

// NewChecker creates a new preflight checker with the given configuration
func NewChecker(cfg Config) *Checker {
	c := &Checker{skipped: cfg.Skip, quiet: cfg.Quiet}

	for _, kind := range cfg.Backends {
		if cfg.Locator != nil {
			c.checks = append(c.checks, &BackendCheck{Kind: kind, Locator: cfg.Locator, Required: cfg.RequireBackends})
		}
		c.checks = append(c.checks, &BaseURLCheck{Kind: kind, Settings: cfg.Settings})
		if cfg.Credentials != nil {
			c.checks = append(c.checks, &CredentialCheck{Kind: kind, Credentials: cfg.Credentials})
		}
	}
	if cfg.WorkspacePath != "" {
		c.checks = append(c.checks, &WorkspaceCheck{Path: cfg.WorkspacePath})
	}
	if cfg.StateDir != "" {
		c.checks = append(c.checks, &StateDirCheck{Path: cfg.StateDir})
	}
	if cfg.ListenAddr != "" {
		c.checks = append(c.checks, &ListenCheck{Addr: cfg.ListenAddr})
	}
	return c
}

// Run executes every check. The error combines all error-level results.
func (c *Checker) Run(ctx context.Context) ([]CheckResult, error) {
	if c.skipped {
		log.Info("preflight checks skipped")
		return nil, nil
	}

	log.Progress("running preflight checks")

	results := make([]CheckResult, 0, len(c.checks))
	var failures []string
	warnings := 0
	for _, check := range c.checks {
		result := check.Run(ctx)
		results = append(results, result)

		switch result.Level {
		case LevelError:
			log.Error("preflight check failed", "check", result.Name, "message", result.Message)
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Message))
		case LevelWarn:
			log.Warn("preflight check warning", "check", result.Name, "message", result.Message)
			warnings++
		case LevelInfo:
			if !c.quiet {
				log.Info("preflight check", "check", result.Name, "message", result.Message)
			}
		}
	}

	if warnings > 0 {
		log.Info("preflight warnings", "count", warnings)
	}
	if len(failures) > 0 {
		return results, fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(failures, "\n  - "))
	}

	log.Progress("preflight checks passed")
	return results, nil
}

// BackendCheck resolves a backend binary.
type BackendCheck struct {
	Kind     backend.Kind
	Locator  Locator
	Required bool
}

func (c *BackendCheck) Name() string {
	return "backend:" + string(c.Kind)
}

func (c *BackendCheck) Run(ctx context.Context) CheckResult {
	res, err := c.Locator.Which(ctx, c.Kind)
	if err != nil {
		level := LevelWarn
		if c.Required || !errors.Is(err, resolver.ErrNotFound) {
			level = LevelError
		}
		return CheckResult{Name: c.Name(), Level: level, Message: err.Error(), Error: err}
	}

	msg := fmt.Sprintf("%s (%s)", res.Path, res.Source)
	if res.Version != "" {
		msg += ", version " + res.Version
	} else {
		msg += ", version unknown"
	}
	if res.Entry != "" {
		msg += fmt.Sprintf(", runs %s %s", res.Interpreter, res.Entry)
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: msg}
}

// BaseURLCheck verifies backends that need a base URL have one.
type BaseURLCheck struct {
	Kind     backend.Kind
	Settings config.Config
}

func (c *BaseURLCheck) Name() string {
	return "base-url:" + string(c.Kind)
}

func (c *BaseURLCheck) Run(ctx context.Context) CheckResult {
	spec, ok := backend.Lookup(c.Kind)
	if !ok {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("unknown backend %q", c.Kind)}
	}
	u := c.Settings.BaseURL(c.Kind)
	switch {
	case u != "":
		return CheckResult{Name: c.Name(), Level: LevelInfo, Message: u}
	case spec.RequiresBaseURL:
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("backend %s requires backends.%s.base_url", c.Kind, c.Kind),
		}
	default:
		return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "using the CLI default"}
	}
}

// CredentialCheck reports whether an API key will be injected. A missing
// key is only a warning: the CLI may be logged in on its own.
type CredentialCheck struct {
	Kind        backend.Kind
	Credentials config.Credentials
}

func (c *CredentialCheck) Name() string {
	return "credential:" + string(c.Kind)
}

func (c *CredentialCheck) Run(ctx context.Context) CheckResult {
	if _, ok := c.Credentials.APIKey(c.Kind); ok {
		return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "api key configured"}
	}
	return CheckResult{
		Name:  c.Name(),
		Level: LevelWarn,
		Message: fmt.Sprintf("no api key configured; set backends.%s.api_key or %s, or log in with the CLI",
			c.Kind, backend.CredentialFallbackEnv(c.Kind)),
	}
}

// WorkspaceCheck checks if workspace path is accessible
type WorkspaceCheck struct {
	Path string
}

func (c *WorkspaceCheck) Name() string {
	return "workspace"
}

func (c *WorkspaceCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("failed to resolve workspace path: %s", c.Path), Error: err}
	}

	info, err := os.Stat(absPath)
	if err != nil {
		msg := fmt.Sprintf("cannot access workspace path: %s", absPath)
		if os.IsNotExist(err) {
			msg = fmt.Sprintf("workspace path does not exist: %s", absPath)
		}
		return CheckResult{Name: c.Name(), Level: LevelError, Message: msg, Error: err}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("workspace path is not a directory: %s", absPath),
			Error:   fmt.Errorf("not a directory"),
		}
	}

	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("workspace is accessible: %s", absPath)}
}

// StateDirCheck makes sure the state dir exists and is writable.
type StateDirCheck struct {
	Path string
}

func (c *StateDirCheck) Name() string {
	return "state-dir"
}

func (c *StateDirCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("failed to resolve state dir: %s", c.Path), Error: err}
	}

	info, err := os.Stat(absPath)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(absPath, 0755); err != nil {
			return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("cannot create state dir: %s", absPath), Error: err}
		}
	case err != nil:
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("cannot access state dir: %s", absPath), Error: err}
	case !info.IsDir():
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("state dir is not a directory: %s", absPath),
			Error:   fmt.Errorf("not a directory"),
		}
	}

	f, err := os.CreateTemp(absPath, ".agentrelay-write-test-*")
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("state dir is not writable: %s", absPath), Error: err}
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)

	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("state dir is writable: %s", absPath)}
}

// ListenCheck verifies the server address can be bound.
type ListenCheck struct {
	Addr string
}

func (c *ListenCheck) Name() string {
	return "listen"
}

func (c *ListenCheck) Run(ctx context.Context) CheckResult {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.Addr)
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("cannot listen on %s", c.Addr), Error: err}
	}
	_ = ln.Close()
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("%s is available", c.Addr)}
}
