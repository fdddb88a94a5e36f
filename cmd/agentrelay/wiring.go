package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/config"
	"github.com/holon-run/agentrelay/pkg/continuity"
	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/logs/redact"
	"github.com/holon-run/agentrelay/pkg/resolver"
	"github.com/holon-run/agentrelay/pkg/runner"
)

const conversationsFile = "conversations.json"

// environment is the configured set of collaborators a command works with.
type environment struct {
	cfgPath  string
	cfg      config.Config
	stateDir string
	creds    config.Credentials
	resolver *resolver.Resolver
}

// loadEnvironment reads the config. With create set, a missing config file
// is written with defaults first.
func loadEnvironment(create bool) (*environment, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	var cfg config.Config
	if create {
		cfg, err = config.EnsureDefault(abs)
	} else {
		cfg, err = config.LoadOrDefault(abs)
	}
	if err != nil {
		return nil, err
	}

	stateDir, err := filepath.Abs(cfg.ResolveStateDir(abs))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state dir: %w", err)
	}
	log.Debug("config loaded", "path", abs, "state_dir", stateDir)

	return &environment{
		cfgPath:  abs,
		cfg:      cfg,
		stateDir: stateDir,
		creds:    config.NewCredentials(cfg),
		resolver: resolver.New(resolver.Options{Overrides: binaryOverrides(cfg)}),
	}, nil
}

func binaryOverrides(cfg config.Config) map[backend.Kind]string {
	out := make(map[backend.Kind]string)
	for _, kind := range backend.All() {
		if bin := strings.TrimSpace(cfg.Backend(kind).Binary); bin != "" {
			out[kind] = bin
		}
	}
	return out
}

func (e *environment) cancelGrace() time.Duration {
	raw := strings.TrimSpace(e.cfg.Server.CancelGrace)
	if raw == "" {
		return runner.DefaultCancelGrace
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warn("invalid server.cancel_grace; using default", "value", raw, "default", runner.DefaultCancelGrace)
		return runner.DefaultCancelGrace
	}
	return d
}

// journalRedactor builds the journal's redactor from mode, falling back to
// server.journal_redact. Every configured API key is masked.
func (e *environment) journalRedactor(mode string) (*redact.Redactor, error) {
	if strings.TrimSpace(mode) == "" {
		mode = e.cfg.Server.JournalRedact
	}
	m, err := redact.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	var secrets []string
	for _, kind := range backend.All() {
		if key, ok := e.creds.APIKey(kind); ok {
			secrets = append(secrets, key)
		}
	}
	return redact.New(redact.Config{Mode: m, Secrets: secrets}), nil
}

// tracker opens the conversation store in the state dir.
func (e *environment) tracker() (*continuity.Tracker, error) {
	store, err := continuity.OpenFileStore(filepath.Join(e.stateDir, conversationsFile))
	if err != nil {
		return nil, err
	}
	return continuity.NewTracker(store), nil
}

func (e *environment) newRunner(d *dispatch.Dispatcher) (*runner.Runner, error) {
	tracker, err := e.tracker()
	if err != nil {
		return nil, err
	}
	return runner.New(runner.Options{
		Resolver:    e.resolver,
		Dispatcher:  d,
		Tracker:     tracker,
		Config:      e.cfg,
		Credentials: e.creds,
		CancelGrace: e.cancelGrace(),
	}), nil
}

// parseBackends maps names to kinds; none means every backend.
func parseBackends(names []string) ([]backend.Kind, error) {
	if len(names) == 0 {
		return backend.All(), nil
	}
	out := make([]backend.Kind, 0, len(names))
	for _, name := range names {
		kind, err := backend.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
	}
	return out, nil
}

// serverURL turns a listen address into the server's base URL.
func serverURL(listen string) string {
	if strings.Contains(listen, "://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "ws://" + listen
}
