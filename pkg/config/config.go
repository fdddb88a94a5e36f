// Package config loads and saves the agentrelay YAML config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
	"gopkg.in/yaml.v3"
)

const (
	// CurrentVersion is the only config version this build understands.
	CurrentVersion = "v1"

	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "AGENTRELAY_CONFIG"

	defaultListen = "127.0.0.1:7345"
)

type Config struct {
	Version  string                   `yaml:"version"`
	StateDir string                   `yaml:"state_dir,omitempty"`
	Server   ServerConfig             `yaml:"server,omitempty"`
	Backends map[string]BackendConfig `yaml:"backends,omitempty"`
}

type ServerConfig struct {
	Listen string `yaml:"listen,omitempty"`
	// Journal enables events.ndjson in the state dir.
	Journal bool `yaml:"journal"`
	// CancelGrace is how long a canceled run gets before SIGKILL, e.g. "5s".
	CancelGrace string `yaml:"cancel_grace,omitempty"`
	// JournalRedact masks secrets before events reach the journal: off,
	// basic or aggressive.
	JournalRedact string `yaml:"journal_redact,omitempty"`
}

type BackendConfig struct {
	Binary    string   `yaml:"binary,omitempty"`
	BaseURL   string   `yaml:"base_url,omitempty"`
	APIKey    string   `yaml:"api_key,omitempty"`
	APIKeyEnv string   `yaml:"api_key_env,omitempty"`
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// DefaultDir is ~/.agentrelay.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home: %w", err)
	}
	return filepath.Join(home, ".agentrelay"), nil
}

// DefaultPath returns the config file location, honoring AGENTRELAY_CONFIG.
func DefaultPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return filepath.Abs(p)
	}
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Default returns a config with every field at its default.
func Default() Config {
	return Config{
		Version: CurrentVersion,
		Server:  ServerConfig{Listen: defaultListen, Journal: true, CancelGrace: "5s"},
	}
}

// Backend returns the settings for k, empty when unset.
func (c Config) Backend(k backend.Kind) BackendConfig {
	if c.Backends == nil {
		return BackendConfig{}
	}
	return c.Backends[string(k)]
}

// BaseURL returns the base URL override for k, falling back to the backend default.
func (c Config) BaseURL(k backend.Kind) string {
	if u := strings.TrimSpace(c.Backend(k).BaseURL); u != "" {
		return u
	}
	spec, _ := backend.Lookup(k)
	return spec.DefaultBaseURL
}

// ResolveStateDir returns StateDir, relative to the config file's directory,
// or "state" next to the config file.
func (c Config) ResolveStateDir(path string) string {
	if dir := strings.TrimSpace(c.StateDir); dir != "" {
		if filepath.IsAbs(dir) {
			return dir
		}
		return filepath.Join(filepath.Dir(path), dir)
	}
	return filepath.Join(filepath.Dir(path), "state")
}

// EnsureDefault writes a default config at path unless one exists, then loads it.
func EnsureDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Config{}, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		if err := Save(path, Default()); err != nil {
			return Config{}, err
		}
	} else if err != nil {
		return Config{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	cfg, err := Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("existing config is invalid: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	// unset keys keep their defaults; version must come from the file
	cfg := Default()
	cfg.Version = ""
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return Config{}, fmt.Errorf("invalid config %s: version is required", path)
	}
	if cfg.Version != CurrentVersion {
		return Config{}, fmt.Errorf("unsupported config version %q in %s", cfg.Version, path)
	}
	if err := validateBackends(cfg.Backends); err != nil {
		return Config{}, fmt.Errorf("invalid backends in %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = defaultListen
	}
	return cfg, nil
}

func validateBackends(backends map[string]BackendConfig) error {
	for name, bc := range backends {
		if _, err := backend.Parse(name); err != nil {
			return fmt.Errorf("backends.%s: %w", name, err)
		}
		if u := strings.TrimSpace(bc.BaseURL); u != "" {
			parsed, err := url.Parse(u)
			if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return fmt.Errorf("backends.%s.base_url: invalid URL %q (expected http(s)://host)", name, u)
			}
		}
		if b := strings.TrimSpace(bc.Binary); b != "" && !filepath.IsAbs(b) {
			return fmt.Errorf("backends.%s.binary must be an absolute path: %q", name, b)
		}
	}
	return nil
}
