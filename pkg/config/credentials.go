package config

import (
	"os"
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
)

// Credentials is the read-only store the runner pulls API keys from.
type Credentials interface {
	// APIKey returns the key for k and whether one was found.
	APIKey(k backend.Kind) (string, bool)
}

type credentialStore struct {
	cfg    Config
	getenv func(string) string
}

// NewCredentials reads keys from cfg first, then from the environment.
func NewCredentials(cfg Config) Credentials {
	return &credentialStore{cfg: cfg, getenv: os.Getenv}
}

func (s *credentialStore) APIKey(k backend.Kind) (string, bool) {
	bc := s.cfg.Backend(k)
	if key := strings.TrimSpace(bc.APIKey); key != "" {
		return key, true
	}
	if name := strings.TrimSpace(bc.APIKeyEnv); name != "" {
		if key := strings.TrimSpace(s.getenv(name)); key != "" {
			return key, true
		}
	}
	if key := strings.TrimSpace(s.getenv(backend.CredentialFallbackEnv(k))); key != "" {
		return key, true
	}
	return "", false
}

// StaticCredentials serves fixed keys; handy for tests and embedding.
type StaticCredentials map[backend.Kind]string

func (s StaticCredentials) APIKey(k backend.Kind) (string, bool) {
	key, ok := s[k]
	return key, ok && key != ""
}
