// Package backend describes the closed set of agent CLIs agentrelay can drive.
package backend

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies one backend.
type Kind string

const (
	Claude Kind = "claude"
	GLM    Kind = "glm"
	Codex  Kind = "codex"
)

// Protocol is the output format a backend's CLI speaks.
type Protocol string

const (
	// ProtocolJSONLines is one JSON object per stdout line.
	ProtocolJSONLines Protocol = "json-lines"
	// ProtocolPlainText is free-form text with a session marker on stderr.
	ProtocolPlainText Protocol = "plain-text"
)

// Spec holds everything the runner and resolver need to know about a backend.
type Spec struct {
	Protocol Protocol

	// Binary is the executable base name looked up on PATH.
	Binary string
	// OverrideEnv names the env var holding an explicit binary path.
	OverrideEnv string
	// CredentialEnv lists the env names a credential is injected under.
	CredentialEnv []string
	// BaseURLEnv is the env var the base URL override is written to.
	BaseURLEnv string
	// DefaultBaseURL is used when the config leaves base_url empty.
	DefaultBaseURL string
	// RequiresBaseURL rejects runs that end up without a base URL.
	RequiresBaseURL bool
}

var specs = map[Kind]Spec{
	Claude: {
		Protocol:      ProtocolJSONLines,
		Binary:        "claude",
		OverrideEnv:   "AGENTRELAY_CLAUDE_BIN",
		CredentialEnv: []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN"},
		BaseURLEnv:    "ANTHROPIC_BASE_URL",
	},
	GLM: {
		Protocol:        ProtocolJSONLines,
		Binary:          "claude",
		OverrideEnv:     "AGENTRELAY_CLAUDE_BIN",
		CredentialEnv:   []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN"},
		BaseURLEnv:      "ANTHROPIC_BASE_URL",
		DefaultBaseURL:  "https://open.bigmodel.cn/api/anthropic",
		RequiresBaseURL: true,
	},
	Codex: {
		Protocol:      ProtocolPlainText,
		Binary:        "codex",
		OverrideEnv:   "AGENTRELAY_CODEX_BIN",
		CredentialEnv: []string{"OPENAI_API_KEY", "CODEX_API_KEY"},
	},
}

// Parse validates a user supplied backend name.
func Parse(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := specs[k]; !ok {
		return "", fmt.Errorf("unknown backend %q (expected one of: %s)", s, strings.Join(Names(), ", "))
	}
	return k, nil
}

// Lookup returns the spec for k.
func Lookup(k Kind) (Spec, bool) {
	s, ok := specs[k]
	return s, ok
}

// All returns every known kind in a stable order.
func All() []Kind {
	kinds := make([]Kind, 0, len(specs))
	for k := range specs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Names returns All as strings.
func Names() []string {
	var names []string
	for _, k := range All() {
		names = append(names, string(k))
	}
	return names
}

// Structured reports whether k speaks the JSON lines protocol.
func (k Kind) Structured() bool {
	s, ok := specs[k]
	return ok && s.Protocol == ProtocolJSONLines
}

// Candidates returns the file names to look for in each search directory on goos.
func (s Spec) Candidates(goos string) []string {
	if goos == "windows" {
		return []string{s.Binary + ".cmd", s.Binary + ".exe", s.Binary}
	}
	return []string{s.Binary}
}

// CredentialFallbackEnv is the env var consulted when the config has no key.
func CredentialFallbackEnv(k Kind) string {
	return "AGENTRELAY_" + strings.ToUpper(string(k)) + "_API_KEY"
}
