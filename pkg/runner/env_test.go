package runner

import (
	"sort"
	"strings"
	"testing"

	"github.com/holon-run/agentrelay/pkg/backend"
)

func envMap(entries []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range entries {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestBuildEnvForcesPlainOutput(t *testing.T) {
	parent := []string{"PATH=/bin", "TERM=xterm-256color", "FORCE_COLOR=1", "LANG=de_DE.UTF-8", "broken"}
	env := BuildEnv(parent, backend.Codex, "", "")
	m := envMap(env)

	want := map[string]string{
		"PATH":        "/bin",
		"TERM":        "dumb",
		"NO_COLOR":    "1",
		"FORCE_COLOR": "0",
		"CLICOLOR":    "0",
		"LANG":        "de_DE.UTF-8",
		"LC_ALL":      "C.UTF-8",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %q, want %q", k, m[k], v)
		}
	}
	if _, ok := m["broken"]; ok {
		t.Error("malformed parent entry should be dropped")
	}
	if !sort.StringsAreSorted(env) {
		t.Errorf("env not sorted: %v", env)
	}
}

func TestBuildEnvCredentials(t *testing.T) {
	tests := []struct {
		kind    backend.Kind
		baseURL string
		want    map[string]string
		absent  []string
	}{
		{
			kind:    backend.GLM,
			baseURL: "https://glm.example.com/api",
			want: map[string]string{
				"ANTHROPIC_API_KEY":    "k",
				"ANTHROPIC_AUTH_TOKEN": "k",
				"ANTHROPIC_BASE_URL":   "https://glm.example.com/api",
			},
			absent: []string{"OPENAI_API_KEY"},
		},
		{
			kind: backend.Codex,
			want: map[string]string{
				"OPENAI_API_KEY": "k",
				"CODEX_API_KEY":  "k",
			},
			absent: []string{"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
		},
	}
	for _, tt := range tests {
		m := envMap(BuildEnv(nil, tt.kind, tt.baseURL, "k"))
		for k, v := range tt.want {
			if m[k] != v {
				t.Errorf("%s: %s = %q, want %q", tt.kind, k, m[k], v)
			}
		}
		for _, k := range tt.absent {
			if _, ok := m[k]; ok {
				t.Errorf("%s: unexpected %s", tt.kind, k)
			}
		}
	}
}

func TestBuildEnvKeepsParentCredentialWithoutKey(t *testing.T) {
	m := envMap(BuildEnv([]string{"ANTHROPIC_API_KEY=parent"}, backend.Claude, "", ""))
	if m["ANTHROPIC_API_KEY"] != "parent" {
		t.Fatalf("ANTHROPIC_API_KEY = %q, want parent", m["ANTHROPIC_API_KEY"])
	}
}
