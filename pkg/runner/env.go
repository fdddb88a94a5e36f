package runner

import (
	"sort"
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
)

// Variables forced on every run so agent CLIs emit plain, parseable output.
var plainOutputEnv = map[string]string{
	"NO_COLOR":    "1",
	"FORCE_COLOR": "0",
	"CLICOLOR":    "0",
	"TERM":        "dumb",
}

const defaultLocale = "C.UTF-8"

// BuildEnv derives the child environment from parent ("KEY=VALUE" entries).
// baseURL and apiKey are injected when non-empty.
func BuildEnv(parent []string, kind backend.Kind, baseURL, apiKey string) []string {
	env := make(map[string]string, len(parent)+8)
	for _, kv := range parent {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}

	for k, v := range plainOutputEnv {
		env[k] = v
	}
	for _, k := range []string{"LANG", "LC_ALL"} {
		if strings.TrimSpace(env[k]) == "" {
			env[k] = defaultLocale
		}
	}

	spec, _ := backend.Lookup(kind)
	if baseURL != "" && spec.BaseURLEnv != "" {
		env[spec.BaseURLEnv] = baseURL
	}
	// Different CLI versions read different names; set all of them.
	if apiKey != "" {
		for _, name := range spec.CredentialEnv {
			env[name] = apiKey
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
