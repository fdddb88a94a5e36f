package resolver

import (
	"path/filepath"
	"testing"
)

func TestIsShellShebang(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"#!/bin/sh", true},
		{"#!/bin/bash -e", true},
		{"#!/usr/bin/env zsh", true},
		{"#!/usr/bin/env -S dash", true},
		{"#!/usr/bin/env node", false},
		{"#!/usr/bin/python3", false},
		{"echo hi", false},
		{"#!", false},
	}
	for _, tt := range tests {
		if got := isShellShebang(tt.line); got != tt.want {
			t.Errorf("isShellShebang(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestParseWrapper(t *testing.T) {
	dir := filepath.FromSlash("/opt/tool/bin")
	tests := []struct {
		name       string
		script     string
		wantInterp string
		wantEntry  string
		wantOK     bool
	}{
		{
			name:       "npm style basedir",
			script:     "#!/bin/sh\nbasedir=x\nexec \"$basedir/node\" \"$basedir/../lib/cli.js\" \"$@\"\n",
			wantInterp: "node",
			wantEntry:  filepath.Join(dir, "..", "lib", "cli.js"),
			wantOK:     true,
		},
		{
			name:       "dirname expansion",
			script:     "#!/usr/bin/env bash\nexec node \"$(dirname \"$0\")/cli.mjs\" \"$@\"\n",
			wantInterp: "node",
			wantEntry:  filepath.Join(dir, "cli.mjs"),
			wantOK:     true,
		},
		{
			name:       "bare absolute entry",
			script:     "#!/bin/bash\nexec bun /usr/lib/agent/main.cjs \"$@\"\n",
			wantInterp: "bun",
			wantEntry:  filepath.FromSlash("/usr/lib/agent/main.cjs"),
			wantOK:     true,
		},
		{
			name:       "no exec keyword",
			script:     "#!/bin/sh\nif [ -x x ]; then\n  node \"$basedir/cli.js\" \"$@\"\nfi\n",
			wantInterp: "node",
			wantEntry:  filepath.Join(dir, "cli.js"),
			wantOK:     true,
		},
		{
			name:   "node shebang is not a wrapper",
			script: "#!/usr/bin/env node\nrequire('./cli.js')\n",
		},
		{
			name:   "shell without entry",
			script: "#!/bin/sh\nexec /usr/lib/agent/agent \"$@\"\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp, entry, ok := parseWrapper(tt.script, dir)
			if ok != tt.wantOK {
				t.Fatalf("parseWrapper() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if interp != tt.wantInterp {
				t.Errorf("interp = %q, want %q", interp, tt.wantInterp)
			}
			if entry != filepath.Clean(tt.wantEntry) {
				t.Errorf("entry = %q, want %q", entry, filepath.Clean(tt.wantEntry))
			}
		})
	}
}
