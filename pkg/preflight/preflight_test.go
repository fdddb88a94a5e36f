package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/config"
	"github.com/holon-run/agentrelay/pkg/resolver"
)

type fakeLocator map[backend.Kind]resolver.Resolution

func (f fakeLocator) Which(ctx context.Context, kind backend.Kind) (resolver.Resolution, error) {
	res, ok := f[kind]
	if !ok {
		return resolver.Resolution{}, fmt.Errorf("%w: %s", resolver.ErrNotFound, kind)
	}
	return res, nil
}

func TestBackendCheck(t *testing.T) {
	locator := fakeLocator{
		backend.Claude: {Kind: backend.Claude, Path: "/opt/bin/claude", Source: resolver.SourcePath, Version: "2.0.1"},
	}
	ctx := context.Background()

	tests := []struct {
		name     string
		kind     backend.Kind
		required bool
		level    CheckLevel
		contains string
	}{
		{name: "found", kind: backend.Claude, level: LevelInfo, contains: "version 2.0.1"},
		{name: "missing optional", kind: backend.Codex, level: LevelWarn, contains: "not found"},
		{name: "missing required", kind: backend.Codex, required: true, level: LevelError, contains: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := &BackendCheck{Kind: tt.kind, Locator: locator, Required: tt.required}
			result := check.Run(ctx)
			if result.Name != "backend:"+string(tt.kind) {
				t.Errorf("Name = %q", result.Name)
			}
			if result.Level != tt.level {
				t.Errorf("Level = %v, want %v", result.Level, tt.level)
			}
			if !strings.Contains(result.Message, tt.contains) {
				t.Errorf("Message = %q, want it to contain %q", result.Message, tt.contains)
			}
		})
	}
}

func TestBaseURLCheck(t *testing.T) {
	ctx := context.Background()

	result := (&BaseURLCheck{Kind: backend.GLM, Settings: config.Default()}).Run(ctx)
	if result.Level != LevelInfo || result.Message != "https://open.bigmodel.cn/api/anthropic" {
		t.Errorf("glm default: got level=%v message=%q", result.Level, result.Message)
	}

	result = (&BaseURLCheck{Kind: backend.Claude, Settings: config.Default()}).Run(ctx)
	if result.Level != LevelInfo {
		t.Errorf("claude: Level = %v, want info", result.Level)
	}

	result = (&BaseURLCheck{Kind: backend.Kind("nope")}).Run(ctx)
	if result.Level != LevelError {
		t.Errorf("unknown backend: Level = %v, want error", result.Level)
	}
}

func TestCredentialCheck(t *testing.T) {
	creds := config.StaticCredentials{backend.Claude: "sk-test"}
	ctx := context.Background()

	if got := (&CredentialCheck{Kind: backend.Claude, Credentials: creds}).Run(ctx); got.Level != LevelInfo {
		t.Errorf("configured key: Level = %v, want info", got.Level)
	}

	got := (&CredentialCheck{Kind: backend.Codex, Credentials: creds}).Run(ctx)
	if got.Level != LevelWarn {
		t.Errorf("missing key: Level = %v, want warn", got.Level)
	}
	if !strings.Contains(got.Message, "AGENTRELAY_CODEX_API_KEY") {
		t.Errorf("missing key message should name the fallback env, got %q", got.Message)
	}
}

func TestWorkspaceCheck(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()

	result := (&WorkspaceCheck{Path: tempDir}).Run(ctx)
	if result.Level != LevelInfo {
		t.Errorf("valid workspace: Level = %v, message = %s", result.Level, result.Message)
	}

	result = (&WorkspaceCheck{Path: filepath.Join(tempDir, "missing")}).Run(ctx)
	if result.Level != LevelError || !strings.Contains(result.Message, "does not exist") {
		t.Errorf("missing workspace: level=%v message=%q", result.Level, result.Message)
	}

	file := filepath.Join(tempDir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	result = (&WorkspaceCheck{Path: file}).Run(ctx)
	if result.Level != LevelError || !strings.Contains(result.Message, "not a directory") {
		t.Errorf("file workspace: level=%v message=%q", result.Level, result.Message)
	}
}

func TestStateDirCheck(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()

	stateDir := filepath.Join(tempDir, "state", "nested")
	result := (&StateDirCheck{Path: stateDir}).Run(ctx)
	if result.Level != LevelInfo {
		t.Fatalf("Level = %v, message = %s", result.Level, result.Message)
	}
	if info, err := os.Stat(stateDir); err != nil || !info.IsDir() {
		t.Fatalf("state dir was not created: %v", err)
	}

	entries, err := os.ReadDir(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("write test file left behind: %v", entries)
	}

	file := filepath.Join(tempDir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := (&StateDirCheck{Path: file}).Run(ctx); got.Level != LevelError {
		t.Errorf("file state dir: Level = %v, want error", got.Level)
	}
}

func TestListenCheck(t *testing.T) {
	ctx := context.Background()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	addr := ln.Addr().String()

	if got := (&ListenCheck{Addr: addr}).Run(ctx); got.Level != LevelError {
		t.Errorf("busy address: Level = %v, want error", got.Level)
	}

	ln.Close()
	if got := (&ListenCheck{Addr: addr}).Run(ctx); got.Level != LevelInfo {
		t.Errorf("free address: Level = %v, message = %s", got.Level, got.Message)
	}
}

func TestCheckerSkip(t *testing.T) {
	checker := NewChecker(Config{Skip: true, WorkspacePath: "/definitely/missing"})
	results, err := checker.Run(context.Background())
	if err != nil {
		t.Errorf("expected no error when skipped, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results when skipped, got %d", len(results))
	}
}

func TestCheckerAggregatesFailures(t *testing.T) {
	tempDir := t.TempDir()
	checker := NewChecker(Config{
		Quiet:           true,
		Backends:        []backend.Kind{backend.Claude, backend.Codex},
		RequireBackends: true,
		Locator:         fakeLocator{backend.Claude: {Path: "/bin/claude", Source: resolver.SourceOverride}},
		Credentials:     config.StaticCredentials{},
		Settings:        config.Default(),
		WorkspacePath:   filepath.Join(tempDir, "missing"),
		StateDir:        filepath.Join(tempDir, "state"),
	})

	results, err := checker.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	for _, want := range []string{"backend:codex", "workspace"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
	if strings.Contains(msg, "backend:claude") || strings.Contains(msg, "credential") {
		t.Errorf("error %q mentions a passing or warn-level check", msg)
	}

	// 3 per backend plus workspace and state dir.
	if len(results) != 8 {
		t.Errorf("len(results) = %d, want 8", len(results))
	}
}

func TestCheckerPasses(t *testing.T) {
	checker := NewChecker(Config{
		Quiet:         true,
		Backends:      []backend.Kind{backend.Claude},
		Locator:       fakeLocator{backend.Claude: {Path: "/bin/claude", Source: resolver.SourcePath}},
		Settings:      config.Default(),
		WorkspacePath: t.TempDir(),
	})
	if _, err := checker.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestCheckLevelString(t *testing.T) {
	if LevelError.String() != "error" || LevelWarn.String() != "warn" || LevelInfo.String() != "ok" {
		t.Errorf("unexpected level strings: %s %s %s", LevelError, LevelWarn, LevelInfo)
	}
}
