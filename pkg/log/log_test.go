package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestMapLevelToZapLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected string
	}{
		{"debug level", LevelDebug, "debug"},
		{"info level", LevelInfo, "info"},
		{"progress level", LevelProgress, "info"},
		{"minimal level", LevelMinimal, "warn"},
		{"warn level", LevelWarn, "warn"},
		{"error level", LevelError, "error"},
		{"unknown level defaults to info", LogLevel("unknown"), "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapLevelToZapLevel(tt.level).String(); got != tt.expected {
				t.Errorf("mapLevelToZapLevel() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   LogLevel
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{" INFO ", LevelInfo, true},
		{"", LevelProgress, true},
		{"verbose", LevelProgress, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestInitWritesToOutput(t *testing.T) {
	Reset()
	defer Reset()

	var buf bytes.Buffer
	if err := Init(Config{Level: LevelInfo, Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	Info("run started", "run_id", "r1")
	Debug("suppressed")
	_ = Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry["M"] != "run started" {
		t.Errorf("message = %v, want %q", entry["M"], "run started")
	}
	if entry["run_id"] != "r1" {
		t.Errorf("run_id = %v, want r1", entry["run_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	Reset()
	defer Reset()

	var buf bytes.Buffer
	if err := Init(Config{Level: LevelWarn, Format: "console", Output: &buf}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	Info("hidden")
	Progress("hidden too")
	Warn("shown")
	_ = Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains filtered entries: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("output missing warn entry: %q", out)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelProgress {
		t.Errorf("DefaultConfig().Level = %v, want %v", cfg.Level, LevelProgress)
	}
	if cfg.Format != "console" {
		t.Errorf("DefaultConfig().Format = %v, want %v", cfg.Format, "console")
	}
}

func TestGetInitializesDefaultLogger(t *testing.T) {
	Reset()
	defer Reset()

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil logger")
	}
	if logger != Get() {
		t.Error("Get() returned different logger instances")
	}
}

func TestWith(t *testing.T) {
	Reset()
	defer Reset()

	var buf bytes.Buffer
	if err := Init(Config{Level: LevelDebug, Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	With("backend", "codex").Infow("resolved")
	_ = Sync()
	if !strings.Contains(buf.String(), `"backend":"codex"`) {
		t.Errorf("With() field missing from %q", buf.String())
	}
}
