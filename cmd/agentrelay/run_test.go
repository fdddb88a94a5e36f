package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/reducer"
)

func TestReadPrompt(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "args joined", args: []string{"fix", "the", "bug"}, want: "fix the bug"},
		{name: "no args reads stdin", stdin: "from stdin\n", want: "from stdin\n"},
		{name: "dash reads stdin", args: []string{"-"}, stdin: "piped", want: "piped"},
		{name: "empty stdin", stdin: "  \n", wantErr: true},
		{name: "blank arg", args: []string{" "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPrompt(strings.NewReader(tt.stdin), tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPrompt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("readPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRunPrinter_RejectsUnknownMode(t *testing.T) {
	if _, err := newRunPrinter("yaml", nil, nil); err == nil {
		t.Fatal("newRunPrinter(yaml) error = nil, want error")
	}
	if _, err := newRunPrinter(" RAW ", nil, nil); err != nil {
		t.Fatalf("newRunPrinter(RAW) error = %v", err)
	}
}

func TestRunPrinter_Raw(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p, err := newRunPrinter("raw", &stdout, &stderr)
	if err != nil {
		t.Fatalf("newRunPrinter() error = %v", err)
	}

	p.print(event.Start{Backend: "claude"})
	p.print(event.Log{Stream: event.Stdout, Text: "out 1\n"})
	p.print(event.Log{Stream: event.Stderr, Text: "err 1\r\n"})
	p.print(event.Text{Text: "answer"})
	p.print(event.Log{Stream: event.Stdout, Text: "partial"})
	p.finish(reducer.Message{Output: "answer"})

	if got, want := stdout.String(), "out 1\npartial"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
	if got, want := stderr.String(), "err 1\r\n"; got != want {
		t.Fatalf("stderr = %q, want %q", got, want)
	}
}

func TestRunPrinter_Text(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p, _ := newRunPrinter("text", &stdout, &stderr)

	p.print(event.Log{Stream: event.Stdout, Text: "{\"type\":\"result\"}\n"})
	p.print(event.Error{Message: "spawn failed"})
	p.finish(reducer.Message{Output: "final answer"})

	if got, want := stdout.String(), "final answer\n"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
	if got, want := stderr.String(), "error: spawn failed\n"; got != want {
		t.Fatalf("stderr = %q, want %q", got, want)
	}
}

func TestRunPrinter_Events(t *testing.T) {
	var stdout bytes.Buffer
	p, _ := newRunPrinter("events", &stdout, &bytes.Buffer{})

	p.print(event.Log{Header: event.Header{RunID: "run-1", Seq: 1}, Stream: event.Stdout, Text: "hi\n"})
	p.print(event.Exit{Header: event.Header{RunID: "run-1", Seq: 2}, Code: 0})
	p.finish(reducer.Message{Output: "ignored"})

	lines := strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), stdout.String())
	}
	for i, wantType := range []event.Type{event.TypeLog, event.TypeExit} {
		ev, err := event.Decode([]byte(lines[i]))
		if err != nil {
			t.Fatalf("Decode(line %d) error = %v", i, err)
		}
		if ev.Kind() != wantType || ev.Meta().RunID != "run-1" {
			t.Fatalf("line %d = %s/%s, want %s/run-1", i, ev.Kind(), ev.Meta().RunID, wantType)
		}
	}
}
