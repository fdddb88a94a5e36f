package reducer

import (
	"testing"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
)

func hdr(runID string) event.Header {
	return event.Header{RunID: runID}
}

func begin(t *testing.T, s *Store, conv string, kind backend.Kind, runID string) {
	t.Helper()
	if err := s.Begin(conv, kind, runID, "prompt"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
}

func TestTextReplaceAndAppend(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")

	s.Apply(event.Text{Header: hdr("r1"), Text: "Hel", Delta: true})
	s.Apply(event.Text{Header: hdr("r1"), Text: "lo", Delta: true})
	if got, _ := s.FinalOutput("r1"); got != "Hello" {
		t.Fatalf("FinalOutput() = %q, want Hello", got)
	}

	s.Apply(event.Text{Header: hdr("r1"), Text: "Replaced", Delta: false})
	if got, _ := s.FinalOutput("r1"); got != "Replaced" {
		t.Fatalf("FinalOutput() = %q, want Replaced", got)
	}
}

func TestResultTextWinsOverAssistant(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")

	s.Apply(event.Text{Header: hdr("r1"), Text: "draft answer"})
	s.Apply(event.Text{Header: hdr("r1"), Text: "final answer"})
	s.Apply(event.Exit{Header: hdr("r1"), Code: 0})

	got, ok := s.FinalOutput("r1")
	if !ok || got != "final answer" {
		t.Fatalf("FinalOutput() = (%q, %v), want final answer", got, ok)
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name       string
		events     []event.Event
		wantStatus Status
		wantError  string
		wantCode   int
	}{
		{
			name:       "zero exit",
			events:     []event.Event{event.Exit{Header: hdr("r"), Code: 0}},
			wantStatus: StatusSuccess,
		},
		{
			name:       "non-zero exit",
			events:     []event.Event{event.Exit{Header: hdr("r"), Code: 2}},
			wantStatus: StatusError,
			wantError:  "exited with code 2",
			wantCode:   2,
		},
		{
			name:       "signaled",
			events:     []event.Event{event.Exit{Header: hdr("r"), Code: -1, Signal: "SIGTERM"}},
			wantStatus: StatusError,
			wantError:  "terminated by SIGTERM",
			wantCode:   -1,
		},
		{
			name: "error then clean exit stays error",
			events: []event.Event{
				event.Error{Header: hdr("r"), Message: "failed to write prompt: broken pipe"},
				event.Exit{Header: hdr("r"), Code: 0},
			},
			wantStatus: StatusError,
			wantError:  "failed to write prompt: broken pipe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			begin(t, s, "c", backend.Codex, "r")
			for _, ev := range tt.events {
				s.Apply(ev)
			}
			m, ok := s.Message("r")
			if !ok {
				t.Fatal("Message() not found")
			}
			if m.Status != tt.wantStatus || m.Error != tt.wantError {
				t.Errorf("status = (%s, %q), want (%s, %q)", m.Status, m.Error, tt.wantStatus, tt.wantError)
			}
			if m.ExitCode == nil || *m.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %v, want %d", m.ExitCode, tt.wantCode)
			}
		})
	}
}

func TestLogsAndStart(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Codex, "r1")

	s.Apply(event.Start{Header: hdr("r1"), Command: "/usr/bin/codex", Args: []string{"exec", "-"}})
	s.Apply(event.Log{Header: hdr("r1"), Stream: event.Stdout, Text: "one\n"})
	s.Apply(event.Log{Header: hdr("r1"), Stream: event.Stderr, Text: "two\n"})

	m, _ := s.Message("r1")
	if m.Command != "/usr/bin/codex" || len(m.Args) != 2 {
		t.Errorf("start not recorded: %+v", m)
	}
	if len(m.Logs) != 2 || m.Logs[1] != (LogEntry{Stream: event.Stderr, Text: "two\n"}) {
		t.Errorf("Logs = %+v", m.Logs)
	}
	if m.Status != StatusRunning {
		t.Errorf("Status = %s, want running", m.Status)
	}
}

func TestContextWritesConversationMap(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.GLM, "r1")

	changed := s.Apply(event.Context{Header: hdr("r1"), Backend: "glm", ConversationID: "c1", ContextID: "sess-1"})
	if !changed {
		t.Fatal("Apply(context) = false")
	}
	if got := s.ResumeID("c1", backend.GLM); got != "sess-1" {
		t.Fatalf("ResumeID() = %q, want sess-1", got)
	}
	if got := s.ResumeID("c1", backend.Claude); got != "" {
		t.Fatalf("ResumeID(claude) = %q, want empty", got)
	}
}

func TestApplyUnknownRunAndDebug(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")

	if s.Apply(event.Text{Header: hdr("nope"), Text: "x"}) {
		t.Error("Apply(unknown run) = true")
	}
	if s.Apply(event.Debug{Header: hdr("r1"), Stream: event.Stdout, Raw: []byte(`{}`)}) {
		t.Error("Apply(debug) = true")
	}
}

func TestApplyTouchesOnlyMatchingMessage(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")
	begin(t, s, "c1", backend.Claude, "r2")
	begin(t, s, "c2", backend.Codex, "r3")

	s.Apply(event.Text{Header: hdr("r2"), Text: "two"})

	for _, id := range []string{"r1", "r3"} {
		if got, _ := s.FinalOutput(id); got != "" {
			t.Errorf("FinalOutput(%s) = %q, want empty", id, got)
		}
	}
	if got, _ := s.FinalOutput("r2"); got != "two" {
		t.Errorf("FinalOutput(r2) = %q", got)
	}
}

func TestBeginRejectsSecondRunningMessage(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")
	if err := s.Begin("c1", backend.Claude, "r1", "again"); err == nil {
		t.Fatal("Begin() duplicate running run id succeeded")
	}

	s.Apply(event.Exit{Header: hdr("r1"), Code: 0})
	if err := s.Begin("c1", backend.Claude, "r1", "again"); err != nil {
		t.Fatalf("Begin() after exit error = %v", err)
	}
	conv, _ := s.Conversation("c1")
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	// the newest message receives events
	s.Apply(event.Text{Header: hdr("r1"), Text: "second"})
	conv, _ = s.Conversation("c1")
	if conv.Messages[0].Output != "" || conv.Messages[1].Output != "second" {
		t.Fatalf("outputs = %q, %q", conv.Messages[0].Output, conv.Messages[1].Output)
	}
}

func TestStaleIndexIsRepaired(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")
	begin(t, s, "c1", backend.Claude, "r2")

	// history loaded underneath the index shifts positions
	s.Load(Conversation{
		ID: "c1",
		Messages: []*Message{
			{RunID: "old", Status: StatusSuccess},
			{RunID: "r1", Status: StatusRunning},
			{RunID: "r2", Status: StatusRunning},
		},
	})

	if !s.Apply(event.Text{Header: hdr("r2"), Text: "found"}) {
		t.Fatal("Apply() after Load = false")
	}
	if loc := s.index["r2"]; loc.pos != 2 {
		t.Fatalf("index not repaired: %+v", loc)
	}
	conv, _ := s.Conversation("c1")
	if conv.Messages[2].Output != "found" || conv.Messages[1].Output != "" {
		t.Fatalf("wrong message updated: %+v", conv.Messages)
	}
}

func TestScanFindsMessageMissingFromIndex(t *testing.T) {
	s := New()
	s.Load(Conversation{ID: "c9", Messages: []*Message{{RunID: "loaded", Status: StatusRunning}}})
	if _, ok := s.index["loaded"]; ok {
		t.Fatal("Load() populated the index")
	}
	if !s.Apply(event.Exit{Header: hdr("loaded"), Code: 0}) {
		t.Fatal("Apply() = false")
	}
	if _, ok := s.index["loaded"]; !ok {
		t.Fatal("scan did not repair the index")
	}
}

func TestApplyBatch(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")
	s.Load(Conversation{ID: "c2", Messages: []*Message{{RunID: "r2", Status: StatusRunning}}})

	notified := 0
	s.OnChange(func() { notified++ })

	n := s.ApplyBatch([]event.Event{
		event.Text{Header: hdr("r1"), Text: "a", Delta: true},
		event.Debug{Header: hdr("r1")},
		event.Text{Header: hdr("r2"), Text: "b", Delta: true},
		event.Text{Header: hdr("r1"), Text: "c", Delta: true},
		event.Log{Header: hdr("missing"), Text: "x\n"},
		event.Exit{Header: hdr("r2"), Code: 0},
	})
	if n != 4 {
		t.Fatalf("ApplyBatch() = %d, want 4", n)
	}
	if notified != 1 {
		t.Fatalf("listeners notified %d times, want 1", notified)
	}
	if got, _ := s.FinalOutput("r1"); got != "ac" {
		t.Errorf("FinalOutput(r1) = %q", got)
	}
	m, _ := s.Message("r2")
	if m.Output != "b" || m.Status != StatusSuccess {
		t.Errorf("r2 = %+v", m)
	}
}

func TestApplyBatchNoChangeDoesNotNotify(t *testing.T) {
	s := New()
	notified := 0
	s.OnChange(func() { notified++ })
	if n := s.ApplyBatch([]event.Event{event.Text{Header: hdr("x"), Text: "y"}}); n != 0 {
		t.Fatalf("ApplyBatch() = %d, want 0", n)
	}
	if notified != 0 {
		t.Fatalf("notified = %d, want 0", notified)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")
	s.Apply(event.Log{Header: hdr("r1"), Stream: event.Stdout, Text: "x\n"})

	conv, _ := s.Conversation("c1")
	conv.Messages[0].Output = "mutated"
	conv.Messages[0].Logs[0].Text = "mutated"
	conv.Contexts[backend.Claude] = "mutated"

	m, _ := s.Message("r1")
	if m.Output != "" || m.Logs[0].Text != "x\n" || s.ResumeID("c1", backend.Claude) != "" {
		t.Fatal("snapshot shares state with the store")
	}
}

func TestDeliverAsSink(t *testing.T) {
	s := New()
	begin(t, s, "c1", backend.Claude, "r1")
	if err := s.Deliver(event.Text{Header: hdr("r1"), Text: "via sink"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got, _ := s.FinalOutput("r1"); got != "via sink" {
		t.Fatalf("FinalOutput() = %q", got)
	}
}
