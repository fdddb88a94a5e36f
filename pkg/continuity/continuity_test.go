package continuity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
)

func TestTrackerObserveAndResume(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	tr.Observe(event.Context{Backend: "codex", ConversationID: "c1", ContextID: "abc"})
	tr.Observe(event.Context{Backend: "claude", ConversationID: "c1", ContextID: "xyz"})

	if got := tr.ResumeID("c1", backend.Codex); got != "abc" {
		t.Errorf("ResumeID(c1, codex) = %q, want abc", got)
	}
	if got := tr.ResumeID("c1", backend.Claude); got != "xyz" {
		t.Errorf("ResumeID(c1, claude) = %q, want xyz", got)
	}
	if got := tr.ResumeID("c1", backend.GLM); got != "" {
		t.Errorf("ResumeID(c1, glm) = %q, want empty", got)
	}
}

func TestTrackerIgnoresAnonymousRuns(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(store)
	tr.Observe(event.Context{Backend: "codex", ContextID: "abc"})
	if len(store.data) != 0 {
		t.Fatalf("store = %v, want empty", store.data)
	}
	if got := tr.ResumeID("", backend.Codex); got != "" {
		t.Fatalf("ResumeID(\"\") = %q", got)
	}
}

func TestTrackerLatestWins(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	tr.Observe(event.Context{Backend: "claude", ConversationID: "c", ContextID: "first"})
	tr.Observe(event.Context{Backend: "claude", ConversationID: "c", ContextID: "second"})
	if got := tr.ResumeID("c", backend.Claude); got != "second" {
		t.Fatalf("ResumeID() = %q, want second", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "conversations.json")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}
	if err := s.Put("c1", backend.Codex, "sess-1"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() reopen error = %v", err)
	}
	id, ok, err := reopened.Get("c1", backend.Codex)
	if err != nil || !ok || id != "sess-1" {
		t.Fatalf("Get() = (%q, %v, %v), want sess-1", id, ok, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("OpenFileStore() expected error for corrupt file")
	}

	if err := os.WriteFile(path, []byte(`{"version":9,"conversations":{}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("OpenFileStore() expected error for unknown version")
	}
}
