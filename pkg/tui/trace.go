package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holon-run/agentrelay/pkg/event"
)

const tuiTraceEnvKey = "AGENTRELAY_TUI_TRACE_FILE"

type tuiDebugTracer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	reported bool
	seq      atomic.Uint64
}

func newTUIDebugTracerFromEnv() *tuiDebugTracer {
	path := strings.TrimSpace(os.Getenv(tuiTraceEnvKey))
	if path == "" {
		return &tuiDebugTracer{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay chat: failed to open debug trace file %s: %v\n", path, err)
		return &tuiDebugTracer{}
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &tuiDebugTracer{file: f, enc: enc}
}

func (t *tuiDebugTracer) enabled() bool {
	return t != nil && t.enc != nil
}

func (t *tuiDebugTracer) trace(kind string, fields map[string]interface{}) {
	if !t.enabled() {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["component"] = "tui"
	entry["kind"] = strings.TrimSpace(kind)
	entry["seq"] = t.seq.Add(1)
	for k, v := range fields {
		entry[k] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(entry); err != nil && !t.reported {
		t.reported = true
		fmt.Fprintf(os.Stderr, "agentrelay chat: failed to write debug trace: %v\n", err)
	}
}

func (t *tuiDebugTracer) close() error {
	if t == nil || t.file == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("failed to close tui debug trace file: %w", err)
	}
	t.file = nil
	t.enc = nil
	return nil
}

func traceFieldsFromEvent(ev event.Event) map[string]interface{} {
	h := ev.Meta()
	fields := map[string]interface{}{
		"type":      string(ev.Kind()),
		"run_id":    h.RunID,
		"event_seq": h.Seq,
	}
	switch e := ev.(type) {
	case event.Text:
		fields["delta"] = e.Delta
		fields["text_len"] = len(e.Text)
	case event.Log:
		fields["stream"] = string(e.Stream)
		fields["text_len"] = len(e.Text)
	case event.Context:
		fields["backend"] = e.Backend
		fields["context_id"] = e.ContextID
	case event.Exit:
		fields["code"] = e.Code
		if e.Signal != "" {
			fields["signal"] = e.Signal
		}
	case event.Error:
		fields["message"] = e.Message
	}
	return fields
}
