package serve

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/logs/redact"
)

// JournalFile is the journal's name inside the state dir.
const JournalFile = "events.ndjson"

// Journal appends every event it receives to an NDJSON file. It is meant to
// be attached with dispatch.Dispatcher.Tap.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder

	redactor *redact.Redactor
}

// OpenJournal opens (or creates) the journal at path for appending. Events
// pass through redactor first; nil writes them unchanged.
func OpenJournal(path string, redactor *redact.Redactor) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &Journal{path: path, file: f, enc: enc, redactor: redactor}, nil
}

func (j *Journal) Path() string { return j.path }

// Deliver appends ev as one line.
func (j *Journal) Deliver(ev event.Event) error {
	ev, keep := j.redactor.Event(ev)
	if !keep {
		return nil
	}
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal %q is closed", j.path)
	}
	if err := j.enc.Encode(json.RawMessage(data)); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// ReadJournal calls fn for each event in r, in file order. Lines that do not
// decode are skipped; a journal may end with a partially written line.
func ReadJournal(r io.Reader, fn func(event.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*maxRequestLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := event.Decode(line)
		if err != nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	return nil
}
