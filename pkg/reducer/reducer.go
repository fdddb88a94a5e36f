// Package reducer folds run events into client-side conversation state.
//
// A Store is what a UI renders from: conversations hold ordered messages, one
// per run, and each event mutates exactly the message its run id names.
package reducer

import (
	"fmt"
	"sync"
	"time"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
)

// Status is the lifecycle state of a Message.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// LogEntry is one raw output line of a run.
type LogEntry struct {
	Stream event.Stream `json:"stream"`
	Text   string       `json:"text"`
}

// Message is the client view of one run.
type Message struct {
	RunID          string       `json:"run_id"`
	ConversationID string       `json:"conversation_id"`
	Backend        backend.Kind `json:"backend"`
	Prompt         string       `json:"prompt,omitempty"`
	Command        string       `json:"command,omitempty"`
	Args           []string     `json:"args,omitempty"`
	Output         string       `json:"output"`
	Logs           []LogEntry   `json:"logs,omitempty"`
	Status         Status       `json:"status"`
	Error          string       `json:"error,omitempty"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	Signal         string       `json:"signal,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
}

// Conversation is an ordered list of messages plus the resume id each backend
// issued for it.
type Conversation struct {
	ID       string                  `json:"id"`
	Contexts map[backend.Kind]string `json:"contexts"`
	Messages []*Message              `json:"messages"`
}

type location struct {
	conversationID string
	pos            int
}

// Store holds conversations and applies events to them. It is safe for
// concurrent use; change listeners run outside the lock.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	order         []string
	index         map[string]location
	listeners     []func()
	now           func() time.Time
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		index:         make(map[string]location),
		now:           time.Now,
	}
}

// OnChange registers fn to be called after each mutation (once per batch).
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Begin appends a running message for runID to the conversation, creating the
// conversation when needed. A run id may have only one running message.
func (s *Store) Begin(conversationID string, kind backend.Kind, runID, prompt string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	if loc, ok := s.lookupLocked(runID); ok {
		if s.messageAt(loc).Status == StatusRunning {
			s.mu.Unlock()
			return fmt.Errorf("run %q already has a running message", runID)
		}
	}
	conv := s.conversationLocked(conversationID)
	conv.Messages = append(conv.Messages, &Message{
		RunID:          runID,
		ConversationID: conv.ID,
		Backend:        kind,
		Prompt:         prompt,
		Status:         StatusRunning,
		StartedAt:      s.now(),
	})
	s.index[runID] = location{conversationID: conv.ID, pos: len(conv.Messages) - 1}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Load replaces a conversation wholesale, e.g. from persisted history. The
// run index is not rebuilt; lookups repair it lazily.
func (s *Store) Load(conv Conversation) {
	s.mu.Lock()
	c := s.conversationLocked(conv.ID)
	c.Messages = make([]*Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		cp := *m
		cp.ConversationID = c.ID
		c.Messages = append(c.Messages, &cp)
	}
	for k, v := range conv.Contexts {
		c.Contexts[k] = v
	}
	s.mu.Unlock()

	s.notify()
}

// Apply folds ev into the message its run id names. It reports whether any
// state changed; events for unknown runs and debug events change nothing.
func (s *Store) Apply(ev event.Event) bool {
	s.mu.Lock()
	changed := false
	if loc, ok := s.lookupLocked(ev.Meta().RunID); ok {
		changed = s.applyLocked(loc, ev)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

// ApplyBatch folds evs in order and returns how many changed state. Stale
// index entries are repaired with one rebuild and listeners fire once.
func (s *Store) ApplyBatch(evs []event.Event) int {
	s.mu.Lock()
	for _, ev := range evs {
		if _, ok := s.indexedLocked(ev.Meta().RunID); !ok {
			s.rebuildIndexLocked()
			break
		}
	}
	applied := 0
	for _, ev := range evs {
		loc, ok := s.indexedLocked(ev.Meta().RunID)
		if !ok {
			continue
		}
		if s.applyLocked(loc, ev) {
			applied++
		}
	}
	s.mu.Unlock()

	if applied > 0 {
		s.notify()
	}
	return applied
}

// Deliver lets a Store receive events directly from an in-process dispatcher.
func (s *Store) Deliver(ev event.Event) error {
	s.Apply(ev)
	return nil
}

func (s *Store) applyLocked(loc location, ev event.Event) bool {
	m := s.messageAt(loc)
	switch e := ev.(type) {
	case event.Start:
		m.Command = e.Command
		m.Args = append([]string(nil), e.Args...)
		if !e.Time.IsZero() {
			m.StartedAt = e.Time
		}
	case event.Text:
		if e.Delta {
			m.Output += e.Text
		} else {
			m.Output = e.Text
		}
	case event.Log:
		m.Logs = append(m.Logs, LogEntry{Stream: e.Stream, Text: e.Text})
	case event.Context:
		if e.ContextID == "" {
			return false
		}
		kind := backend.Kind(e.Backend)
		if kind == "" {
			kind = m.Backend
		}
		s.conversations[loc.conversationID].Contexts[kind] = e.ContextID
	case event.Error:
		m.Status = StatusError
		m.Error = e.Message
	case event.Exit:
		code := e.Code
		m.ExitCode = &code
		m.Signal = e.Signal
		if m.Status == StatusError {
			break
		}
		if code == 0 && e.Signal == "" {
			m.Status = StatusSuccess
			break
		}
		m.Status = StatusError
		if e.Signal != "" {
			m.Error = "terminated by " + e.Signal
		} else {
			m.Error = fmt.Sprintf("exited with code %d", code)
		}
	default:
		return false
	}
	return true
}

// lookupLocked resolves runID through the index, falling back to a scan that
// repairs the entry.
func (s *Store) lookupLocked(runID string) (location, bool) {
	if runID == "" {
		return location{}, false
	}
	if loc, ok := s.indexedLocked(runID); ok {
		return loc, true
	}
	loc, ok := s.scanLocked(runID)
	if ok {
		s.index[runID] = loc
	} else {
		delete(s.index, runID)
	}
	return loc, ok
}

// indexedLocked returns the index entry for runID if it still points at a
// message with that run id.
func (s *Store) indexedLocked(runID string) (location, bool) {
	loc, ok := s.index[runID]
	if !ok {
		return location{}, false
	}
	conv := s.conversations[loc.conversationID]
	if conv == nil || loc.pos < 0 || loc.pos >= len(conv.Messages) || conv.Messages[loc.pos].RunID != runID {
		return location{}, false
	}
	return loc, true
}

// scanLocked finds the newest message for runID.
func (s *Store) scanLocked(runID string) (location, bool) {
	for i := len(s.order) - 1; i >= 0; i-- {
		conv := s.conversations[s.order[i]]
		for pos := len(conv.Messages) - 1; pos >= 0; pos-- {
			if conv.Messages[pos].RunID == runID {
				return location{conversationID: conv.ID, pos: pos}, true
			}
		}
	}
	return location{}, false
}

func (s *Store) rebuildIndexLocked() {
	s.index = make(map[string]location, len(s.index))
	for _, id := range s.order {
		conv := s.conversations[id]
		for pos, m := range conv.Messages {
			// later messages win, matching scanLocked
			s.index[m.RunID] = location{conversationID: id, pos: pos}
		}
	}
}

func (s *Store) conversationLocked(id string) *Conversation {
	conv, ok := s.conversations[id]
	if !ok {
		conv = &Conversation{ID: id, Contexts: make(map[backend.Kind]string)}
		s.conversations[id] = conv
		s.order = append(s.order, id)
	}
	return conv
}

func (s *Store) messageAt(loc location) *Message {
	return s.conversations[loc.conversationID].Messages[loc.pos]
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
