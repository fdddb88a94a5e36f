package extract

import (
	"regexp"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/stream"
)

// maxStderrTail bounds the stderr text kept for session marker matching.
const maxStderrTail = 64 * 1024

var sessionMarker = regexp.MustCompile(`(?i)session id:\s*([0-9a-f-]+)`)

// Plain handles free-form CLI output with a session marker on stderr.
type Plain struct {
	backend        backend.Kind
	conversationID string

	stderr []byte
	found  bool
}

func NewPlain(kind backend.Kind, conversationID string) *Plain {
	return &Plain{backend: kind, conversationID: conversationID}
}

func (x *Plain) Extract(s event.Stream, l stream.Line) []event.Event {
	events := []event.Event{logEvent(s, l)}
	if s != event.Stderr || x.found {
		return events
	}

	x.stderr = append(x.stderr, l.Raw()...)
	if over := len(x.stderr) - maxStderrTail; over > 0 {
		x.stderr = append([]byte(nil), x.stderr[over:]...)
	}

	m := sessionMarker.FindSubmatch(x.stderr)
	if m == nil {
		return events
	}
	x.found = true
	x.stderr = nil
	return append(events, event.Context{
		Backend:        string(x.backend),
		ConversationID: x.conversationID,
		ContextID:      string(m[1]),
	})
}
