package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/stream"
)

// Structured handles the JSON lines protocol of the claude family.
type Structured struct {
	backend        backend.Kind
	conversationID string
	seenSessions   map[string]bool
}

func NewStructured(kind backend.Kind, conversationID string) *Structured {
	return &Structured{
		backend:        kind,
		conversationID: conversationID,
		seenSessions:   make(map[string]bool),
	}
}

func (x *Structured) Extract(s event.Stream, l stream.Line) []event.Event {
	events := []event.Event{logEvent(s, l)}
	if s != event.Stdout {
		return events
	}

	msg, err := decodeMessage([]byte(l.Text))
	if err != nil {
		log.Debug("skipping non-protocol line", "backend", x.backend, "error", err)
		return events
	}

	switch m := msg.(type) {
	case assistantMessage:
		if len(m.Texts) > 0 {
			events = append(events, event.Text{Text: strings.Join(m.Texts, "\n")})
		}
	case resultMessage:
		if m.Result != "" {
			events = append(events, event.Text{Text: m.Result})
		}
	}

	if id := msg.session(); id != "" && !x.seenSessions[id] {
		x.seenSessions[id] = true
		events = append(events, event.Context{
			Backend:        string(x.backend),
			ConversationID: x.conversationID,
			ContextID:      id,
		})
	}

	raw := bytes.TrimSpace([]byte(l.Text))
	return append(events, event.Debug{Stream: s, Raw: json.RawMessage(raw)})
}
