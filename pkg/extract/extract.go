// Package extract turns framed output lines into run events.
//
// Extractors are stateful and belong to a single run. The runner stamps run
// ids and sequence numbers on whatever they return.
package extract

import (
	"fmt"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/stream"
)

// Extractor interprets one run's output.
type Extractor interface {
	// Extract returns the events for one line of the given stream. The
	// first event is always the raw log of the line.
	Extract(s event.Stream, l stream.Line) []event.Event
}

// ForBackend returns a fresh extractor for kind. conversationID is echoed on
// context events.
func ForBackend(kind backend.Kind, conversationID string) (Extractor, error) {
	spec, ok := backend.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
	switch spec.Protocol {
	case backend.ProtocolJSONLines:
		return NewStructured(kind, conversationID), nil
	case backend.ProtocolPlainText:
		return NewPlain(kind, conversationID), nil
	default:
		return nil, fmt.Errorf("backend %q has unsupported protocol %q", kind, spec.Protocol)
	}
}

func logEvent(s event.Stream, l stream.Line) event.Event {
	return event.Log{Stream: s, Text: l.Raw()}
}
