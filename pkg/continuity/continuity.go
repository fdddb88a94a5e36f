// Package continuity remembers each conversation's resumable context ids so
// the next turn can resume where the previous one left off.
package continuity

import (
	"strings"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
)

// Store persists conversation → backend → context id.
type Store interface {
	Get(conversationID string, kind backend.Kind) (string, bool, error)
	Put(conversationID string, kind backend.Kind, contextID string) error
}

// Tracker feeds context events into a Store.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Observe records ev when it names a conversation. Store failures are logged;
// losing a resume id only costs the next turn its history.
func (t *Tracker) Observe(ev event.Context) {
	conv := strings.TrimSpace(ev.ConversationID)
	if conv == "" || ev.ContextID == "" {
		return
	}
	if err := t.store.Put(conv, backend.Kind(ev.Backend), ev.ContextID); err != nil {
		log.Warn("failed to record context id", "conversation_id", conv, "backend", ev.Backend, "error", err)
		return
	}
	log.Debug("recorded context id", "conversation_id", conv, "backend", ev.Backend, "context_id", ev.ContextID)
}

// ResumeID returns the last context id seen for (conversationID, kind).
func (t *Tracker) ResumeID(conversationID string, kind backend.Kind) string {
	conv := strings.TrimSpace(conversationID)
	if conv == "" {
		return ""
	}
	id, ok, err := t.store.Get(conv, kind)
	if err != nil {
		log.Warn("failed to read context id", "conversation_id", conv, "backend", kind, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return id
}
