package reducer

import "github.com/holon-run/agentrelay/pkg/backend"

// FinalOutput returns the accumulated output of runID's newest message.
func (s *Store) FinalOutput(runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.lookupLocked(runID)
	if !ok {
		return "", false
	}
	return s.messageAt(loc).Output, true
}

// Message returns a copy of runID's newest message.
func (s *Store) Message(runID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.lookupLocked(runID)
	if !ok {
		return Message{}, false
	}
	return copyMessage(s.messageAt(loc)), true
}

// Conversation returns a deep copy of the conversation with id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(conv), true
}

// Conversations returns copies of every conversation in creation order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyConversation(s.conversations[id]))
	}
	return out
}

// ResumeID returns the context id kind last reported for the conversation.
func (s *Store) ResumeID(conversationID string, kind backend.Kind) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv.Contexts[kind]
	}
	return ""
}

func copyConversation(c *Conversation) Conversation {
	out := Conversation{
		ID:       c.ID,
		Contexts: make(map[backend.Kind]string, len(c.Contexts)),
		Messages: make([]*Message, 0, len(c.Messages)),
	}
	for k, v := range c.Contexts {
		out.Contexts[k] = v
	}
	for _, m := range c.Messages {
		cp := copyMessage(m)
		out.Messages = append(out.Messages, &cp)
	}
	return out
}

func copyMessage(m *Message) Message {
	cp := *m
	cp.Args = append([]string(nil), m.Args...)
	cp.Logs = append([]LogEntry(nil), m.Logs...)
	if m.ExitCode != nil {
		code := *m.ExitCode
		cp.ExitCode = &code
	}
	return cp
}
