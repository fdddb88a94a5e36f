package tui

import (
	"context"
	"fmt"
	"sync"

	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/serve"
)

// eventBuffer is how many pushed events may wait for the UI loop.
const eventBuffer = 1024

// RunClient is what the chat needs from a server connection.
type RunClient interface {
	StartRun(ctx context.Context, p serve.RunStartParams) (string, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
	Endpoint() string
}

// Session is a WebSocket connection whose pushed events are queued for the UI.
type Session struct {
	*serve.Client

	events    chan event.Event
	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials the server at url as endpoint (generated when empty).
func Connect(ctx context.Context, url, endpoint string) (*Session, error) {
	s := &Session{
		events: make(chan event.Event, eventBuffer),
		closed: make(chan struct{}),
	}
	client, err := serve.Dial(ctx, serve.ClientConfig{
		URL:      url,
		Endpoint: endpoint,
		OnEvent:  s.push,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agentrelay server: %w", err)
	}
	s.Client = client
	go func() {
		<-client.Done()
		close(s.events)
	}()
	return s, nil
}

// Events delivers pushed run events in arrival order. It is closed once the
// connection ends.
func (s *Session) Events() <-chan event.Event {
	return s.events
}

// push blocks when the UI falls behind, which in turn backs up the server's
// send buffer for this endpoint.
func (s *Session) push(ev event.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.Client.Close()
}
