package serve

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	responseTimeout = 5 * time.Second
)

var (
	errEndpointClosed = errors.New("endpoint closed")
	errSendBufferFull = errors.New("endpoint send buffer full")
)

// wsEndpoint is one WebSocket connection. Writes go through a buffered
// channel drained by writePump so a slow client never blocks a run.
type wsEndpoint struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSEndpoint(id string, conn *websocket.Conn, buffer int) *wsEndpoint {
	return &wsEndpoint{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Deliver queues ev as a run/<type> notification. A full queue is an error,
// which makes the dispatcher disconnect this endpoint.
func (e *wsEndpoint) Deliver(ev event.Event) error {
	n, err := event.ToNotification(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return errEndpointClosed
	default:
	}
	select {
	case e.sendCh <- data:
		return nil
	case <-e.done:
		return errEndpointClosed
	default:
		return errSendBufferFull
	}
}

// sendResponse waits briefly for queue space; responses are never dropped
// silently while the connection is healthy.
func (e *wsEndpoint) sendResponse(resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Warn("failed to encode rpc response", "endpoint", e.id, "error", err)
		return
	}
	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case e.sendCh <- data:
	case <-e.done:
	case <-timer.C:
		log.Warn("rpc response dropped; endpoint not draining", "endpoint", e.id)
		e.close()
	}
}

func (e *wsEndpoint) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		e.close()
	}()

	for {
		select {
		case data := <-e.sendCh:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("endpoint write failed", "endpoint", e.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-e.done:
			return
		}
	}
}

// close signals done before closing the socket so readers stop promptly.
func (e *wsEndpoint) close() {
	e.once.Do(func() {
		close(e.done)
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(time.Second))
		_ = e.conn.Close()
	})
}
