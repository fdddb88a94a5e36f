package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
)

// EventHandler receives run events pushed to a Client. It is called from the
// client's read goroutine, in arrival order.
type EventHandler func(ev event.Event)

// ClientConfig configures Dial.
type ClientConfig struct {
	// URL is the server's ws:// address, with or without the /ws path.
	URL string
	// Endpoint is sent as the connection's endpoint id; generated when empty.
	// Reusing an id after a reconnect resumes delivery of running runs.
	Endpoint string
	OnEvent  EventHandler
}

// Client is a JSON-RPC client over one WebSocket connection.
type Client struct {
	conn     *websocket.Conn
	endpoint string
	onEvent  EventHandler

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan clientMessage
	err     error

	done chan struct{}
}

type clientMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *JSONRPCError   `json:"error,omitempty"`
}

type clientRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Dial connects to the server and starts reading.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = uuid.NewString()
	}
	wsURL, err := endpointURL(cfg.URL, endpoint)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:     conn,
		endpoint: endpoint,
		onEvent:  cfg.OnEvent,
		pending:  make(map[int64]chan clientMessage),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func endpointURL(raw, endpoint string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("endpoint", endpoint)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint is the id events for this connection's runs are routed by.
func (c *Client) Endpoint() string { return c.endpoint }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends method with params and decodes the result into result (if non-nil).
// A server-side failure is returned as *JSONRPCError.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	ch := make(chan clientMessage, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(clientRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("rpc call failed: %w", err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartRun calls run/start.
func (c *Client) StartRun(ctx context.Context, p RunStartParams) (string, error) {
	var res RunStartResult
	if err := c.Call(ctx, MethodRunStart, p, &res); err != nil {
		return "", err
	}
	return res.RunID, nil
}

// CancelRun calls run/cancel.
func (c *Client) CancelRun(ctx context.Context, runID string) (bool, error) {
	var res RunCancelResult
	if err := c.Call(ctx, MethodRunCancel, RunCancelParams{RunID: runID}, &res); err != nil {
		return false, err
	}
	return res.OK, nil
}

// Status calls server/status.
func (c *Client) Status(ctx context.Context) (ServerStatusResult, error) {
	var res ServerStatusResult
	err := c.Call(ctx, MethodServerStatus, nil, &res)
	return res, err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var readErr error
	defer func() {
		c.mu.Lock()
		if readErr == nil {
			readErr = fmt.Errorf("connection closed")
		}
		c.err = readErr
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = fmt.Errorf("connection closed: %w", err)
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("discarding undecodable server message", "error", err)
			continue
		}

		if msg.Method != "" {
			c.handleNotification(msg)
			continue
		}
		if msg.ID == nil {
			if msg.Error != nil {
				log.Warn("server rejected a request", "code", msg.Error.Code, "message", msg.Error.Message)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) handleNotification(msg clientMessage) {
	ev, ok, err := event.FromNotification(event.Notification{JSONRPC: "2.0", Method: msg.Method, Params: msg.Params})
	if !ok {
		return
	}
	if err != nil {
		log.Debug("discarding undecodable event", "method", msg.Method, "error", err)
		return
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}
