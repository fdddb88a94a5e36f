// Package serve exposes the runner over JSON-RPC 2.0: WebSocket connections
// are endpoints that receive their runs' events, and POST /rpc answers
// NDJSON requests without events.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
)

const (
	defaultSendBuffer = 1024

	// NotificationConnected is sent once per connection with the endpoint id.
	NotificationConnected = "server/connected"
)

// Options configures a Server.
type Options struct {
	Registry   *MethodRegistry
	Dispatcher *dispatch.Dispatcher
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// CheckOrigin overrides the WebSocket origin check.
	CheckOrigin func(r *http.Request) bool
}

// Server is the HTTP surface: /ws, /rpc and /healthz.
type Server struct {
	registry   *MethodRegistry
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader
	sendBuffer int

	mu        sync.Mutex
	endpoints map[*wsEndpoint]struct{}
	handlers  sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Server{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		upgrader:   websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		sendBuffer: opts.SendBuffer,
		endpoints:  make(map[*wsEndpoint]struct{}),
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/rpc", s.serveRPC)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve accepts connections on ln until ctx is canceled, then closes every
// endpoint and waits for in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Progress("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeEndpoints()
	err := srv.Shutdown(shutdownCtx)
	s.handlers.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	endpointID := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpointID == "" {
		endpointID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxRequestLine)

	ep := newWSEndpoint(endpointID, conn, s.sendBuffer)
	s.track(ep)
	go ep.writePump()

	hello, _ := json.Marshal(event.Notification{
		JSONRPC: "2.0",
		Method:  NotificationConnected,
		Params:  mustJSON(map[string]string{"endpoint": endpointID}),
	})
	ep.sendCh <- hello

	disconnect := s.dispatcher.Connect(endpointID, ep)
	log.Info("endpoint connected", "endpoint", endpointID, "remote", r.RemoteAddr)
	traceServe("ws.connect", map[string]interface{}{"endpoint": endpointID, "remote": r.RemoteAddr})

	defer func() {
		disconnect()
		ep.close()
		s.untrack(ep)
		log.Info("endpoint disconnected", "endpoint", endpointID)
		traceServe("ws.disconnect", map[string]interface{}{"endpoint": endpointID})
	}()

	s.readLoop(WithEndpoint(r.Context(), endpointID), ep)
}

// readLoop handles each request on its own goroutine; probes can take a
// while and must not hold up cancels on the same connection.
func (s *Server) readLoop(ctx context.Context, ep *wsEndpoint) {
	_ = ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	ep.conn.SetPongHandler(func(string) error {
		return ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ep.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("endpoint read failed", "endpoint", ep.id, "error", err)
			}
			return
		}
		_ = ep.conn.SetReadDeadline(time.Now().Add(pongWait))
		traceServe("ws.recv", map[string]interface{}{"endpoint": ep.id, "raw": string(message)})

		s.handlers.Add(1)
		go func(data []byte) {
			defer s.handlers.Done()
			if resp := s.registry.Handle(ctx, data); resp != nil {
				ep.sendResponse(resp)
			}
		}(message)
	}
}

func (s *Server) track(ep *wsEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep] = struct{}{}
}

func (s *Server) untrack(ep *wsEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, ep)
}

func (s *Server) closeEndpoints() {
	s.mu.Lock()
	eps := make([]*wsEndpoint, 0, len(s.endpoints))
	for ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.Unlock()
	for _, ep := range eps {
		ep.close()
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
