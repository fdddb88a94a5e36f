package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/holon-run/agentrelay/pkg/log"
)

const maxRequestLine = 1 << 20

// StreamWriter writes NDJSON values to a streaming connection
type StreamWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher interface{ Flush() }
	closed  bool
}

// NewStreamWriter creates a new stream writer for NDJSON streaming
func NewStreamWriter(w io.Writer) *StreamWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sw := &StreamWriter{enc: enc}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flusher = f
	}
	return sw
}

// Write encodes v as one line and flushes it
func (sw *StreamWriter) Write(v interface{}) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("stream writer is closed")
	}
	if err := sw.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode stream entry: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close closes the stream writer
func (sw *StreamWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}

// HandleNDJSON answers newline-delimited requests read from r, one response
// line per request, in order. The caller has no endpoint, so runs started
// this way emit no events to it.
func HandleNDJSON(ctx context.Context, registry *MethodRegistry, r io.Reader, w io.Writer) error {
	writer := NewStreamWriter(w)
	defer writer.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := registry.Handle(ctx, []byte(line))
		if resp == nil {
			continue
		}
		if err := writer.Write(resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading request stream: %w", err)
	}
	return nil
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	if err := HandleNDJSON(r.Context(), s.registry, r.Body, w); err != nil {
		log.Warn("rpc stream ended with error", "remote", r.RemoteAddr, "error", err)
	}
}
