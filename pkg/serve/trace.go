package serve

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holon-run/agentrelay/pkg/log"
)

// TraceEnvKey names a file that receives a raw NDJSON trace of server traffic.
const TraceEnvKey = "AGENTRELAY_TRACE_FILE"

type debugTracer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	reported bool
	seq      atomic.Uint64
}

func newDebugTracer(path string) *debugTracer {
	path = strings.TrimSpace(path)
	if path == "" {
		return &debugTracer{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Warn("failed to open trace file", "path", path, "error", err)
		return &debugTracer{}
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &debugTracer{file: f, enc: enc}
}

func (t *debugTracer) enabled() bool {
	return t != nil && t.enc != nil
}

func (t *debugTracer) trace(kind string, fields map[string]interface{}) {
	if !t.enabled() {
		return
	}

	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["kind"] = kind
	entry["seq"] = t.seq.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(entry); err != nil && !t.reported {
		t.reported = true
		log.Warn("failed to write trace entry", "error", err)
	}
}

var (
	traceOnce sync.Once
	traceInst *debugTracer
)

func traceServe(kind string, fields map[string]interface{}) {
	traceOnce.Do(func() {
		traceInst = newDebugTracer(os.Getenv(TraceEnvKey))
	})
	traceInst.trace(kind, fields)
}
