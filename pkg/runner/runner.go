// Package runner launches agent CLI processes and turns their output into
// events for the endpoint that started them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/config"
	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/extract"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/resolver"
	"github.com/holon-run/agentrelay/pkg/stream"
)

// DefaultCancelGrace is how long a canceled run has to exit before SIGKILL.
const DefaultCancelGrace = 5 * time.Second

const readChunkSize = 32 * 1024

// BinaryResolver locates backend binaries.
type BinaryResolver interface {
	Resolve(ctx context.Context, kind backend.Kind) (resolver.Resolution, error)
}

// Dispatcher routes events to endpoints.
type Dispatcher interface {
	Dispatch(endpoint string, ev event.Event) dispatch.Delivery
}

// ContextTracker records resumable context ids per conversation.
type ContextTracker interface {
	Observe(ev event.Context)
	ResumeID(conversationID string, kind backend.Kind) string
}

// Request describes one run.
type Request struct {
	Backend backend.Kind
	WorkDir string
	Prompt  string
	// ExtraArgs are passed before the flags the runner adds.
	ExtraArgs []string
	// RunID is optional; a UUID is generated when empty.
	RunID string
	// ResumeID is optional; it is looked up by ConversationID when empty.
	ResumeID       string
	ConversationID string
	// Endpoint receives the run's events.
	Endpoint string
}

// Options wires a Runner to its collaborators. Resolver and Dispatcher are required.
type Options struct {
	Resolver    BinaryResolver
	Dispatcher  Dispatcher
	Tracker     ContextTracker
	Config      config.Config
	Credentials config.Credentials
	CancelGrace time.Duration
	// Environ returns the parent environment; defaults to os.Environ.
	Environ func() []string
	Now     func() time.Time
}

// RunInfo is a snapshot of a live run.
type RunInfo struct {
	RunID          string       `json:"run_id"`
	Backend        backend.Kind `json:"backend"`
	Endpoint       string       `json:"endpoint,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	PID            int          `json:"pid"`
	StartedAt      time.Time    `json:"started_at"`
	Canceled       bool         `json:"canceled"`
}

// Runner owns every live agent process of this host process.
type Runner struct {
	opts     Options
	registry *registry
	wg       sync.WaitGroup

	// mu orders wg.Add in Start against closing in Shutdown.
	mu      sync.Mutex
	closing bool
}

type run struct {
	id             string
	kind           backend.Kind
	endpoint       string
	conversationID string
	started        time.Time

	cmd   *exec.Cmd
	done  chan struct{}
	seq   atomic.Uint64
	extMu sync.Mutex
	ext   extract.Extractor

	canceled atomic.Bool
	killMu   sync.Mutex
	killer   *time.Timer
}

func New(opts Options) *Runner {
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Credentials == nil {
		opts.Credentials = config.NewCredentials(opts.Config)
	}
	return &Runner{opts: opts, registry: newRegistry()}
}

// Start validates req, spawns the process and returns its run id. Output is
// delivered asynchronously through the dispatcher.
func (r *Runner) Start(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("%w: prompt is empty", ErrValidation)
	}
	spec, ok := backend.Lookup(req.Backend)
	if !ok {
		return "", fmt.Errorf("%w: unknown backend %q", ErrValidation, req.Backend)
	}
	baseURL := r.opts.Config.BaseURL(req.Backend)
	if spec.RequiresBaseURL && baseURL == "" {
		return "", fmt.Errorf("%w: backend %s requires backends.%s.base_url", ErrValidation, req.Backend, req.Backend)
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return "", ErrShutdown
	}
	r.wg.Add(1)
	r.mu.Unlock()
	registered := false
	defer func() {
		if !registered {
			r.wg.Done()
		}
	}()

	if !r.registry.reserve(runID) {
		return "", fmt.Errorf("%w: run %q is already active", ErrValidation, runID)
	}
	defer func() {
		if !registered {
			r.registry.release(runID)
		}
	}()

	workDir, err := resolveWorkDir(req.WorkDir)
	if err != nil {
		return "", err
	}

	res, err := r.opts.Resolver.Resolve(ctx, req.Backend)
	if err != nil {
		return "", err
	}

	ext, err := extract.ForBackend(req.Backend, req.ConversationID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	resumeID := strings.TrimSpace(req.ResumeID)
	if resumeID == "" && req.ConversationID != "" && r.opts.Tracker != nil {
		resumeID = r.opts.Tracker.ResumeID(req.ConversationID, req.Backend)
	}

	extra := append(append([]string(nil), r.opts.Config.Backend(req.Backend).ExtraArgs...), req.ExtraArgs...)
	args := BuildArgs(req.Backend, extra, resumeID)
	apiKey, _ := r.opts.Credentials.APIKey(req.Backend)
	env := BuildEnv(r.opts.Environ(), req.Backend, baseURL, apiKey)

	rn := &run{
		id:             runID,
		kind:           req.Backend,
		endpoint:       req.Endpoint,
		conversationID: req.ConversationID,
		done:           make(chan struct{}),
		ext:            ext,
	}

	cmd := exec.Command(res.Path, args...)
	cmd.Dir = workDir
	cmd.Env = env
	setProcessGroup(cmd)

	stdin, stdout, stderr, err := pipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		closeAll(stdin, stdout, stderr)
		r.emit(rn, event.Error{Message: fmt.Sprintf("failed to start %s: %v", res.Path, err)})
		log.Error("failed to spawn agent", "run_id", runID, "backend", req.Backend, "path", res.Path, "error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrSpawn, res.Path, err)
	}

	rn.cmd = cmd
	rn.started = r.opts.Now()
	// live before start is emitted, so a subscriber may cancel on it
	r.registry.activate(rn)
	registered = true
	r.emit(rn, event.Start{
		Backend: string(req.Backend),
		Command: res.Path,
		Args:    args,
		Cwd:     workDir,
	})

	log.Progress("run started", "run_id", runID, "backend", req.Backend, "pid", cmd.Process.Pid, "resume_id", resumeID)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pump(rn, event.Stdout, stdout, &pumps)
	go r.pump(rn, event.Stderr, stderr, &pumps)
	go r.writePrompt(rn, stdin, req.Prompt)
	go r.wait(rn, &pumps)

	// Shutdown began while this run was spawning and missed it.
	if r.isClosing() {
		r.Cancel(runID)
	}
	return runID, nil
}

func resolveWorkDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrWorkspace, err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWorkspace, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWorkspace, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrWorkspace, abs)
	}
	return abs, nil
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return stdin, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return stdin, stdout, nil, err
	}
	return stdin, stdout, stderr, nil
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}

func (r *Runner) writePrompt(rn *run, stdin io.WriteCloser, prompt string) {
	_, err := io.WriteString(stdin, prompt)
	if closeErr := stdin.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		return
	}
	select {
	case <-rn.done:
		return
	default:
	}
	r.emit(rn, event.Error{Message: fmt.Sprintf("%v: %v", ErrWrite, err)})
	log.Warn("prompt write failed; killing run", "run_id", rn.id, "error", err)
	if kerr := forceKill(rn.cmd.Process); kerr != nil {
		log.Warn("failed to kill run", "run_id", rn.id, "error", kerr)
	}
}

// pump frames one output stream and emits its events in order.
func (r *Runner) pump(rn *run, s event.Stream, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	var framer stream.Framer
	buf := make([]byte, readChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				r.extract(rn, s, line)
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			r.emit(rn, event.Error{Message: fmt.Sprintf("failed to read %s: %v", s, err)})
			log.Warn("stream read failed; killing run", "run_id", rn.id, "stream", s, "error", err)
			_ = forceKill(rn.cmd.Process)
		}
		break
	}

	if line, ok := framer.Flush(); ok {
		r.extract(rn, s, line)
	}
}

func (r *Runner) extract(rn *run, s event.Stream, line stream.Line) {
	rn.extMu.Lock()
	events := rn.ext.Extract(s, line)
	rn.extMu.Unlock()
	for _, ev := range events {
		r.emit(rn, ev)
	}
}

// wait reaps the process once both streams are drained, then emits exit.
func (r *Runner) wait(rn *run, pumps *sync.WaitGroup) {
	defer r.wg.Done()

	pumps.Wait()
	waitErr := rn.cmd.Wait()

	rn.killMu.Lock()
	if rn.killer != nil {
		rn.killer.Stop()
	}
	rn.killMu.Unlock()

	state := rn.cmd.ProcessState
	code := -1
	signal := ""
	if state != nil {
		code = state.ExitCode()
		signal = exitSignal(state)
	}
	if signal != "" {
		code = -1
	}
	if state == nil && waitErr != nil {
		r.emit(rn, event.Error{Message: fmt.Sprintf("failed to wait for process: %v", waitErr)})
	}

	duration := r.opts.Now().Sub(rn.started)
	r.registry.release(rn.id)
	close(rn.done)

	r.emit(rn, event.Exit{Code: code, Signal: signal, DurationMS: duration.Milliseconds()})
	log.Progress("run exited", "run_id", rn.id, "code", code, "signal", signal, "duration", duration)
}

// emit stamps ev for rn and hands it to the tracker and dispatcher.
func (r *Runner) emit(rn *run, ev event.Event) {
	ev = ev.WithHeader(event.Header{
		RunID: rn.id,
		Seq:   rn.seq.Add(1),
		Time:  r.opts.Now(),
	})
	if c, ok := ev.(event.Context); ok && r.opts.Tracker != nil {
		r.opts.Tracker.Observe(c)
	}
	if d := r.opts.Dispatcher.Dispatch(rn.endpoint, ev); d == dispatch.Dropped {
		log.Debug("event dropped", "run_id", rn.id, "endpoint", rn.endpoint, "type", ev.Kind())
	}
}

// Active lists live runs, oldest first.
func (r *Runner) Active() []RunInfo {
	runs := r.registry.snapshot()
	out := make([]RunInfo, 0, len(runs))
	for _, rn := range runs {
		out = append(out, RunInfo{
			RunID:          rn.id,
			Backend:        rn.kind,
			Endpoint:       rn.endpoint,
			ConversationID: rn.conversationID,
			PID:            rn.cmd.Process.Pid,
			StartedAt:      rn.started,
			Canceled:       rn.canceled.Load(),
		})
	}
	return out
}

// Done returns a channel closed when runID exits, or nil if it is not live.
func (r *Runner) Done(runID string) <-chan struct{} {
	if rn := r.registry.get(runID); rn != nil {
		return rn.done
	}
	return nil
}

func (r *Runner) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// Shutdown refuses new runs, cancels every live run and waits for all of
// them to exit.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	for _, rn := range r.registry.snapshot() {
		r.Cancel(rn.id)
	}
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		for _, rn := range r.registry.snapshot() {
			_ = forceKill(rn.cmd.Process)
		}
		return ctx.Err()
	}
}
