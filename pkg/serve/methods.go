package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/resolver"
	"github.com/holon-run/agentrelay/pkg/runner"
)

// Method names served over /ws and /rpc.
const (
	MethodRunStart     = "run/start"
	MethodRunCancel    = "run/cancel"
	MethodRunProbe     = "run/probe"
	MethodBackendWhich = "backend/which"
	MethodServerStatus = "server/status"
)

// RunController is the part of runner.Runner the server drives.
type RunController interface {
	Start(ctx context.Context, req runner.Request) (string, error)
	Cancel(runID string) bool
	Probe(ctx context.Context, req runner.ProbeRequest) (runner.ProbeResult, error)
	Active() []runner.RunInfo
}

// BinaryLocator resolves backends with their versions.
type BinaryLocator interface {
	Which(ctx context.Context, kind backend.Kind) (resolver.Resolution, error)
}

// RunStartParams are the params of run/start.
type RunStartParams struct {
	Backend        string   `json:"backend"`
	Cwd            string   `json:"cwd,omitempty"`
	Prompt         string   `json:"prompt"`
	ExtraArgs      []string `json:"extra_args,omitempty"`
	RunID          string   `json:"run_id,omitempty"`
	ResumeID       string   `json:"resume_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

type RunStartResult struct {
	RunID    string `json:"run_id"`
	Endpoint string `json:"endpoint,omitempty"`
}

type RunCancelParams struct {
	RunID string `json:"run_id"`
}

type RunCancelResult struct {
	OK bool `json:"ok"`
}

type RunProbeParams struct {
	Backend   string   `json:"backend"`
	Cwd       string   `json:"cwd,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

type BackendWhichParams struct {
	// Backend limits the answer to one kind; empty lists all.
	Backend string `json:"backend,omitempty"`
}

// BackendInfo describes one resolved (or unresolvable) backend.
type BackendInfo struct {
	Backend     string `json:"backend"`
	Path        string `json:"path,omitempty"`
	Source      string `json:"source,omitempty"`
	Wrapper     string `json:"wrapper,omitempty"`
	Interpreter string `json:"interpreter,omitempty"`
	Entry       string `json:"entry,omitempty"`
	Version     string `json:"version,omitempty"`
	Error       string `json:"error,omitempty"`
}

type BackendWhichResult struct {
	Backends []BackendInfo `json:"backends"`
}

type ServerStatusResult struct {
	Version   string                   `json:"version"`
	StartedAt time.Time                `json:"started_at"`
	UptimeMS  int64                    `json:"uptime_ms"`
	Runs      []runner.RunInfo         `json:"runs"`
	Endpoints []dispatch.EndpointStats `json:"endpoints"`
}

// Service implements the server's JSON-RPC methods.
type Service struct {
	runs       RunController
	locator    BinaryLocator
	dispatcher *dispatch.Dispatcher
	version    string
	startedAt  time.Time
}

func NewService(runs RunController, locator BinaryLocator, dispatcher *dispatch.Dispatcher, version string) *Service {
	return &Service{
		runs:       runs,
		locator:    locator,
		dispatcher: dispatcher,
		version:    version,
		startedAt:  time.Now(),
	}
}

// Register adds every method of s to registry.
func (s *Service) Register(registry *MethodRegistry) {
	registry.RegisterMethod(MethodRunStart, s.HandleRunStart)
	registry.RegisterMethod(MethodRunCancel, s.HandleRunCancel)
	registry.RegisterMethod(MethodRunProbe, s.HandleRunProbe)
	registry.RegisterMethod(MethodBackendWhich, s.HandleBackendWhich)
	registry.RegisterMethod(MethodServerStatus, s.HandleServerStatus)
}

// HandleRunStart starts a run whose events go to the calling endpoint.
// Calls without an endpoint (HTTP) get a run id but no events.
func (s *Service) HandleRunStart(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p RunStartParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	kind, err := backend.Parse(p.Backend)
	if err != nil {
		return nil, NewJSONRPCError(ErrCodeInvalidParams, err.Error())
	}

	endpoint := EndpointFromContext(ctx)
	runID, err := s.runs.Start(ctx, runner.Request{
		Backend:        kind,
		WorkDir:        p.Cwd,
		Prompt:         p.Prompt,
		ExtraArgs:      p.ExtraArgs,
		RunID:          p.RunID,
		ResumeID:       p.ResumeID,
		ConversationID: p.ConversationID,
		Endpoint:       endpoint,
	})
	if err != nil {
		return nil, ErrorFromRun(err)
	}
	return RunStartResult{RunID: runID, Endpoint: endpoint}, nil
}

func (s *Service) HandleRunCancel(_ context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p RunCancelParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.RunID == "" {
		return nil, NewJSONRPCError(ErrCodeInvalidParams, "run_id is required")
	}
	return RunCancelResult{OK: s.runs.Cancel(p.RunID)}, nil
}

// HandleRunProbe blocks until the probe finishes or times out.
func (s *Service) HandleRunProbe(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p RunProbeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	kind, err := backend.Parse(p.Backend)
	if err != nil {
		return nil, NewJSONRPCError(ErrCodeInvalidParams, err.Error())
	}
	if p.TimeoutMS < 0 {
		return nil, NewJSONRPCError(ErrCodeInvalidParams, "timeout_ms must not be negative")
	}

	result, err := s.runs.Probe(ctx, runner.ProbeRequest{
		Backend:   kind,
		WorkDir:   p.Cwd,
		Prompt:    p.Prompt,
		ExtraArgs: p.ExtraArgs,
		Timeout:   time.Duration(p.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, ErrorFromRun(err)
	}
	return result, nil
}

func (s *Service) HandleBackendWhich(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
	var p BackendWhichParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	if p.Backend != "" {
		kind, err := backend.Parse(p.Backend)
		if err != nil {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, err.Error())
		}
		info, err := s.which(ctx, kind)
		if err != nil {
			return nil, ErrorFromRun(err)
		}
		return BackendWhichResult{Backends: []BackendInfo{info}}, nil
	}

	result := BackendWhichResult{Backends: make([]BackendInfo, 0, len(backend.All()))}
	for _, kind := range backend.All() {
		info, err := s.which(ctx, kind)
		if err != nil {
			info = BackendInfo{Backend: string(kind), Error: err.Error()}
		}
		result.Backends = append(result.Backends, info)
	}
	return result, nil
}

func (s *Service) which(ctx context.Context, kind backend.Kind) (BackendInfo, error) {
	res, err := s.locator.Which(ctx, kind)
	if err != nil {
		if !errors.Is(err, resolver.ErrNotFound) {
			err = fmt.Errorf("failed to resolve %s: %w", kind, err)
		}
		return BackendInfo{}, err
	}
	return NewBackendInfo(kind, res), nil
}

func (s *Service) HandleServerStatus(_ context.Context, _ json.RawMessage) (interface{}, *JSONRPCError) {
	result := ServerStatusResult{
		Version:   s.version,
		StartedAt: s.startedAt,
		UptimeMS:  time.Since(s.startedAt).Milliseconds(),
		Runs:      s.runs.Active(),
		Endpoints: []dispatch.EndpointStats{},
	}
	if s.dispatcher != nil {
		result.Endpoints = s.dispatcher.Stats()
	}
	return result, nil
}

// NewBackendInfo describes a resolved backend.
func NewBackendInfo(kind backend.Kind, res resolver.Resolution) BackendInfo {
	return BackendInfo{
		Backend:     string(kind),
		Path:        res.Path,
		Source:      string(res.Source),
		Wrapper:     res.Wrapper,
		Interpreter: res.Interpreter,
		Entry:       res.Entry,
		Version:     res.Version,
	}
}
