package runner

import (
	"errors"

	"github.com/holon-run/agentrelay/pkg/resolver"
)

var (
	// ErrValidation covers bad requests: empty prompt, unknown backend,
	// duplicate live run id, missing base URL.
	ErrValidation = errors.New("invalid run request")
	// ErrNotFound means the backend binary could not be located.
	ErrNotFound = resolver.ErrNotFound
	// ErrWorkspace means the working directory is missing or not a directory.
	ErrWorkspace = errors.New("workspace unavailable")
	// ErrSpawn means the process could not be started.
	ErrSpawn = errors.New("failed to spawn agent process")
	// ErrWrite means the prompt could not be written to the process.
	ErrWrite = errors.New("failed to write prompt")
	// ErrShutdown means the runner no longer accepts runs.
	ErrShutdown = errors.New("runner is shutting down")
)
