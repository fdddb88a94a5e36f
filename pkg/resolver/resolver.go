// Package resolver locates agent CLI binaries on the local machine.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/log"
)

// ErrNotFound is returned when no executable can be located for a backend.
var ErrNotFound = errors.New("agent binary not found")

// Source records how a binary was found.
type Source string

const (
	SourceOverride Source = "override"
	SourceDir      Source = "install-dir"
	SourcePath     Source = "path"
)

// Resolution is a located backend binary.
type Resolution struct {
	Kind backend.Kind
	// Path is the file to execute.
	Path string
	// Wrapper is set when Path is a shell script that launches an interpreted entry.
	Wrapper string
	// Interpreter is the program the wrapper execs, e.g. "node".
	Interpreter string
	// Entry is the script the wrapper hands to Interpreter.
	Entry   string
	Source  Source
	Version string
}

// Options configures a Resolver. Zero values pick the process defaults.
type Options struct {
	// Overrides maps a backend to an explicit binary path (config backends.<kind>.binary).
	Overrides map[backend.Kind]string
	// ExtraDirs replaces the built-in install directory list.
	ExtraDirs []string
	Getenv    func(string) string
	HomeDir   string
	GOOS      string
}

// Resolver finds backend binaries and caches the results per kind.
type Resolver struct {
	opts Options

	mu       sync.Mutex
	cache    map[backend.Kind]Resolution
	versions map[string]string
}

func New(opts Options) *Resolver {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.HomeDir = home
		}
	}
	return &Resolver{
		opts:     opts,
		cache:    make(map[backend.Kind]Resolution),
		versions: make(map[string]string),
	}
}

// Resolve locates the binary for kind without probing its version.
func (r *Resolver) Resolve(ctx context.Context, kind backend.Kind) (Resolution, error) {
	spec, ok := backend.Lookup(kind)
	if !ok {
		return Resolution{}, fmt.Errorf("unknown backend %q", kind)
	}

	r.mu.Lock()
	cached, hit := r.cache[kind]
	r.mu.Unlock()
	if hit && isExecutable(cached.Path, r.opts.GOOS) {
		return cached, nil
	}

	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	res, err := r.locate(kind, spec)
	if err != nil {
		return Resolution{}, err
	}
	res = inspectWrapper(res)

	log.Debug("resolved backend binary", "backend", kind, "path", res.Path, "source", res.Source, "entry", res.Entry)

	r.mu.Lock()
	r.cache[kind] = res
	r.mu.Unlock()
	return res, nil
}

// Which resolves kind and fills in its version.
func (r *Resolver) Which(ctx context.Context, kind backend.Kind) (Resolution, error) {
	res, err := r.Resolve(ctx, kind)
	if err != nil {
		return Resolution{}, err
	}

	r.mu.Lock()
	version, known := r.versions[res.Path]
	r.mu.Unlock()
	if !known {
		version = Version(ctx, res.Path)
		r.mu.Lock()
		r.versions[res.Path] = version
		r.mu.Unlock()
	}
	res.Version = version
	return res, nil
}

// Invalidate drops cached results for the given kinds, or all when none are given.
func (r *Resolver) Invalidate(kinds ...backend.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		r.cache = make(map[backend.Kind]Resolution)
		r.versions = make(map[string]string)
		return
	}
	for _, k := range kinds {
		if res, ok := r.cache[k]; ok {
			delete(r.versions, res.Path)
		}
		delete(r.cache, k)
	}
}

func (r *Resolver) locate(kind backend.Kind, spec backend.Spec) (Resolution, error) {
	overrides := []string{r.opts.Getenv(spec.OverrideEnv), r.opts.Overrides[kind]}
	for _, p := range overrides {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isExecutable(p, r.opts.GOOS) {
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			return Resolution{Kind: kind, Path: abs, Source: SourceOverride}, nil
		}
		log.Warn("ignoring backend override: not an executable file", "backend", kind, "path", p)
	}

	names := spec.Candidates(r.opts.GOOS)

	extra := r.installDirs()
	seen := make(map[string]bool)
	search := func(dirs []string, src Source) (Resolution, bool) {
		for _, dir := range dirs {
			if dir == "" || seen[dir] {
				continue
			}
			seen[dir] = true
			for _, name := range names {
				candidate := filepath.Join(dir, name)
				if isExecutable(candidate, r.opts.GOOS) {
					return Resolution{Kind: kind, Path: candidate, Source: src}, true
				}
			}
		}
		return Resolution{}, false
	}

	if res, ok := search(extra, SourceDir); ok {
		return res, nil
	}
	if res, ok := search(filepath.SplitList(r.opts.Getenv("PATH")), SourcePath); ok {
		return res, nil
	}

	return Resolution{}, fmt.Errorf("%w: %q (backend %s) is not in any install directory or PATH; set %s to its absolute path",
		ErrNotFound, spec.Binary, kind, spec.OverrideEnv)
}

func (r *Resolver) installDirs() []string {
	if r.opts.ExtraDirs != nil {
		return r.opts.ExtraDirs
	}
	var dirs []string
	if home := r.opts.HomeDir; home != "" {
		for _, rel := range []string{".local/bin", ".claude/local", ".npm-global/bin", ".bun/bin", ".volta/bin"} {
			dirs = append(dirs, filepath.Join(home, filepath.FromSlash(rel)))
		}
	}
	if r.opts.GOOS == "windows" {
		if appData := r.opts.Getenv("APPDATA"); appData != "" {
			dirs = append(dirs, filepath.Join(appData, "npm"))
		}
		return dirs
	}
	return append(dirs, "/opt/homebrew/bin", "/usr/local/bin")
}

func isExecutable(path, goos string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if goos == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}
