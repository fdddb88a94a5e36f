package runner

import (
	"sort"
	"sync"
)

// registry is the process-wide map of live runs. A nil value reserves an id
// while its process is being spawned.
type registry struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*run)}
}

// reserve claims id; false when a run with that id is live or starting.
func (r *registry) reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[id]; exists {
		return false
	}
	r.runs[id] = nil
	return true
}

func (r *registry) activate(rn *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[rn.id] = rn
}

func (r *registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

func (r *registry) get(id string) *run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[id]
}

func (r *registry) snapshot() []*run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		if rn != nil {
			out = append(out, rn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].started.Before(out[j].started) })
	return out
}
