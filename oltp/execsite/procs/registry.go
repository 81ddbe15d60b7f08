package procs

import (
	"sync"

	"github.com/pingcap/errors"
)

// Registry maps procedure names to factories. One registry serves a whole
// site; each executor keeps its own instance pools on top of it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	sysprocs  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		sysprocs:  make(map[string]bool),
	}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// RegisterSysProc registers a system procedure; it gets an instance pool of
// one.
func (r *Registry) RegisterSysProc(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.sysprocs[name] = true
}

func (r *Registry) factory(name string) (Factory, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, false, errors.Errorf("no procedure registered with name %q", name)
	}
	return f, r.sysprocs[name], nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
