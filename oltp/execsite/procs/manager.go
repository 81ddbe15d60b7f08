package procs

import (
	"sync"

	"github.com/pingcap/errors"
)

// Manager keeps a bounded pool of reusable instances per procedure name for
// one partition executor. Pools grow on demand when empty.
type Manager struct {
	reg         *Registry
	defaultSize int

	mu    sync.Mutex
	idle  map[string][]Procedure
	total map[string]int
}

func NewManager(reg *Registry, defaultSize int) *Manager {
	return &Manager{
		reg:         reg,
		defaultSize: defaultSize,
		idle:        make(map[string][]Procedure),
		total:       make(map[string]int),
	}
}

// Borrow loans an instance of the named procedure, creating one if the pool
// is dry.
func (m *Manager) Borrow(name string) (Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool := m.idle[name]
	if n := len(pool); n > 0 {
		p := pool[n-1]
		m.idle[name] = pool[:n-1]
		return p, nil
	}
	f, sysproc, err := m.reg.factory(name)
	if err != nil {
		return nil, err
	}
	if m.total[name] == 0 {
		// first borrow warms the pool
		size := m.defaultSize
		if sysproc {
			size = 1
		}
		for i := 0; i < size-1; i++ {
			m.idle[name] = append(m.idle[name], f())
		}
		m.total[name] = size
		return f(), nil
	}
	m.total[name]++
	return f(), nil
}

// Return hands a borrowed instance back. Instances beyond the pool size
// (the default size, or one for a sysproc) are dropped.
func (m *Manager) Return(name string, p Procedure) error {
	if p == nil {
		return errors.Errorf("returned nil procedure instance for %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.defaultSize
	if _, sysproc, err := m.reg.factory(name); err == nil && sysproc {
		limit = 1
	}
	if len(m.idle[name]) >= limit {
		return nil
	}
	m.idle[name] = append(m.idle[name], p)
	return nil
}

// IdleCount reports the instances currently pooled for name.
func (m *Manager) IdleCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle[name])
}
