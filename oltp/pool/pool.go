package pool

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Poolable is anything an ObjectPool can hand out and take back. An object
// must report itself idle before it may be released.
type Poolable interface {
	IsIdle() bool
}

// ObjectPool is a typed bounded free list for one reusable class. Acquire
// falls back to the factory when the idle list is empty; Release drops the
// object on the floor once the idle list is at capacity.
type ObjectPool struct {
	name    string
	factory func() Poolable

	mu   sync.Mutex
	idle []Poolable

	cap       int
	profiling bool

	hits      atomic.Int64
	misses    atomic.Int64
	released  atomic.Int64
	highWater atomic.Int64
}

func NewObjectPool(name string, idleCap int, profiling bool, factory func() Poolable) *ObjectPool {
	return &ObjectPool{
		name:      name,
		factory:   factory,
		idle:      make([]Poolable, 0, idleCap),
		cap:       idleCap,
		profiling: profiling,
	}
}

func (p *ObjectPool) Name() string { return p.name }

// Acquire pops an idle instance or creates a fresh one.
func (p *ObjectPool) Acquire() Poolable {
	p.mu.Lock()
	n := len(p.idle)
	if n > 0 {
		obj := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		if p.profiling {
			p.hits.Inc()
		}
		return obj
	}
	p.mu.Unlock()
	if p.profiling {
		p.misses.Inc()
	}
	return p.factory()
}

// Release returns obj to the idle list. The instance must be idle; handing
// back a live object indicates a lifecycle bug in the caller.
func (p *ObjectPool) Release(obj Poolable) error {
	if obj == nil {
		return errors.Errorf("pool %s: released nil object", p.name)
	}
	if !obj.IsIdle() {
		return errors.Errorf("pool %s: released object that is not idle", p.name)
	}
	if p.profiling {
		p.released.Inc()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.cap {
		return nil
	}
	p.idle = append(p.idle, obj)
	if p.profiling && int64(len(p.idle)) > p.highWater.Load() {
		p.highWater.Store(int64(len(p.idle)))
	}
	return nil
}

func (p *ObjectPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats is a point-in-time snapshot of the profiling counters. All zeros
// unless profiling was enabled at construction.
type Stats struct {
	Name      string
	Idle      int
	Hits      int64
	Misses    int64
	Released  int64
	HighWater int64
}

func (p *ObjectPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Idle:      p.IdleCount(),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Released:  p.released.Load(),
		HighWater: p.highWater.Load(),
	}
}
