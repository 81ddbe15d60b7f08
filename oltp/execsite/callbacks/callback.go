package callbacks

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/pool"
)

// State is the lifecycle of a callback slot.
//
//	idle     not bound to any transaction, safe to pool
//	armed    waiting for N responses
//	fired    at least one response delivered
//	finished terminal
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateFired
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	default:
		return "finished"
	}
}

// Base is the response-counting core every callback variant embeds. It holds
// only the transaction id, owning partition and pool handle; whoever needs
// the transaction state looks it up in the executor's table.
type Base struct {
	name string
	pool *pool.ObjectPool

	mu        sync.Mutex
	txnID     uint64
	partition int
	state     State
	pending   int
	onUnblock func()
}

func (b *Base) initBase(name string, p *pool.ObjectPool) {
	b.name = name
	b.pool = p
	b.state = StateIdle
}

// Arm binds the callback to a transaction and the number of responses it
// waits for. onUnblock fires exactly once, when the last response lands.
func (b *Base) Arm(txnID uint64, partition, expected int, onUnblock func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// re-arming a finished slot starts the next wave; only an in-flight
	// wave being clobbered is worth complaining about
	if b.state == StateArmed || b.state == StateFired {
		log.Warn("arming callback with a wave still in flight",
			zap.String("callback", b.name),
			zap.Uint64("txn", txnID),
			zap.Stringer("state", b.state))
	}
	b.txnID = txnID
	b.partition = partition
	b.state = StateArmed
	b.pending = expected
	b.onUnblock = onUnblock
	if expected == 0 {
		b.unblockLocked()
	}
}

// run counts one response. It reports whether this was the last one.
func (b *Base) run() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateArmed:
		b.state = StateFired
	case StateFired:
	default:
		log.Warn("response delivered to callback in terminal state",
			zap.String("callback", b.name),
			zap.Uint64("txn", b.txnID),
			zap.Stringer("state", b.state))
		return false
	}
	b.pending--
	if b.pending > 0 {
		return false
	}
	b.unblockLocked()
	return true
}

func (b *Base) unblockLocked() {
	b.state = StateFinished
	fn := b.onUnblock
	b.onUnblock = nil
	if fn != nil {
		// release the lock across the continuation; it may re-enter the
		// transaction state
		b.mu.Unlock()
		fn()
		b.mu.Lock()
	}
}

// Abort moves the callback to finished without invoking the continuation.
func (b *Base) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateFinished {
		return
	}
	b.state = StateFinished
	b.onUnblock = nil
	b.pending = 0
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) TxnID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txnID
}

// IsFinished reports whether the slot reached its terminal state. Idle
// counts as finished: a slot that was never armed does not block cleanup.
func (b *Base) IsFinished() bool {
	s := b.State()
	return s == StateFinished || s == StateIdle
}

// IsIdle satisfies pool.Poolable.
func (b *Base) IsIdle() bool {
	return b.State() == StateIdle
}

// Reset returns the slot to idle so it can go back to its pool.
func (b *Base) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txnID = 0
	b.partition = 0
	b.state = StateIdle
	b.pending = 0
	b.onUnblock = nil
}

// releaseToPool resets the callback and hands it back to the pool it came
// from.
func (b *Base) releaseToPool(self pool.Poolable) {
	b.Reset()
	if b.pool != nil {
		if err := b.pool.Release(self); err != nil {
			log.Error("returning callback to pool", zap.String("callback", b.name), zap.Error(err))
		}
	}
}
