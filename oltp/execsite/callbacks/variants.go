package callbacks

import (
	"sync"

	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
)

// InitCallback waits on the init-queue acknowledgement from every
// participating partition of a locally-executing transaction. Its
// continuation starts the procedure.
type InitCallback struct {
	Base
}

func NewInitCallback(p *pool.ObjectPool) *InitCallback {
	cb := &InitCallback{}
	cb.initBase("txn-init", p)
	return cb
}

// RunPartition counts partition's ack.
func (cb *InitCallback) RunPartition(partition int) bool {
	return cb.run()
}

func (cb *InitCallback) Release() { cb.releaseToPool(cb) }

// InitQueueCallback lives on the remote side of an init: it fires when the
// local executor has admitted the transaction to its queue, acking back to
// the base partition.
type InitQueueCallback struct {
	Base
	ack func(partition int)
}

func NewInitQueueCallback(p *pool.ObjectPool) *InitQueueCallback {
	cb := &InitQueueCallback{}
	cb.initBase("txn-init-queue", p)
	return cb
}

func (cb *InitQueueCallback) ArmAck(txnID uint64, partition int, ack func(partition int)) {
	cb.ack = ack
	cb.Arm(txnID, partition, 1, func() {
		if cb.ack != nil {
			cb.ack(partition)
		}
	})
}

func (cb *InitQueueCallback) RunQueued() bool { return cb.run() }

func (cb *InitQueueCallback) Reset() {
	cb.ack = nil
	cb.Base.Reset()
}

func (cb *InitQueueCallback) Release() {
	cb.Reset()
	cb.releaseToPool(cb)
}

// WorkCallback aggregates the fragment responses of one in-flight batch.
type WorkCallback struct {
	Base

	respMu    sync.Mutex
	responses []*message.FragmentResponse
}

func NewWorkCallback(p *pool.ObjectPool) *WorkCallback {
	cb := &WorkCallback{}
	cb.initBase("txn-work", p)
	return cb
}

// RunResponse records one fragment response and counts it.
func (cb *WorkCallback) RunResponse(resp *message.FragmentResponse) bool {
	cb.respMu.Lock()
	cb.responses = append(cb.responses, resp)
	cb.respMu.Unlock()
	return cb.run()
}

func (cb *WorkCallback) Responses() []*message.FragmentResponse {
	cb.respMu.Lock()
	defer cb.respMu.Unlock()
	out := make([]*message.FragmentResponse, len(cb.responses))
	copy(out, cb.responses)
	return out
}

func (cb *WorkCallback) Reset() {
	cb.respMu.Lock()
	cb.responses = nil
	cb.respMu.Unlock()
	cb.Base.Reset()
}

func (cb *WorkCallback) Release() {
	cb.Reset()
	cb.releaseToPool(cb)
}

// PrepareCallback collects ready-to-commit votes. One negative vote flips
// the whole outcome to abort, regardless of the rest.
type PrepareCallback struct {
	Base

	voteMu sync.Mutex
	failed bool
	onDone func(allReady bool)
}

func NewPrepareCallback(p *pool.ObjectPool) *PrepareCallback {
	cb := &PrepareCallback{}
	cb.initBase("txn-prepare", p)
	return cb
}

func (cb *PrepareCallback) ArmVotes(txnID uint64, partition, expected int, onDone func(allReady bool)) {
	cb.voteMu.Lock()
	cb.failed = false
	cb.onDone = onDone
	cb.voteMu.Unlock()
	cb.Arm(txnID, partition, expected, func() {
		cb.voteMu.Lock()
		done := cb.onDone
		ok := !cb.failed
		cb.onDone = nil
		cb.voteMu.Unlock()
		if done != nil {
			done(ok)
		}
	})
}

func (cb *PrepareCallback) RunVote(partition int, ready bool) bool {
	if !ready {
		cb.voteMu.Lock()
		cb.failed = true
		cb.voteMu.Unlock()
	}
	return cb.run()
}

func (cb *PrepareCallback) Reset() {
	cb.voteMu.Lock()
	cb.failed = false
	cb.onDone = nil
	cb.voteMu.Unlock()
	cb.Base.Reset()
}

func (cb *PrepareCallback) Release() {
	cb.Reset()
	cb.releaseToPool(cb)
}

// FinishCallback waits for the commit/abort acks of every participant and
// then hands off to the cleanup step.
type FinishCallback struct {
	Base
}

func NewFinishCallback(p *pool.ObjectPool) *FinishCallback {
	cb := &FinishCallback{}
	cb.initBase("txn-finish", p)
	return cb
}

func (cb *FinishCallback) RunAck(partition int) bool { return cb.run() }

func (cb *FinishCallback) Release() { cb.releaseToPool(cb) }

// CleanupCallback fires on the remote side when the transaction's final ack
// arrives, releasing the remote state.
type CleanupCallback struct {
	Base
}

func NewCleanupCallback(p *pool.ObjectPool) *CleanupCallback {
	cb := &CleanupCallback{}
	cb.initBase("txn-cleanup", p)
	return cb
}

func (cb *CleanupCallback) RunAck(partition int) bool { return cb.run() }

func (cb *CleanupCallback) Release() { cb.releaseToPool(cb) }

// RedirectCallback forwards a client request that arrived at a site that
// does not own its base partition.
type RedirectCallback struct {
	Base
	respond func(*message.ClientResponse)
}

func NewRedirectCallback(p *pool.ObjectPool) *RedirectCallback {
	cb := &RedirectCallback{}
	cb.initBase("txn-redirect", p)
	return cb
}

// ArmRedirect binds the originator's response channel. RunResponse relays
// the far side's answer back through it.
func (cb *RedirectCallback) ArmRedirect(txnID uint64, partition int, respond func(*message.ClientResponse)) {
	cb.respond = respond
	cb.Arm(txnID, partition, 1, nil)
}

func (cb *RedirectCallback) RunResponse(resp *message.ClientResponse) bool {
	relay := cb.respond
	last := cb.run()
	if relay != nil {
		relay(resp)
	}
	return last
}

func (cb *RedirectCallback) Reset() {
	cb.respond = nil
	cb.Base.Reset()
}

func (cb *RedirectCallback) Release() {
	cb.Reset()
	cb.releaseToPool(cb)
}
