package txns

import (
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/callbacks"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

// RPCController stands in for the transport controller of one outstanding
// per-partition call. Finish cancels controllers that were actually used.
type RPCController struct {
	used      bool
	cancelled bool
}

func (c *RPCController) MarkUsed()         { c.used = true }
func (c *RPCController) StartCancel()      { c.cancelled = true }
func (c *RPCController) IsCancelled() bool { return c.cancelled }

// RemoteTransaction is the record of a transaction whose procedure body is
// executing on some other partition. This partition only runs fragments for
// it.
type RemoteTransaction struct {
	Transaction

	localPartitions util.PartitionSet
	controllers     map[int]*RPCController

	InitQueueCB *callbacks.InitQueueCallback
	WorkCB      *callbacks.WorkCallback
	PrepareCB   *callbacks.PrepareCallback
	CleanupCB   *callbacks.CleanupCallback
}

func NewRemoteTransaction() *RemoteTransaction {
	return &RemoteTransaction{
		controllers: make(map[int]*RPCController),
		InitQueueCB: callbacks.NewInitQueueCallback(nil),
		WorkCB:      callbacks.NewWorkCallback(nil),
		PrepareCB:   callbacks.NewPrepareCallback(nil),
		CleanupCB:   callbacks.NewCleanupCallback(nil),
	}
}

// Init binds the state. Partitions are the local partitions participating
// in the transaction on this site.
func (t *RemoteTransaction) Init(txnID uint64, basePartition int, procName string,
	params *engine.ParameterSet, partitions util.PartitionSet, abortable bool) *RemoteTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.txnID == txnID && txnID != 0 {
		return t
	}
	t.baseInit(txnID, basePartition, procName, params, partitions, true, abortable, false)
	t.localPartitions = partitions.Copy()
	return t
}

func (t *RemoteTransaction) LocalPartitions() util.PartitionSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPartitions.Copy()
}

// Controller returns the RPC controller slot for partition, creating it on
// first use.
func (t *RemoteTransaction) Controller(partition int) *RPCController {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.controllers[partition]
	if !ok {
		c = &RPCController{}
		t.controllers[partition] = c
	}
	return c
}

// Finish cancels every controller that saw use.
func (t *RemoteTransaction) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.controllers {
		if c.used {
			c.StartCancel()
		}
	}
}

// IsDeletable mirrors the local variant: every callback slot terminal, no
// round open. The work callback is not consulted.
func (t *RemoteTransaction) IsDeletable() bool {
	if t.roundInProgress() {
		return false
	}
	return t.InitQueueCB.IsFinished() &&
		t.PrepareCB.IsFinished() &&
		t.CleanupCB.IsFinished()
}

// Reset returns the state to idle for its pool.
func (t *RemoteTransaction) Reset() {
	t.mu.Lock()
	t.localPartitions = nil
	for p := range t.controllers {
		delete(t.controllers, p)
	}
	t.baseReset()
	t.mu.Unlock()
	t.InitQueueCB.Reset()
	t.WorkCB.Reset()
	t.PrepareCB.Reset()
	t.CleanupCB.Reset()
}

// IsIdle satisfies pool.Poolable.
func (t *RemoteTransaction) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txnID == 0 && t.localPartitions == nil
}
