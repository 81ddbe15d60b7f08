package txns

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/callbacks"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

// LocalTransaction is the record of a transaction whose procedure body runs
// on this partition. It owns the dependency bookkeeping that gates the
// procedure between batches.
type LocalTransaction struct {
	Transaction

	clientHandle uint64
	coordTxnID   uint64
	respond      func(*message.ClientResponse)

	// round bookkeeping, guarded by Transaction.mu
	deps        map[int32]*DependencyInfo
	outputOrder []int32
	latch       *util.CountDownLatch
	blocked     []*message.MsgFragment
	touched     util.PartitionSet

	depPool *pool.ObjectPool

	InitCB    *callbacks.InitCallback
	WorkCB    *callbacks.WorkCallback
	PrepareCB *callbacks.PrepareCallback
	FinishCB  *callbacks.FinishCallback
	CleanupCB *callbacks.CleanupCallback
}

// NewLocalTransaction builds an empty state. Callback slots live with the
// state for its pooled lifetime and are reset between transactions.
func NewLocalTransaction(depPool *pool.ObjectPool) *LocalTransaction {
	return &LocalTransaction{
		deps:      make(map[int32]*DependencyInfo),
		depPool:   depPool,
		InitCB:    callbacks.NewInitCallback(nil),
		WorkCB:    callbacks.NewWorkCallback(nil),
		PrepareCB: callbacks.NewPrepareCallback(nil),
		FinishCB:  callbacks.NewFinishCallback(nil),
		CleanupCB: callbacks.NewCleanupCallback(nil),
	}
}

// Init binds the state to a transaction. Calling it again for the same txn
// id is a no-op.
func (t *LocalTransaction) Init(txnID uint64, basePartition int, clientHandle uint64,
	procName string, params *engine.ParameterSet, partitions util.PartitionSet,
	readOnly, abortable bool, respond func(*message.ClientResponse)) *LocalTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.txnID == txnID && txnID != 0 {
		return t
	}
	t.baseInit(txnID, basePartition, procName, params, partitions, readOnly, abortable, true)
	t.clientHandle = clientHandle
	t.respond = respond
	t.touched = util.NewPartitionSet(basePartition)
	return t
}

func (t *LocalTransaction) ClientHandle() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientHandle
}

func (t *LocalTransaction) SetCoordTxnID(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coordTxnID = id
}

func (t *LocalTransaction) CoordTxnID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coordTxnID
}

// ResponseFunc returns the response channel bound at Init. Callers that
// outlive the state's pooled lifetime must capture it before driving
// commit, since cleanup resets the slot.
func (t *LocalTransaction) ResponseFunc() func(*message.ClientResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.respond
}

// Respond delivers the client response through the channel bound at Init.
func (t *LocalTransaction) Respond(resp *message.ClientResponse) {
	t.mu.Lock()
	fn := t.respond
	t.mu.Unlock()
	if fn == nil {
		log.Error("no response channel for transaction", zap.Uint64("txn", t.TxnID()))
		return
	}
	fn(resp)
}

// RecordTouchedPartition notes that work was dispatched to partition.
func (t *LocalTransaction) RecordTouchedPartition(partition int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched = t.touched.Add(partition)
}

// IsExecSinglePartition reports whether the transaction has so far touched
// only its base partition.
func (t *LocalTransaction) IsExecSinglePartition() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched.Size() == 1 && t.touched.Contains(t.basePartition)
}

// ParticipatingPartitions returns the partitions that must see
// prepare/finish.
func (t *LocalTransaction) ParticipatingPartitions() util.PartitionSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched.Copy()
}

// AddFragmentTask registers one task of the round being built. It reports
// whether the task must wait for input dependencies. Must be called between
// InitRound and StartRound.
func (t *LocalTransaction) AddFragmentTask(m *message.MsgFragment) (blockedOnInput bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.round != roundInited {
		return false, errors.Annotatef(ErrNoRound, "txn %d addFragmentTask", t.txnID)
	}
	for _, outID := range m.OutputDepIDs {
		if di, ok := t.deps[outID]; ok {
			di.addProducer(m.DestPartition)
			continue
		}
		di := t.depPool.Acquire().(*DependencyInfo)
		di.init(t.txnID, t.roundCount, outID, util.NewPartitionSet(m.DestPartition))
		t.deps[outID] = di
		t.outputOrder = append(t.outputOrder, outID)
	}
	if t.taskInputsReadyLocked(m) {
		return false, nil
	}
	t.blocked = append(t.blocked, m)
	return true, nil
}

func (t *LocalTransaction) taskInputsReadyLocked(m *message.MsgFragment) bool {
	for _, inID := range m.InputDepIDs {
		di, ok := t.deps[inID]
		if !ok || !di.isSatisfied() {
			return false
		}
	}
	return true
}

// StartLocalRound closes the add window and returns the latch the procedure
// blocks on: one count per dependency not yet satisfied. Dependencies that
// completed while the round was still being assembled are already excluded,
// which is what keeps a same-partition completion from racing the caller.
func (t *LocalTransaction) StartLocalRound() (*util.CountDownLatch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.startRoundLocked(); err != nil {
		return nil, err
	}
	unsatisfied := 0
	for _, di := range t.deps {
		if !di.isSatisfied() {
			unsatisfied++
		}
	}
	t.latch = util.NewCountDownLatch(unsatisfied)
	return t.latch, nil
}

// AddResult buffers rows produced for (depID) by srcPartition. When this
// completes the dependency the round latch drops by one and any task that
// was blocked solely on it becomes runnable; the newly runnable tasks are
// returned for the caller to dispatch.
func (t *LocalTransaction) AddResult(srcPartition int, depID int32, table *engine.Table) ([]*message.MsgFragment, error) {
	return t.deliver(srcPartition, depID, table, true)
}

// AddResponse records a row-less acknowledgement from srcPartition; the
// rows, if any, travel separately through a dependency-set message.
func (t *LocalTransaction) AddResponse(srcPartition int, depID int32) ([]*message.MsgFragment, error) {
	return t.deliver(srcPartition, depID, nil, false)
}

func (t *LocalTransaction) deliver(srcPartition int, depID int32, table *engine.Table, hasRows bool) ([]*message.MsgFragment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	di, ok := t.deps[depID]
	if t.round == roundNone || !ok {
		if t.pendingErr != nil {
			// the round was cut short; late deliveries are expected
			return nil, nil
		}
		return nil, errors.Annotatef(ErrLateResult,
			"txn %d dep %d from partition %d", t.txnID, depID, srcPartition)
	}
	var completed bool
	if hasRows {
		completed = di.addResult(srcPartition, table)
	} else {
		completed = di.addResponse(srcPartition)
	}
	if !completed {
		return nil, nil
	}
	var runnable []*message.MsgFragment
	stillBlocked := t.blocked[:0]
	for _, task := range t.blocked {
		if t.taskInputsReadyLocked(task) {
			runnable = append(runnable, task)
		} else {
			stillBlocked = append(stillBlocked, task)
		}
	}
	t.blocked = stillBlocked
	if t.latch != nil {
		t.latch.CountDown()
	}
	return runnable, nil
}

// SetPendingErrorAndRelease records the first error and drains the round
// latch so the blocked procedure wakes up and observes it. Dependencies the
// failed fragments will never produce must not leave the caller parked.
func (t *LocalTransaction) SetPendingErrorAndRelease(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if t.pendingErr == nil {
		t.pendingErr = err
	}
	latch := t.latch
	t.mu.Unlock()
	if latch != nil {
		for latch.Count() > 0 {
			latch.CountDown()
		}
	}
}

// Results returns the merged table of every output dependency, in the order
// the dependencies were declared across the round. Read them before
// FinishLocalRound releases the bookkeeping.
func (t *LocalTransaction) Results() []*engine.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*engine.Table, 0, len(t.outputOrder))
	for _, depID := range t.outputOrder {
		out = append(out, t.deps[depID].result())
	}
	return out
}

// InternalDependencies extracts the locally buffered rows that task needs as
// input, so they can be attached when the task ships to another partition.
func (t *LocalTransaction) InternalDependencies(task *message.MsgFragment) map[int32][]*engine.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out map[int32][]*engine.Table
	for _, inID := range task.InputDepIDs {
		di, ok := t.deps[inID]
		if !ok || !di.isSatisfied() {
			continue
		}
		if out == nil {
			out = make(map[int32][]*engine.Table)
		}
		tables := make([]*engine.Table, len(di.tables))
		copy(tables, di.tables)
		out[inID] = tables
	}
	return out
}

// FinishLocalRound asserts the round completed (or failed) and releases the
// dependency records back to their pool.
func (t *LocalTransaction) FinishLocalRound() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.finishRoundLocked(); err != nil {
		return err
	}
	if t.pendingErr == nil {
		for depID, di := range t.deps {
			if !di.isSatisfied() {
				return errors.Errorf("txn %d finished round %d with dep %d still pending on results=%v responses=%v",
					t.txnID, t.roundCount, depID, di.pendingResults, di.pendingResponses)
			}
		}
	}
	t.releaseRoundLocked()
	return nil
}

func (t *LocalTransaction) releaseRoundLocked() {
	for depID, di := range t.deps {
		di.reset()
		if err := t.depPool.Release(di); err != nil {
			log.Error("returning DependencyInfo to pool", zap.Error(err))
		}
		delete(t.deps, depID)
	}
	t.outputOrder = t.outputOrder[:0]
	t.blocked = nil
	t.latch = nil
}

// IsDeletable reports whether every callback slot is finished and no round
// is open. The work callback is deliberately not consulted; a batch cut
// short by an error may never complete it.
func (t *LocalTransaction) IsDeletable() bool {
	if t.roundInProgress() {
		return false
	}
	return t.InitCB.IsFinished() &&
		t.PrepareCB.IsFinished() &&
		t.FinishCB.IsFinished() &&
		t.CleanupCB.IsFinished()
}

// Reset returns the state to idle for its pool.
func (t *LocalTransaction) Reset() {
	t.mu.Lock()
	t.releaseRoundLocked()
	t.clientHandle = 0
	t.coordTxnID = 0
	t.respond = nil
	t.touched = nil
	t.baseReset()
	t.mu.Unlock()
	t.InitCB.Reset()
	t.WorkCB.Reset()
	t.PrepareCB.Reset()
	t.FinishCB.Reset()
	t.CleanupCB.Reset()
}

// IsIdle satisfies pool.Poolable.
func (t *LocalTransaction) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txnID == 0 && t.respond == nil
}
