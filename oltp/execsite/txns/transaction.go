package txns

import (
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

type roundState int

const (
	roundNone roundState = iota
	roundInited
	roundStarted
)

// Transaction holds the fields common to the local and remote variants of a
// live transaction's per-partition record. The variants embed it; there is
// no deeper hierarchy.
type Transaction struct {
	mu sync.Mutex

	txnID         uint64
	basePartition int
	procName      string
	params        *engine.ParameterSet

	predictPartitions util.PartitionSet
	predictReadOnly   bool
	predictAbortable  bool
	execLocal         bool

	firstUndoToken uint64
	lastUndoToken  uint64
	submittedEE    bool

	pendingErr error

	round      roundState
	roundCount int

	finished   bool
	finishedAt time.Time
}

func (t *Transaction) baseInit(txnID uint64, basePartition int, procName string,
	params *engine.ParameterSet, partitions util.PartitionSet,
	readOnly, abortable, execLocal bool) {
	t.txnID = txnID
	t.basePartition = basePartition
	t.procName = procName
	t.params = params
	t.predictPartitions = partitions.Copy()
	t.predictReadOnly = readOnly
	t.predictAbortable = abortable
	t.execLocal = execLocal
}

func (t *Transaction) baseReset() {
	t.txnID = 0
	t.basePartition = 0
	t.procName = ""
	t.params = nil
	t.predictPartitions = nil
	t.predictReadOnly = false
	t.predictAbortable = false
	t.execLocal = false
	t.firstUndoToken = 0
	t.lastUndoToken = 0
	t.submittedEE = false
	t.pendingErr = nil
	t.round = roundNone
	t.roundCount = 0
	t.finished = false
	t.finishedAt = time.Time{}
}

func (t *Transaction) TxnID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txnID
}

func (t *Transaction) BasePartition() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePartition
}

func (t *Transaction) ProcName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procName
}

func (t *Transaction) Params() *engine.ParameterSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

func (t *Transaction) PredictPartitions() util.PartitionSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.predictPartitions.Copy()
}

func (t *Transaction) IsPredictReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.predictReadOnly
}

// IsPredictSinglePartition reports whether the predicted touch set is
// exactly the base partition.
func (t *Transaction) IsPredictSinglePartition() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isPredictSinglePartitionLocked()
}

func (t *Transaction) isPredictSinglePartitionLocked() bool {
	return t.predictPartitions.Size() == 1 && t.predictPartitions.Contains(t.basePartition)
}

// IsExecLocal reports whether the procedure body runs on this partition.
func (t *Transaction) IsExecLocal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execLocal
}

func (t *Transaction) LastUndoToken() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUndoToken
}

// FirstUndoToken is the token of the transaction's first undo window on
// this partition. Commit releases up through the last token; abort must
// roll back from the first, or earlier rounds would survive.
func (t *Transaction) FirstUndoToken() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstUndoToken
}

func (t *Transaction) SetSubmittedEE() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submittedEE = true
}

func (t *Transaction) HasSubmittedEE() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submittedEE
}

// SetPendingError records the first error only; later ones are dropped.
func (t *Transaction) SetPendingError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingErr == nil {
		t.pendingErr = err
	}
}

func (t *Transaction) HasPendingError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingErr != nil
}

func (t *Transaction) PendingError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingErr
}

// RecordUndoToken advances the transaction's undo window outside a round,
// for writes like bulk loads that are not fragment batches.
func (t *Transaction) RecordUndoToken(undoToken uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if undoToken < t.lastUndoToken {
		return errors.Errorf("txn %d undo token went backwards: %d < %d", t.txnID, undoToken, t.lastUndoToken)
	}
	if t.firstUndoToken == 0 {
		t.firstUndoToken = undoToken
	}
	t.lastUndoToken = undoToken
	return nil
}

// InitRound opens a new undo window. The variants layer their own round
// bookkeeping on top.
func (t *Transaction) InitRound(undoToken uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initRoundLocked(undoToken)
}

func (t *Transaction) initRoundLocked(undoToken uint64) error {
	if t.round != roundNone {
		return errors.Annotatef(ErrRoundInProgress, "txn %d round %d", t.txnID, t.roundCount)
	}
	if undoToken < t.lastUndoToken {
		return errors.Errorf("txn %d undo token went backwards: %d < %d", t.txnID, undoToken, t.lastUndoToken)
	}
	if t.firstUndoToken == 0 {
		t.firstUndoToken = undoToken
	}
	t.lastUndoToken = undoToken
	t.round = roundInited
	t.roundCount++
	return nil
}

// StartRound moves an inited round to running.
func (t *Transaction) StartRound() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startRoundLocked()
}

func (t *Transaction) startRoundLocked() error {
	if t.round != roundInited {
		return errors.Annotatef(ErrNoRound, "txn %d startRound", t.txnID)
	}
	t.round = roundStarted
	return nil
}

// FinishRound closes the round.
func (t *Transaction) FinishRound() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishRoundLocked()
}

func (t *Transaction) finishRoundLocked() error {
	if t.round == roundNone {
		return errors.Annotatef(ErrNoRound, "txn %d finishRound", t.txnID)
	}
	t.round = roundNone
	return nil
}

func (t *Transaction) roundInProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.round != roundNone
}

// MarkFinished flags the state for the finished queue. Idempotent.
func (t *Transaction) MarkFinished(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.finished = true
	t.finishedAt = now
	return true
}

func (t *Transaction) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Transaction) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}
