package execsite

import (
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/txns"
	"github.com/oltp-incubator/tinyoltp/oltp/metrics"
)

// handleInitiate starts the named procedure for a transaction whose state
// was admitted at queue time. Transactions are strictly serial per
// partition: if one is running, the initiate waits its turn.
func (pe *PartitionExecutor) handleInitiate(m *message.MsgInitiate) error {
	v, ok := pe.liveTxns.Load(m.TxnID)
	if !ok {
		return errors.Annotatef(ErrUnknownTxn, "initiate for txn %d", m.TxnID)
	}
	lts, ok := v.(*txns.LocalTransaction)
	if !ok {
		return fatalf("initiate for txn %d found a remote state in the slot", m.TxnID)
	}
	if pe.currentTxn != 0 {
		pe.deferredInits = append(pe.deferredInits, m)
		return nil
	}
	return pe.startTransaction(lts, m)
}

func (pe *PartitionExecutor) startTransaction(lts *txns.LocalTransaction, m *message.MsgInitiate) error {
	proc, err := pe.procMgr.Borrow(m.ProcName)
	if err != nil {
		lts.Respond(&message.ClientResponse{
			TxnID:         m.TxnID,
			ClientHandle:  m.ClientHandle,
			Status:        message.ClientUnexpectedError,
			StatusMessage: err.Error(),
		})
		pe.abortWork(m.TxnID)
		return err
	}
	pe.running[m.TxnID] = &runningProc{name: m.ProcName, proc: proc}
	pe.currentTxn = m.TxnID
	lts.InitCB.RunPartition(pe.partitionID)
	log.Debug("starting procedure",
		zap.Uint64("txn", m.TxnID),
		zap.String("proc", m.ProcName),
		zap.Bool("predictSP", lts.IsPredictSinglePartition()))

	// The body runs as its own task; the loop goroutine stays free to
	// execute the fragments the body enqueues. Only the loop ever touches
	// the engine.
	go pe.runProcedure(lts, proc)
	return nil
}

func (pe *PartitionExecutor) runProcedure(lts *txns.LocalTransaction, proc procs.Procedure) {
	txnID := lts.TxnID()
	ctx := &procContext{pe: pe, lts: lts}
	results, err := invokeProcedure(proc, ctx)
	if err == nil && lts.HasPendingError() {
		err = lts.PendingError()
	}

	resp := &message.ClientResponse{
		TxnID:        txnID,
		ClientHandle: lts.ClientHandle(),
	}
	switch {
	case err == nil:
		resp.Status = message.ClientSuccess
		resp.Results = results
	default:
		resp.StatusMessage = err.Error()
		if _, ok := txns.IsMispredict(err); ok {
			resp.Status = message.ClientMisprediction
		} else if txns.IsUserAbort(err) {
			resp.Status = message.ClientUserAbort
		} else {
			resp.Status = message.ClientUnexpectedError
		}
	}
	pe.finishTransaction(lts, resp)
}

func invokeProcedure(proc procs.Procedure, ctx procs.Context) (results []*engine.Table, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("procedure panic: %v", rec)
		}
	}()
	return proc.Run(ctx)
}

// finishTransaction drives commit or abort and delivers the client
// response. A single-partition transaction that ran entirely here commits
// inline through its own work queue; anything distributed goes through the
// coordinator's prepare/finish protocol.
func (pe *PartitionExecutor) finishTransaction(lts *txns.LocalTransaction, resp *message.ClientResponse) {
	txnID := lts.TxnID()
	commit := resp.Status == message.ClientSuccess

	// capture the channel now: once the finish lands, GC may reset the
	// state before we get to respond
	respond := lts.ResponseFunc()
	if respond == nil {
		respond = func(*message.ClientResponse) {
			log.Error("no response channel for transaction", zap.Uint64("txn", txnID))
		}
	}
	deliver := func() {
		respond(resp)
		if err := pe.enqueue(message.NewTxnMsg(message.MsgTypeTxnDone, txnID,
			&message.MsgTxnDone{TxnID: txnID})); err != nil {
			// shutting down; the loop is draining and nothing follows
			log.Debug("dropping txn-done", zap.Uint64("txn", txnID), zap.Error(err))
		}
	}

	if lts.IsExecSinglePartition() && lts.IsExecLocal() {
		done := make(chan struct{})
		err := pe.enqueue(message.NewTxnMsg(message.MsgTypeFinish, txnID, &message.MsgFinish{
			TxnID:  txnID,
			Commit: commit,
			Ack:    func(int) { close(done) },
		}))
		if err == nil {
			<-done
		}
		deliver()
		return
	}

	pe.coordinator.FinishTransaction(txnID, lts.ParticipatingPartitions(), commit,
		func(committed bool) {
			if commit && !committed {
				resp.Status = message.ClientUnexpectedError
				resp.Results = nil
				resp.StatusMessage = "a participant failed to prepare"
			}
			deliver()
		})
}

func (pe *PartitionExecutor) handleTxnDone(m *message.MsgTxnDone) {
	if pe.currentTxn == m.TxnID {
		pe.currentTxn = 0
	}
	if pe.currentTxn == 0 && len(pe.deferredInits) > 0 {
		next := pe.deferredInits[0]
		pe.deferredInits = pe.deferredInits[1:]
		if err := pe.handleInitiate(next); err != nil {
			pe.errorCounter.Inc()
			log.Warn("starting deferred transaction", zap.Uint64("txn", next.TxnID), zap.Error(err))
		}
	}
}

// waitForResponses is the batch dispatch called synchronously from a
// procedure body. It registers the batch, dispatches what can run, blocks
// on the round latch, and returns the ordered result tables.
func (pe *PartitionExecutor) waitForResponses(lts *txns.LocalTransaction, tasks []*message.MsgFragment) ([]*engine.Table, error) {
	txnID := lts.TxnID()
	if err := lts.InitRound(pe.nextUndoToken()); err != nil {
		return nil, err
	}

	// Register every task before anything executes: a task with input
	// dependencies must not start just because the first response beats us
	// to it.
	var runnable []*message.MsgFragment
	allLocal := true
	for _, task := range tasks {
		task.TxnID = txnID
		task.SourcePartition = pe.partitionID
		allLocal = allLocal && task.DestPartition == pe.partitionID
		blocked, err := lts.AddFragmentTask(task)
		if err != nil {
			lts.SetPendingError(err)
			_ = lts.FinishLocalRound()
			return nil, err
		}
		if !blocked {
			runnable = append(runnable, task)
		}
	}
	if len(runnable) == 0 {
		err := errors.Annotatef(txns.ErrDeadlock, "txn %d", txnID)
		lts.SetPendingError(err)
		_ = lts.FinishLocalRound()
		return nil, err
	}

	// The latch must exist before any dispatch: a same-partition batch can
	// complete on the loop goroutine immediately.
	latch, err := lts.StartLocalRound()
	if err != nil {
		return nil, err
	}

	if allLocal {
		for _, task := range runnable {
			if qerr := pe.enqueue(message.NewTxnMsg(message.MsgTypeFragment, txnID, task)); qerr != nil {
				lts.SetPendingErrorAndRelease(qerr)
				break
			}
		}
	} else {
		if rerr := pe.requestWork(lts, runnable); rerr != nil {
			lts.SetPendingErrorAndRelease(rerr)
		}
	}

	latch.Await()

	if lts.HasPendingError() {
		err := lts.PendingError()
		if ferr := lts.FinishLocalRound(); ferr != nil {
			log.Warn("closing failed round", zap.Uint64("txn", txnID), zap.Error(ferr))
		}
		return nil, err
	}
	results := lts.Results()
	if err := lts.FinishLocalRound(); err != nil {
		return nil, err
	}
	return results, nil
}

// requestWork packs the runnable tasks into one coordinator request. If any
// task would break a single-partition prediction the mispredict surfaces
// here, before anything is sent.
func (pe *PartitionExecutor) requestWork(lts *txns.LocalTransaction, tasks []*message.MsgFragment) error {
	if pe.coordinator == nil {
		return fatalf("partition %d has no coordinator wired", pe.partitionID)
	}
	txnID := lts.TxnID()
	req := &message.CoordinatorRequest{
		CoordTxnID:   lts.CoordTxnID(),
		LastFragment: true,
	}
	for _, task := range tasks {
		if lts.IsPredictSinglePartition() && task.DestPartition != pe.partitionID {
			return &txns.MispredictError{TxnID: txnID, Partition: task.DestPartition}
		}
		if len(task.FragmentIDs) == 0 {
			log.Warn("dropping fragment task with no fragments", zap.Uint64("txn", txnID))
			continue
		}
		task.ViaCoordinator = true
		// ship locally buffered rows the destination will need
		if len(task.InputDepIDs) > 0 {
			if internal := lts.InternalDependencies(task); len(internal) > 0 {
				if task.Attached == nil {
					task.Attached = internal
				} else {
					for depID, tables := range internal {
						task.Attached[depID] = append(task.Attached[depID], tables...)
					}
				}
			}
		}
		req.Fragments = append(req.Fragments, message.PartitionFragment{
			PartitionID: task.DestPartition,
			Work:        message.MarshalFragment(task),
		})
	}
	for _, task := range tasks {
		lts.RecordTouchedPartition(task.DestPartition)
	}
	lts.WorkCB.Arm(txnID, pe.partitionID, len(req.Fragments), nil)
	return pe.coordinator.RequestWork(req, pe.handleCoordinatorResponse)
}

// handleCoordinatorResponse fans one partition's response back into the
// originating transaction. Rows arrive separately through StoreDependency.
func (pe *PartitionExecutor) handleCoordinatorResponse(resp *message.FragmentResponse) {
	v, ok := pe.liveTxns.Load(resp.TxnID)
	if !ok {
		log.Warn("coordinator response for unknown txn", zap.Uint64("txn", resp.TxnID))
		return
	}
	lts, ok := v.(*txns.LocalTransaction)
	if !ok {
		log.Warn("coordinator response for non-local txn", zap.Uint64("txn", resp.TxnID))
		return
	}
	lts.WorkCB.RunResponse(resp)
	pe.processFragmentResponse(lts, resp)
}

// commitWork releases the transaction's undo window and advances the
// partition's committed high-water mark. Unknown and already-finished
// transactions are ignored; the coordinator may broadcast redundantly.
func (pe *PartitionExecutor) commitWork(txnID uint64) {
	v, ok := pe.liveTxns.Load(txnID)
	if !ok {
		log.Debug("commit for unknown txn", zap.Uint64("txn", txnID), zap.Int("partition", pe.partitionID))
		return
	}
	ts := v.(txnState)
	if ts.IsFinished() {
		return
	}
	undo := ts.LastUndoToken()
	if undo != 0 && ts.HasSubmittedEE() {
		if err := pe.eng.ReleaseUndoToken(undo); err != nil {
			log.Error("releasing undo token",
				zap.Uint64("txn", txnID), zap.Uint64("undo", undo), zap.Error(err))
		}
	}
	for {
		cur := pe.lastCommitted.Load()
		if txnID <= cur || pe.lastCommitted.CAS(cur, txnID) {
			break
		}
	}
	pe.markFinished(txnID, ts, "commit")
}

// abortWork rolls the transaction's writes back, starting from its first
// undo token so every round goes with it. The engine's undo log is LIFO:
// rolling back a token also takes any newer uncommitted work, so an older
// rollback issued later only sees its own records.
func (pe *PartitionExecutor) abortWork(txnID uint64) {
	v, ok := pe.liveTxns.Load(txnID)
	if !ok {
		log.Debug("abort for unknown txn", zap.Uint64("txn", txnID), zap.Int("partition", pe.partitionID))
		return
	}
	ts := v.(txnState)
	if ts.IsFinished() {
		return
	}
	undo := ts.FirstUndoToken()
	if undo != 0 && ts.HasSubmittedEE() {
		if err := pe.eng.UndoUndoToken(undo); err != nil {
			log.Error("rolling back undo token",
				zap.Uint64("txn", txnID), zap.Uint64("undo", undo), zap.Error(err))
		}
	}
	pe.markFinished(txnID, ts, "abort")
}

// txnState is the part of both transaction variants commit and abort need.
type txnState interface {
	IsFinished() bool
	FirstUndoToken() uint64
	LastUndoToken() uint64
	HasSubmittedEE() bool
	MarkFinished(time.Time) bool
}

func (pe *PartitionExecutor) markFinished(txnID uint64, ts txnState, outcome string) {
	now := time.Now()
	if !ts.MarkFinished(now) {
		return
	}
	pe.finished = append(pe.finished, finishedTxn{txnID: txnID, at: now})
	metrics.TxnsFinished.WithLabelValues(pe.partitionLabel, outcome).Inc()

	switch v := ts.(type) {
	case *txns.LocalTransaction:
		v.FinishCB.Arm(txnID, pe.partitionID, 1, nil)
		v.FinishCB.RunAck(pe.partitionID)
	case *txns.RemoteTransaction:
		v.Finish()
		v.CleanupCB.Arm(txnID, pe.partitionID, 1, nil)
		v.CleanupCB.RunAck(pe.partitionID)
	}
}

// gcFinished cleans up finished transaction states older than the GC
// interval, a bounded number per poll.
func (pe *PartitionExecutor) gcFinished() {
	if len(pe.finished) == 0 {
		return
	}
	cutoff := time.Now().Add(-pe.cfg.Executor.GCInterval)
	budget := pe.cfg.Executor.GCMaxPerPoll
	for budget > 0 && len(pe.finished) > 0 {
		head := pe.finished[0]
		if head.at.After(cutoff) {
			break
		}
		pe.finished = pe.finished[1:]
		if !pe.cleanupTransaction(head.txnID) {
			// callbacks still outstanding; retry next poll
			pe.finished = append(pe.finished, finishedTxn{txnID: head.txnID, at: time.Now()})
		}
		budget--
	}
}

// cleanupTransaction releases a deletable state back to its pool, returning
// the procedure instance with it.
func (pe *PartitionExecutor) cleanupTransaction(txnID uint64) bool {
	v, ok := pe.liveTxns.Load(txnID)
	if !ok {
		return true
	}
	switch ts := v.(type) {
	case *txns.LocalTransaction:
		if !ts.IsDeletable() {
			return false
		}
		if rp, ok := pe.running[txnID]; ok {
			if err := pe.procMgr.Return(rp.name, rp.proc); err != nil {
				log.Error("returning procedure instance", zap.Error(err))
			}
			delete(pe.running, txnID)
		}
		pe.liveTxns.Delete(txnID)
		ts.Reset()
		if err := pe.localPool.Release(ts); err != nil {
			log.Error("returning local state to pool", zap.Error(err))
		}
	case *txns.RemoteTransaction:
		if !ts.IsDeletable() {
			return false
		}
		pe.liveTxns.Delete(txnID)
		ts.Reset()
		if err := pe.remotePool.Release(ts); err != nil {
			log.Error("returning remote state to pool", zap.Error(err))
		}
	}
	return true
}

// LiveTxnCount reports the transactions currently tracked, for the status
// surface.
func (pe *PartitionExecutor) LiveTxnCount() int {
	n := 0
	pe.liveTxns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// procContext is the procs.Context an executor hands a running procedure.
type procContext struct {
	pe  *PartitionExecutor
	lts *txns.LocalTransaction
}

func (c *procContext) TxnID() uint64 { return c.lts.TxnID() }

func (c *procContext) PartitionID() int { return c.pe.partitionID }

func (c *procContext) Params() *engine.ParameterSet { return c.lts.Params() }

func (c *procContext) ExecuteBatch(tasks []*message.MsgFragment) ([]*engine.Table, error) {
	return c.pe.waitForResponses(c.lts, tasks)
}

func (c *procContext) LoadTable(table string, data *engine.Table, allowStream bool) error {
	done := make(chan error, 1)
	err := c.pe.enqueue(message.NewTxnMsg(message.MsgTypeLoadTable, c.lts.TxnID(), &message.MsgLoadTable{
		TxnID:       c.lts.TxnID(),
		Table:       table,
		Data:        data,
		AllowStream: allowStream,
		Done:        func(e error) { done <- e },
	}))
	if err != nil {
		return err
	}
	return <-done
}
