package execsite

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/txns"
)

// handleFragment executes one fragment batch on the loop goroutine and
// routes the result. For a transaction running its procedure elsewhere, the
// batch is fenced inside its own undo window.
func (pe *PartitionExecutor) handleFragment(m *message.MsgFragment) error {
	v, ok := pe.liveTxns.Load(m.TxnID)
	if !ok {
		return errors.Annotatef(ErrUnknownTxn, "fragment for txn %d", m.TxnID)
	}
	if len(m.FragmentIDs) == 0 {
		log.Warn("fragment task with no fragments", zap.Uint64("txn", m.TxnID))
		return nil
	}

	var lts *txns.LocalTransaction
	var rts *txns.RemoteTransaction
	switch ts := v.(type) {
	case *txns.LocalTransaction:
		lts = ts
	case *txns.RemoteTransaction:
		rts = ts
	}
	isLocal := lts != nil

	if !isLocal {
		if err := rts.InitRound(pe.nextUndoToken()); err != nil {
			return err
		}
		if err := rts.StartRound(); err != nil {
			return err
		}
		defer func() {
			if err := rts.FinishRound(); err != nil {
				log.Warn("finishing remote round", zap.Uint64("txn", m.TxnID), zap.Error(err))
			}
		}()
	}

	resp := &message.FragmentResponse{
		TxnID:           m.TxnID,
		SourcePartition: pe.partitionID,
		Status:          message.FragmentNull,
	}
	result, err := pe.processFragmentTask(v, m)
	switch {
	case err != nil:
		resp.Status = message.FragmentUnexpectedError
		resp.Err = err
	case result == nil && len(m.FragmentIDs) > 0:
		resp.Status = message.FragmentUnexpectedError
		resp.Err = errors.Errorf("fragment batch of txn %d succeeded with no result", m.TxnID)
	default:
		resp.Status = message.FragmentSuccess
	}

	if resp.Status != message.FragmentSuccess {
		log.Warn("fragment batch failed",
			zap.Uint64("txn", m.TxnID),
			zap.Int("partition", pe.partitionID),
			zap.Error(resp.Err))
		pe.errorCounter.Inc()
		if isLocal && !m.ViaCoordinator {
			pe.processFragmentResponse(lts, resp)
			return nil
		}
		pe.sendFragmentResponse(m, resp)
		return nil
	}

	if result.Size() != len(m.OutputDepIDs) {
		return fatalf("txn %d: %d results for %d output dependencies",
			m.TxnID, result.Size(), len(m.OutputDepIDs))
	}

	if isLocal && !m.ViaCoordinator {
		// same-partition batch: land rows and ack directly in the local
		// state, waking the procedure when the last dependency arrives
		for i, depID := range result.DepIDs {
			pe.storeLocalResult(lts, pe.partitionID, depID, result.Tables[i])
			runnable, err := lts.AddResponse(pe.partitionID, depID)
			if err != nil {
				pe.noteLateDelivery(lts.TxnID(), err)
				continue
			}
			pe.routeRunnable(lts, runnable)
		}
		return nil
	}

	// the response carries dep ids only; rows travel via the messenger
	resp.DepIDs = result.DepIDs
	pe.sendFragmentResponse(m, resp)
	ds := &message.DependencySetMsg{
		TxnID:        m.TxnID,
		SrcPartition: pe.partitionID,
		DstPartition: m.SourcePartition,
		DepIDs:       result.DepIDs,
		Tables:       result.Tables,
	}
	pe.waitDepSetQuota(ds)
	if err := pe.messenger.SendDependencySet(ds); err != nil {
		return errors.Annotatef(err, "shipping dependency set for txn %d", m.TxnID)
	}
	return nil
}

// processFragmentTask runs the batch against a sysproc handler or the
// engine and returns the produced dependency set.
func (pe *PartitionExecutor) processFragmentTask(ts interface{}, m *message.MsgFragment) (*engine.DependencySet, error) {
	if len(m.FragmentIDs) == 0 {
		log.Warn("fragment task with no fragments", zap.Uint64("txn", m.TxnID))
		return nil, nil
	}
	if len(m.ParamBlobs) != len(m.FragmentIDs) {
		return nil, &engine.SQLError{Msg: "parameter blob count does not match fragment count"}
	}

	// decode into fresh buffers: the transport may reuse the blobs after
	// dispatch
	params := make([]*engine.ParameterSet, len(m.ParamBlobs))
	for i, blob := range m.ParamBlobs {
		if len(blob) == 0 {
			params[i] = engine.NewParameterSet()
			continue
		}
		ps, err := engine.UnmarshalParameterSet(blob)
		if err != nil {
			return nil, errors.Annotatef(err, "deserializing parameters of txn %d", m.TxnID)
		}
		params[i] = ps
	}

	deps := make(map[int32][]*engine.Table)
	for depID, tables := range m.Attached {
		deps[depID] = append(deps[depID], tables...)
	}
	if lts, ok := ts.(*txns.LocalTransaction); ok && len(m.InputDepIDs) > 0 {
		for depID, tables := range lts.InternalDependencies(m) {
			deps[depID] = append(deps[depID], tables...)
		}
	}
	for _, inID := range m.InputDepIDs {
		if _, ok := deps[inID]; !ok {
			return nil, &engine.SQLError{Msg: fmt.Sprintf("missing input dependency %d", inID)}
		}
	}

	base := ts.(interface {
		LastUndoToken() uint64
		SetSubmittedEE()
	})

	if m.SysProc {
		if len(m.FragmentIDs) != 1 {
			return nil, &engine.SQLError{Msg: "sysproc batch must hold exactly one fragment"}
		}
		fragID := m.FragmentIDs[0]
		handler, ok := pe.sysprocs[fragID]
		if !ok {
			return nil, errors.Errorf("no sysproc handle registered for fragment %d", fragID)
		}
		return handler.ExecutePlanFragment(m.TxnID, deps, fragID, params[0], pe.systemContext())
	}

	pe.eng.StashWorkUnitDependencies(deps)
	base.SetSubmittedEE()
	return pe.eng.ExecuteFragments(&engine.FragmentWork{
		FragmentIDs:   m.FragmentIDs,
		InputDepIDs:   m.InputDepIDs,
		OutputDepIDs:  m.OutputDepIDs,
		Params:        params,
		TxnID:         m.TxnID,
		LastCommitted: pe.lastCommitted.Load(),
		UndoToken:     base.LastUndoToken(),
	})
}

// sendFragmentResponse pushes the response back through the channel the
// task arrived on.
func (pe *PartitionExecutor) sendFragmentResponse(m *message.MsgFragment, resp *message.FragmentResponse) {
	if m.Respond == nil {
		log.Error("no response channel for fragment task",
			zap.Uint64("txn", m.TxnID), zap.Int("source", m.SourcePartition))
		return
	}
	m.Respond(resp)
}

// processFragmentResponse folds a response into the local state. The error,
// if any, must land before the acks so the waking procedure sees it.
func (pe *PartitionExecutor) processFragmentResponse(lts *txns.LocalTransaction, resp *message.FragmentResponse) {
	if resp.Status != message.FragmentSuccess {
		err := resp.Err
		if err == nil {
			err = errors.Errorf("fragment batch failed with status %s", resp.Status)
		}
		lts.SetPendingErrorAndRelease(err)
	}
	for _, depID := range resp.DepIDs {
		runnable, err := lts.AddResponse(resp.SourcePartition, depID)
		if err != nil {
			pe.noteLateDelivery(lts.TxnID(), err)
			continue
		}
		pe.routeRunnable(lts, runnable)
	}
}

// storeLocalResult lands rows in the local state and requeues any task that
// was blocked on them.
func (pe *PartitionExecutor) storeLocalResult(lts *txns.LocalTransaction, srcPartition int, depID int32, table *engine.Table) {
	runnable, err := lts.AddResult(srcPartition, depID, table)
	if err != nil {
		pe.noteLateDelivery(lts.TxnID(), err)
		return
	}
	pe.routeRunnable(lts, runnable)
}

// StoreDependency is the messenger's delivery entry point for rows produced
// on another partition. Unknown transactions are logged and dropped; the
// coordinator may broadcast redundantly.
func (pe *PartitionExecutor) StoreDependency(ds *message.DependencySetMsg) {
	v, ok := pe.liveTxns.Load(ds.TxnID)
	if !ok {
		log.Warn("dependency set for unknown txn",
			zap.Uint64("txn", ds.TxnID), zap.Int("partition", pe.partitionID))
		return
	}
	lts, ok := v.(*txns.LocalTransaction)
	if !ok {
		log.Warn("dependency set for non-local txn", zap.Uint64("txn", ds.TxnID))
		return
	}
	for i, depID := range ds.DepIDs {
		pe.storeLocalResult(lts, ds.SrcPartition, depID, ds.Tables[i])
	}
}

// routeRunnable dispatches tasks whose inputs just became available.
func (pe *PartitionExecutor) routeRunnable(lts *txns.LocalTransaction, runnable []*message.MsgFragment) {
	for _, task := range runnable {
		if task.DestPartition == pe.partitionID {
			if err := pe.enqueue(message.NewTxnMsg(message.MsgTypeFragment, task.TxnID, task)); err != nil {
				log.Warn("requeueing unblocked task", zap.Uint64("txn", task.TxnID), zap.Error(err))
			}
			continue
		}
		if err := pe.requestWork(lts, []*message.MsgFragment{task}); err != nil {
			lts.SetPendingErrorAndRelease(err)
		}
	}
}

func (pe *PartitionExecutor) noteLateDelivery(txnID uint64, err error) {
	pe.errorCounter.Inc()
	log.Error("late dependency delivery", zap.Uint64("txn", txnID), zap.Error(err))
}

// waitDepSetQuota charges the outbound limiter for the rows about to ship.
func (pe *PartitionExecutor) waitDepSetQuota(ds *message.DependencySetMsg) {
	if pe.depLimiter == nil {
		return
	}
	bytes := 0
	for _, t := range ds.Tables {
		for _, row := range t.Rows {
			bytes += 8 * len(row)
		}
	}
	if bytes == 0 {
		return
	}
	r := pe.depLimiter.ReserveN(time.Now(), bytes)
	if !r.OK() {
		return
	}
	time.Sleep(r.Delay())
}

// handlePrepare answers the first phase of the commit protocol. A partition
// that never saw the transaction has nothing to commit and votes ready.
func (pe *PartitionExecutor) handlePrepare(m *message.MsgPrepare) error {
	ready := true
	if v, ok := pe.liveTxns.Load(m.TxnID); ok {
		switch ts := v.(type) {
		case *txns.LocalTransaction:
			ready = !ts.HasPendingError()
			ts.PrepareCB.ArmVotes(m.TxnID, pe.partitionID, 1, nil)
			ts.PrepareCB.RunVote(pe.partitionID, ready)
		case *txns.RemoteTransaction:
			ready = !ts.HasPendingError()
			ts.PrepareCB.ArmVotes(m.TxnID, pe.partitionID, 1, nil)
			ts.PrepareCB.RunVote(pe.partitionID, ready)
		}
	} else {
		log.Debug("prepare for unknown txn", zap.Uint64("txn", m.TxnID))
	}
	if m.Respond != nil {
		m.Respond(pe.partitionID, ready)
	}
	return nil
}

// handleLoadTable bulk-loads rows on behalf of a procedure body.
func (pe *PartitionExecutor) handleLoadTable(m *message.MsgLoadTable) error {
	var err error
	defer func() {
		if m.Done != nil {
			m.Done(err)
		}
	}()
	v, ok := pe.liveTxns.Load(m.TxnID)
	if !ok {
		err = errors.Annotatef(ErrUnknownTxn, "loadTable for txn %d", m.TxnID)
		return err
	}
	base := v.(interface {
		LastUndoToken() uint64
		RecordUndoToken(uint64) error
		SetSubmittedEE()
	})
	token := base.LastUndoToken()
	if token == 0 {
		token = pe.nextUndoToken()
		if err = base.RecordUndoToken(token); err != nil {
			return err
		}
	}
	base.SetSubmittedEE()
	err = pe.eng.LoadTable(m.Table, m.Data, m.TxnID, pe.lastCommitted.Load(), token, m.AllowStream)
	if errors.Cause(err) == engine.ErrNoSuchTable {
		err = &txns.UserAbortError{Msg: err.Error()}
	}
	return err
}
