package coordinator

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/execsite/callbacks"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

// Coordinator is the per-site cross-partition request service. It unpacks
// one coordinator request into per-partition fragment messages, fans
// responses back to the originating executor, and drives the prepare/finish
// protocol when a distributed transaction completes.
type Coordinator struct {
	siteID int
	router message.Router

	nextCoordTxnID atomic.Uint64

	preparePool *pool.ObjectPool
	finishPool  *pool.ObjectPool
}

// New builds a coordinator routing through router, which must resolve every
// partition in the cluster. Its callback pools register with the site's
// registry.
func New(siteID int, router message.Router, pools *pool.Registry, idleCap int, profiling bool) *Coordinator {
	c := &Coordinator{
		siteID: siteID,
		router: router,
	}
	c.preparePool = pools.Register(pool.NewObjectPool(
		"callback-prepare", idleCap, profiling,
		func() pool.Poolable { return callbacks.NewPrepareCallback(c.preparePool) }))
	c.finishPool = pools.Register(pool.NewObjectPool(
		"callback-finish", idleCap, profiling,
		func() pool.Poolable { return callbacks.NewFinishCallback(c.finishPool) }))
	return c
}

// RequestWork implements message.Coordinator. The request's work bytes are
// decoded here; each task is stamped with the coordinator's transaction id
// and handed to its destination partition.
func (c *Coordinator) RequestWork(req *message.CoordinatorRequest, respond func(*message.FragmentResponse)) error {
	if len(req.Fragments) == 0 {
		return errors.New("coordinator request with no fragments")
	}
	if req.CoordTxnID == 0 {
		req.CoordTxnID = c.nextCoordTxnID.Inc()
	}
	tasks := make([]*message.MsgFragment, 0, len(req.Fragments))
	for _, pf := range req.Fragments {
		m, err := message.UnmarshalFragment(pf.Work)
		if err != nil {
			return errors.Annotatef(err, "unpacking work for partition %d", pf.PartitionID)
		}
		m.CoordTxnID = req.CoordTxnID
		m.DestPartition = pf.PartitionID
		m.Respond = respond
		tasks = append(tasks, m)
	}
	// decode everything before dispatching anything; a malformed task must
	// not leave half the batch in flight
	for _, m := range tasks {
		if err := c.router.Send(m.DestPartition,
			message.NewTxnMsg(message.MsgTypeFragment, m.TxnID, m)); err != nil {
			log.Warn("dispatching coordinator fragment",
				zap.Uint64("txn", m.TxnID),
				zap.Int("partition", m.DestPartition),
				zap.Error(err))
			respond(&message.FragmentResponse{
				TxnID:           m.TxnID,
				SourcePartition: m.DestPartition,
				Status:          message.FragmentUnexpectedError,
				Err:             err,
			})
		}
	}
	return nil
}

// FinishTransaction implements message.Coordinator: prepare across every
// participant, then commit only if all voted ready, abort otherwise.
func (c *Coordinator) FinishTransaction(txnID uint64, partitions util.PartitionSet, commit bool, done func(committed bool)) {
	if partitions.IsEmpty() {
		done(commit)
		return
	}
	if !commit {
		c.sendFinish(txnID, partitions, false, done)
		return
	}
	prep := c.preparePool.Acquire().(*callbacks.PrepareCallback)
	prep.ArmVotes(txnID, -1, partitions.Size(), func(allReady bool) {
		prep.Release()
		if !allReady {
			log.Warn("prepare failed, converting to abort", zap.Uint64("txn", txnID))
		}
		c.sendFinish(txnID, partitions, allReady, done)
	})
	for _, p := range partitions {
		msg := &message.MsgPrepare{
			TxnID:           txnID,
			SourcePartition: -1,
			Respond:         func(partition int, ready bool) { prep.RunVote(partition, ready) },
		}
		if err := c.router.Send(p, message.NewTxnMsg(message.MsgTypePrepare, txnID, msg)); err != nil {
			log.Warn("sending prepare", zap.Uint64("txn", txnID), zap.Int("partition", p), zap.Error(err))
			prep.RunVote(p, false)
		}
	}
}

func (c *Coordinator) sendFinish(txnID uint64, partitions util.PartitionSet, commit bool, done func(committed bool)) {
	fin := c.finishPool.Acquire().(*callbacks.FinishCallback)
	fin.Arm(txnID, -1, partitions.Size(), func() {
		fin.Release()
		done(commit)
	})
	for _, p := range partitions {
		msg := &message.MsgFinish{
			TxnID:  txnID,
			Commit: commit,
			Ack:    func(partition int) { fin.RunAck(partition) },
		}
		if err := c.router.Send(p, message.NewTxnMsg(message.MsgTypeFinish, txnID, msg)); err != nil {
			log.Warn("sending finish", zap.Uint64("txn", txnID), zap.Int("partition", p), zap.Error(err))
			fin.RunAck(p)
		}
	}
}
