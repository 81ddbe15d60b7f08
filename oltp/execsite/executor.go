package execsite

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oltp-incubator/tinyoltp/oltp/config"
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/txns"
	"github.com/oltp-incubator/tinyoltp/oltp/metrics"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

var (
	ErrDuplicateTxn = errors.New("transaction already known to this partition")
	ErrUnknownTxn   = errors.New("no transaction state for txn")
	ErrShutdown     = errors.New("partition executor is shutting down")
)

// fatalError marks a violation that must take the whole cluster down rather
// than be swallowed by the loop.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }

func fatalf(format string, args ...interface{}) error {
	return &fatalError{err: errors.Errorf(format, args...)}
}

// PartitionExecutor is the single mutator of one partition: it owns the
// storage engine, the work queue, the live-transaction table and the
// procedure instance pools. Everything that touches the engine runs on its
// loop goroutine; procedure bodies run as tasks that re-enter through the
// work queue.
type PartitionExecutor struct {
	partitionID int
	siteID      int
	cfg         *config.Config
	eng         engine.Engine

	workQueue chan message.Msg

	// txn id -> *txns.LocalTransaction or *txns.RemoteTransaction
	liveTxns sync.Map

	// loop-goroutine state
	finished      []finishedTxn
	lastTickTime  time.Time
	currentTxn    uint64
	deferredInits []*message.MsgInitiate
	running       map[uint64]*runningProc

	lastCommitted atomic.Uint64
	undoCounter   atomic.Uint64
	errorCounter  atomic.Int64

	procMgr  *procs.Manager
	sysprocs map[int32]SystemProcedure

	coordinator message.Coordinator
	messenger   message.Messenger

	localPool  *pool.ObjectPool
	remotePool *pool.ObjectPool

	depLimiter *rate.Limiter

	onFatal func(error)

	shuttingDown atomic.Bool
	stopped      chan struct{}

	partitionLabel string
}

type finishedTxn struct {
	txnID uint64
	at    time.Time
}

type runningProc struct {
	name string
	proc procs.Procedure
}

// ExecutorPools groups the state pools one executor draws from. The site
// supervisor owns them; nothing here is process-global.
type ExecutorPools struct {
	Local  *pool.ObjectPool
	Remote *pool.ObjectPool
}

func NewPartitionExecutor(partitionID, siteID int, cfg *config.Config, eng engine.Engine,
	procMgr *procs.Manager, pools ExecutorPools) *PartitionExecutor {
	var limiter *rate.Limiter
	if bps := cfg.Executor.DepSetBytesPerSec; bps > 0 {
		limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}
	return &PartitionExecutor{
		partitionID:    partitionID,
		siteID:         siteID,
		cfg:            cfg,
		eng:            eng,
		workQueue:      make(chan message.Msg, cfg.Executor.WorkQueueCap),
		running:        make(map[uint64]*runningProc),
		procMgr:        procMgr,
		sysprocs:       make(map[int32]SystemProcedure),
		localPool:      pools.Local,
		remotePool:     pools.Remote,
		depLimiter:     limiter,
		stopped:        make(chan struct{}),
		partitionLabel: strconv.Itoa(partitionID),
	}
}

func (pe *PartitionExecutor) PartitionID() int { return pe.partitionID }

func (pe *PartitionExecutor) SiteID() int { return pe.siteID }

func (pe *PartitionExecutor) Engine() engine.Engine { return pe.eng }

func (pe *PartitionExecutor) LastCommittedTxnID() uint64 { return pe.lastCommitted.Load() }

func (pe *PartitionExecutor) ErrorCount() int64 { return pe.errorCounter.Load() }

// SetCoordinator wires the cross-partition request service. Must happen
// before Run.
func (pe *PartitionExecutor) SetCoordinator(c message.Coordinator) { pe.coordinator = c }

// SetMessenger wires the inter-site row transport. Must happen before Run.
func (pe *PartitionExecutor) SetMessenger(m message.Messenger) { pe.messenger = m }

// SetFatalHandler installs the supervisor hook that takes the cluster down
// on an assertion-class failure.
func (pe *PartitionExecutor) SetFatalHandler(fn func(error)) { pe.onFatal = fn }

// nextUndoToken mints the next token for this partition. Tokens are
// strictly increasing and never zero.
func (pe *PartitionExecutor) nextUndoToken() uint64 {
	return pe.undoCounter.Inc()
}

func (pe *PartitionExecutor) enqueue(msg message.Msg) error {
	if pe.shuttingDown.Load() {
		return errors.WithStack(ErrShutdown)
	}
	pe.workQueue <- msg
	return nil
}

// QueueInitiate admits a transaction to this partition: the local state is
// allocated up front so fragment responses arriving early have somewhere to
// land, then the initiate goes on the work queue.
func (pe *PartitionExecutor) QueueInitiate(m *message.MsgInitiate) error {
	ts := pe.localPool.Acquire().(*txns.LocalTransaction)
	ts.Init(m.TxnID, m.BasePartition, m.ClientHandle, m.ProcName, m.Params,
		m.Partitions, m.ReadOnly, m.Abortable, m.Respond)
	if _, loaded := pe.liveTxns.LoadOrStore(m.TxnID, ts); loaded {
		ts.Reset()
		if err := pe.localPool.Release(ts); err != nil {
			log.Error("returning local state to pool", zap.Error(err))
		}
		return errors.Annotatef(ErrDuplicateTxn, "txn %d", m.TxnID)
	}
	ts.InitCB.Arm(m.TxnID, pe.partitionID, 1, nil)
	return pe.enqueue(message.NewTxnMsg(message.MsgTypeInitiate, m.TxnID, m))
}

// QueueFragment hands this partition fragment work for a transaction whose
// procedure may run elsewhere. A remote state is allocated on first contact.
func (pe *PartitionExecutor) QueueFragment(m *message.MsgFragment) error {
	if _, ok := pe.liveTxns.Load(m.TxnID); !ok {
		rts := pe.remotePool.Acquire().(*txns.RemoteTransaction)
		rts.Init(m.TxnID, m.SourcePartition, "", nil,
			pe.ownPartitionSet(), true)
		if _, loaded := pe.liveTxns.LoadOrStore(m.TxnID, rts); loaded {
			rts.Reset()
			if err := pe.remotePool.Release(rts); err != nil {
				log.Error("returning remote state to pool", zap.Error(err))
			}
		} else {
			// admitted to the queue: the init-queue callback fires right
			// away and acks to nobody in-process
			rts.InitQueueCB.ArmAck(m.TxnID, pe.partitionID, nil)
			rts.InitQueueCB.RunQueued()
		}
	}
	return pe.enqueue(message.NewTxnMsg(message.MsgTypeFragment, m.TxnID, m))
}

func (pe *PartitionExecutor) QueuePrepare(m *message.MsgPrepare) error {
	return pe.enqueue(message.NewTxnMsg(message.MsgTypePrepare, m.TxnID, m))
}

func (pe *PartitionExecutor) QueueFinish(m *message.MsgFinish) error {
	return pe.enqueue(message.NewTxnMsg(message.MsgTypeFinish, m.TxnID, m))
}

func (pe *PartitionExecutor) ownPartitionSet() util.PartitionSet {
	return util.NewPartitionSet(pe.partitionID)
}

// Run is the partition loop. It is the only goroutine that calls into the
// storage engine.
func (pe *PartitionExecutor) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(pe.stopped)
	if pe.cfg.Site.PinThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	log.Info("partition executor starting",
		zap.Int("site", pe.siteID), zap.Int("partition", pe.partitionID))

	pollTimer := time.NewTimer(pe.cfg.Executor.PollTimeout)
	defer pollTimer.Stop()
	for {
		if !pollTimer.Stop() {
			select {
			case <-pollTimer.C:
			default:
			}
		}
		pollTimer.Reset(pe.cfg.Executor.PollTimeout)

		var msg message.Msg
		select {
		case msg = <-pe.workQueue:
		case <-pollTimer.C:
			pe.tick()
			pe.gcFinished()
			continue
		}
		metrics.WorkQueueDepth.WithLabelValues(pe.partitionLabel).Set(float64(len(pe.workQueue)))

		if msg.Type == message.MsgTypeStop {
			pe.drain()
			log.Info("partition executor stopped", zap.Int("partition", pe.partitionID))
			return
		}

		if err := pe.dispatch(msg); err != nil {
			pe.errorCounter.Inc()
			metrics.ExecutorErrors.WithLabelValues(pe.partitionLabel).Inc()
			if f, ok := err.(*fatalError); ok {
				log.Error("fatal executor error",
					zap.Int("partition", pe.partitionID), zap.Error(f.err))
				if pe.onFatal != nil {
					pe.onFatal(f.err)
				}
				return
			}
			log.Warn("executor error",
				zap.Int("partition", pe.partitionID),
				zap.Int64("msgType", int64(msg.Type)),
				zap.Uint64("txn", msg.TxnID),
				zap.Error(err))
		}

		pe.tick()
		if len(pe.workQueue) == 0 {
			pe.gcFinished()
		}
	}
}

func (pe *PartitionExecutor) dispatch(msg message.Msg) error {
	switch msg.Type {
	case message.MsgTypeInitiate:
		return pe.handleInitiate(msg.Data.(*message.MsgInitiate))
	case message.MsgTypeFragment:
		return pe.handleFragment(msg.Data.(*message.MsgFragment))
	case message.MsgTypePrepare:
		return pe.handlePrepare(msg.Data.(*message.MsgPrepare))
	case message.MsgTypeFinish:
		m := msg.Data.(*message.MsgFinish)
		if m.Commit {
			pe.commitWork(m.TxnID)
		} else {
			pe.abortWork(m.TxnID)
		}
		if m.Ack != nil {
			m.Ack(pe.partitionID)
		}
		return nil
	case message.MsgTypeLoadTable:
		return pe.handleLoadTable(msg.Data.(*message.MsgLoadTable))
	case message.MsgTypeTxnDone:
		pe.handleTxnDone(msg.Data.(*message.MsgTxnDone))
		return nil
	default:
		return fatalf("unexpected work message type %d in queue", msg.Type)
	}
}

// tick forwards wall time to the engine at most once per TickInterval.
func (pe *PartitionExecutor) tick() {
	now := time.Now()
	if now.Sub(pe.lastTickTime) < pe.cfg.Executor.TickInterval {
		return
	}
	if !pe.lastTickTime.IsZero() {
		pe.eng.Tick(now, pe.lastCommitted.Load())
	}
	pe.lastTickTime = now
}

// Shutdown flips the flag and wakes the loop with a poison entry, then
// waits for the drain.
func (pe *PartitionExecutor) Shutdown() {
	if !pe.shuttingDown.CAS(false, true) {
		<-pe.stopped
		return
	}
	pe.workQueue <- message.NewMsg(message.MsgTypeStop, nil)
	<-pe.stopped
}

// drain empties the queue after the poison entry. Finish, prepare and
// load-table entries are answered so the goroutines waiting on their
// callbacks return, and txn-done entries are processed; initiate and
// fragment entries are dropped without a response.
func (pe *PartitionExecutor) drain() {
	for {
		select {
		case msg := <-pe.workQueue:
			switch msg.Type {
			case message.MsgTypeTxnDone:
				pe.handleTxnDone(msg.Data.(*message.MsgTxnDone))
			case message.MsgTypeFinish:
				m := msg.Data.(*message.MsgFinish)
				if m.Ack != nil {
					m.Ack(pe.partitionID)
				}
			case message.MsgTypeLoadTable:
				m := msg.Data.(*message.MsgLoadTable)
				if m.Done != nil {
					m.Done(errors.WithStack(ErrShutdown))
				}
			case message.MsgTypePrepare:
				m := msg.Data.(*message.MsgPrepare)
				if m.Respond != nil {
					m.Respond(pe.partitionID, false)
				}
			}
		default:
			return
		}
	}
}
