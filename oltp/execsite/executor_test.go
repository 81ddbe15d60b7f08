package execsite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/txns"
	"github.com/oltp-incubator/tinyoltp/oltp/testutil"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

// newTestSite builds a site owning the given partitions with recording
// engines, optionally starting the executor loops.
func newTestSite(t *testing.T, partitions []int, start bool) (*Site, map[int]*testutil.RecordingEngine) {
	t.Helper()
	cfg := testutil.TestConfig(0, partitions, 2)
	reg := procs.NewRegistry()
	testutil.Register(reg)
	engines := make(map[int]*testutil.RecordingEngine)
	site, err := NewSiteWithEngineBuilder(cfg, reg, testutil.Catalog(),
		func(partitionID int) (engine.Engine, error) {
			re := testutil.NewRecordingEngine(engine.NewMockEngine(partitionID))
			engines[partitionID] = re
			return re, nil
		})
	require.NoError(t, err)
	if start {
		site.Start()
		t.Cleanup(site.Shutdown)
	}
	return site, engines
}

func submit(t *testing.T, site *Site, txnID uint64, base int, proc string,
	params *engine.ParameterSet, predicted util.PartitionSet) *message.ClientResponse {
	t.Helper()
	ch := make(chan *message.ClientResponse, 1)
	err := site.SubmitTransaction(&message.MsgInitiate{
		TxnID:         txnID,
		ClientHandle:  txnID,
		BasePartition: base,
		ProcName:      proc,
		Params:        params,
		Partitions:    predicted,
		Abortable:     true,
		Respond:       func(resp *message.ClientResponse) { ch <- resp },
	})
	require.NoError(t, err)
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatalf("no client response for txn %d", txnID)
		return nil
	}
}

func TestSinglePartitionSuccess(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, true)

	resp := submit(t, site, 100, 0, "Echo",
		engine.NewParameterSet(int64(7)), util.NewPartitionSet(0))

	require.Equal(t, message.ClientSuccess, resp.Status)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Rows, 1)
	assert.Equal(t, engine.Row{42}, resp.Results[0].Rows[0])

	assert.Equal(t, uint64(100), site.Executor(0).LastCommittedTxnID())
	assert.Equal(t, uint64(0), site.Executor(1).LastCommittedTxnID())

	require.Len(t, engines[0].CallsTo("ReleaseUndoToken"), 1)
	assert.Empty(t, engines[1].CallsTo("ExecuteFragments"))
	assert.Empty(t, engines[1].CallsTo("ReleaseUndoToken"))
}

func TestSingleWriterInvariant(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, true)

	for txn := uint64(100); txn < 103; txn++ {
		resp := submit(t, site, txn, 0, "Echo", engine.NewParameterSet(), util.NewPartitionSet(0))
		require.Equal(t, message.ClientSuccess, resp.Status)
	}

	calls := engines[0].Calls()
	require.NotEmpty(t, calls)
	writer := calls[0].Goroutine
	for _, c := range calls {
		assert.Equal(t, writer, c.Goroutine,
			"engine call %s came from a second goroutine", c.Method)
	}
}

func TestUndoTokensStrictlyIncreasing(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, true)

	var lastCommitted uint64
	for txn := uint64(100); txn < 104; txn++ {
		resp := submit(t, site, txn, 0, "Echo", engine.NewParameterSet(), util.NewPartitionSet(0))
		require.Equal(t, message.ClientSuccess, resp.Status)
		next := site.Executor(0).LastCommittedTxnID()
		assert.True(t, next > lastCommitted)
		lastCommitted = next
	}

	execs := engines[0].CallsTo("ExecuteFragments")
	require.NotEmpty(t, execs)
	for i := 1; i < len(execs); i++ {
		assert.True(t, execs[i].Token > execs[i-1].Token,
			"undo token %d did not increase past %d", execs[i].Token, execs[i-1].Token)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, false)
	pe := site.Executor(0)

	require.NoError(t, pe.QueueInitiate(&message.MsgInitiate{
		TxnID:         100,
		BasePartition: 0,
		ProcName:      "Echo",
		Partitions:    util.NewPartitionSet(0),
		Respond:       func(*message.ClientResponse) {},
	}))
	v, ok := pe.liveTxns.Load(uint64(100))
	require.True(t, ok)
	lts := v.(*txns.LocalTransaction)
	require.NoError(t, lts.InitRound(pe.nextUndoToken()))
	lts.SetSubmittedEE()
	require.NoError(t, lts.FinishLocalRound())

	pe.commitWork(100)
	pe.commitWork(100)
	// abort after commit is a no-op too
	pe.abortWork(100)

	assert.Len(t, engines[0].CallsTo("ReleaseUndoToken"), 1)
	assert.Empty(t, engines[0].CallsTo("UndoUndoToken"))
	assert.Equal(t, uint64(100), pe.LastCommittedTxnID())
}

func TestUnknownTxnIgnored(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, true)
	pe := site.Executor(0)

	require.NoError(t, pe.QueueFinish(&message.MsgFinish{TxnID: 9999, Commit: true}))
	require.NoError(t, pe.QueueFinish(&message.MsgFinish{TxnID: 9999, Commit: false}))

	// the executor keeps serving afterwards
	resp := submit(t, site, 100, 0, "Echo", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, resp.Status)
	assert.Equal(t, uint64(100), pe.LastCommittedTxnID())
	assert.Empty(t, engines[0].CallsTo("UndoUndoToken"))
}

func TestTransactionStatePoolReuse(t *testing.T) {
	site, _ := newTestSite(t, []int{0, 1}, true)

	resp := submit(t, site, 100, 0, "Echo", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, resp.Status)
	testutil.WaitFor(t, 5*time.Second, "first state returned to pool", func() bool {
		return site.localPool.IdleCount() == 1
	})

	// peek at the pooled instance without disturbing the stack order
	peek := site.localPool.Acquire().(*txns.LocalTransaction)
	require.NoError(t, site.localPool.Release(peek))

	resp = submit(t, site, 200, 0, "Echo", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, resp.Status)
	testutil.WaitFor(t, 5*time.Second, "second state returned to pool", func() bool {
		return site.localPool.IdleCount() == 1
	})

	again := site.localPool.Acquire().(*txns.LocalTransaction)
	require.NoError(t, site.localPool.Release(again))
	assert.True(t, peek == again, "second transaction did not reuse the pooled state")

	st := site.localPool.Stats()
	assert.True(t, st.Hits >= 1, "expected at least one pool hit, got %+v", st)
}

func TestUserAbortRollsBack(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, true)

	resp := submit(t, site, 100, 0, "UserAbort", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientUserAbort, resp.Status)
	require.Len(t, engines[0].CallsTo("UndoUndoToken"), 1)
	assert.Empty(t, engines[0].CallsTo("ReleaseUndoToken"))
	// aborted transactions do not advance the commit mark
	assert.Equal(t, uint64(0), site.Executor(0).LastCommittedTxnID())

	read := submit(t, site, 101, 0, "ReadKey", engine.NewParameterSet(int64(3)), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, read.Status)
	assert.Len(t, read.Results[0].Rows, 0, "rolled-back write is still visible")
}

func TestLoadTable(t *testing.T) {
	site, engines := newTestSite(t, []int{0, 1}, true)

	resp := submit(t, site, 100, 0, "LoadAndRead", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, resp.Status)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Rows, 1)
	assert.Equal(t, engine.Row{51, 510}, resp.Results[0].Rows[0])
	require.Len(t, engines[0].CallsTo("LoadTable"), 1)
	// commit released the bulk load's undo window
	assert.NotEmpty(t, engines[0].CallsTo("ReleaseUndoToken"))
}

func TestSerialTransactionsOnOnePartition(t *testing.T) {
	site, _ := newTestSite(t, []int{0, 1}, true)

	type result struct {
		txn  uint64
		resp *message.ClientResponse
	}
	ch := make(chan result, 3)
	for txn := uint64(100); txn < 103; txn++ {
		txn := txn
		require.NoError(t, site.SubmitTransaction(&message.MsgInitiate{
			TxnID:         txn,
			ClientHandle:  txn,
			BasePartition: 0,
			ProcName:      "Echo",
			Params:        engine.NewParameterSet(),
			Partitions:    util.NewPartitionSet(0),
			Respond:       func(resp *message.ClientResponse) { ch <- result{txn, resp} },
		}))
	}
	seen := make(map[uint64]bool)
	for i := 0; i < 3; i++ {
		select {
		case r := <-ch:
			require.Equal(t, message.ClientSuccess, r.resp.Status)
			seen[r.txn] = true
		case <-time.After(5 * time.Second):
			t.Fatal("missing client responses")
		}
	}
	assert.Len(t, seen, 3)
}

func TestDuplicateInitiateRejected(t *testing.T) {
	site, _ := newTestSite(t, []int{0, 1}, false)
	pe := site.Executor(0)
	m := &message.MsgInitiate{
		TxnID:         100,
		BasePartition: 0,
		ProcName:      "Echo",
		Partitions:    util.NewPartitionSet(0),
		Respond:       func(*message.ClientResponse) {},
	}
	require.NoError(t, pe.QueueInitiate(m))
	assert.Error(t, pe.QueueInitiate(m))
}
