package txns

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

func newDepPool() *pool.ObjectPool {
	return pool.NewObjectPool("dependency-info", 16, true,
		func() pool.Poolable { return NewDependencyInfo() })
}

func newLocalTxn(t *testing.T, depPool *pool.ObjectPool) *LocalTransaction {
	ts := NewLocalTransaction(depPool)
	ts.Init(100, 0, 1, "TestProc", engine.NewParameterSet(int64(7)),
		util.NewPartitionSet(0, 1), false, true, func(*message.ClientResponse) {})
	return ts
}

func task(dest int, outDep int32, inDeps ...int32) *message.MsgFragment {
	return &message.MsgFragment{
		TxnID:         100,
		DestPartition: dest,
		FragmentIDs:   []int32{1},
		ParamBlobs:    [][]byte{nil},
		InputDepIDs:   inDeps,
		OutputDepIDs:  []int32{outDep},
	}
}

func TestRoundGating(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	require.NoError(t, ts.InitRound(5))
	assert.Equal(t, uint64(5), ts.LastUndoToken())

	blocked, err := ts.AddFragmentTask(task(0, 10))
	require.NoError(t, err)
	assert.False(t, blocked)
	blocked, err = ts.AddFragmentTask(task(1, 11))
	require.NoError(t, err)
	assert.False(t, blocked)

	latch, err := ts.StartLocalRound()
	require.NoError(t, err)
	assert.Equal(t, 2, latch.Count())

	// rows plus ack from each producer releases its dependency
	runnable, err := ts.AddResult(0, 10, engine.NewTable(engine.Row{3}))
	require.NoError(t, err)
	assert.Empty(t, runnable)
	_, err = ts.AddResponse(0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, latch.Count())

	_, err = ts.AddResult(1, 11, engine.NewTable(engine.Row{4}))
	require.NoError(t, err)
	_, err = ts.AddResponse(1, 11)
	require.NoError(t, err)
	assert.Equal(t, 0, latch.Count())

	results := ts.Results()
	require.Len(t, results, 2)
	assert.Equal(t, engine.Row{3}, results[0].Rows[0])
	assert.Equal(t, engine.Row{4}, results[1].Rows[0])
	require.NoError(t, ts.FinishLocalRound())
}

func TestEarlyResultBeforeStartRound(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	require.NoError(t, ts.InitRound(1))
	_, err := ts.AddFragmentTask(task(0, 10))
	require.NoError(t, err)

	// completion lands between registration and startRound: the latch must
	// already account for it
	_, err = ts.AddResult(0, 10, engine.NewTable(engine.Row{9}))
	require.NoError(t, err)
	_, err = ts.AddResponse(0, 10)
	require.NoError(t, err)

	latch, err := ts.StartLocalRound()
	require.NoError(t, err)
	assert.Equal(t, 0, latch.Count())
	require.NoError(t, ts.FinishLocalRound())
}

func TestBlockedTaskUnblocks(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	require.NoError(t, ts.InitRound(1))

	blocked, err := ts.AddFragmentTask(task(0, 10))
	require.NoError(t, err)
	require.False(t, blocked)
	consumer := task(1, 11, 10)
	blocked, err = ts.AddFragmentTask(consumer)
	require.NoError(t, err)
	require.True(t, blocked)

	_, err = ts.StartLocalRound()
	require.NoError(t, err)

	_, err = ts.AddResult(0, 10, engine.NewTable(engine.Row{1}))
	require.NoError(t, err)
	runnable, err := ts.AddResponse(0, 10)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	assert.True(t, runnable[0] == consumer)

	// the consumer's inputs are now attachable
	internal := ts.InternalDependencies(consumer)
	require.Contains(t, internal, int32(10))
	require.Len(t, internal[10], 1)
}

func TestPendingErrorFirstWins(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	first := assert.AnError
	ts.SetPendingError(first)
	ts.SetPendingError(&UserAbortError{Msg: "later"})
	assert.True(t, ts.HasPendingError())
	assert.Equal(t, first, ts.PendingError())
}

func TestPendingErrorReleasesLatch(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	require.NoError(t, ts.InitRound(1))
	_, err := ts.AddFragmentTask(task(1, 10))
	require.NoError(t, err)
	latch, err := ts.StartLocalRound()
	require.NoError(t, err)
	require.Equal(t, 1, latch.Count())

	ts.SetPendingErrorAndRelease(assert.AnError)
	assert.Equal(t, 0, latch.Count())
	// an unsatisfied dependency is tolerated when the round failed
	require.NoError(t, ts.FinishLocalRound())
}

func TestLateResultIsAnAssertion(t *testing.T) {
	depPool := newDepPool()
	ts := newLocalTxn(t, depPool)
	require.NoError(t, ts.InitRound(1))
	_, err := ts.AddFragmentTask(task(0, 10))
	require.NoError(t, err)
	_, err = ts.StartLocalRound()
	require.NoError(t, err)
	_, err = ts.AddResult(0, 10, engine.NewTable())
	require.NoError(t, err)
	_, err = ts.AddResponse(0, 10)
	require.NoError(t, err)
	require.NoError(t, ts.FinishLocalRound())

	_, err = ts.AddResult(0, 10, engine.NewTable(engine.Row{1}))
	require.Error(t, err)
	assert.Equal(t, ErrLateResult, errors.Cause(err))

	// with a pending error the late delivery is silently dropped
	ts.SetPendingError(assert.AnError)
	_, err = ts.AddResult(0, 10, engine.NewTable(engine.Row{1}))
	assert.NoError(t, err)
}

func TestDependencyInfoPoolRoundTrip(t *testing.T) {
	depPool := newDepPool()
	ts := newLocalTxn(t, depPool)
	require.NoError(t, ts.InitRound(1))
	_, err := ts.AddFragmentTask(task(0, 10))
	require.NoError(t, err)
	_, err = ts.StartLocalRound()
	require.NoError(t, err)
	_, err = ts.AddResult(0, 10, engine.NewTable())
	require.NoError(t, err)
	_, err = ts.AddResponse(0, 10)
	require.NoError(t, err)
	require.NoError(t, ts.FinishLocalRound())

	st := depPool.Stats()
	assert.Equal(t, int64(1), st.Released)
	assert.Equal(t, 1, st.Idle)
}

func TestOverlappingRoundsRejected(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	require.NoError(t, ts.InitRound(1))
	assert.Error(t, ts.InitRound(2))
	// undo tokens never move backwards
	require.NoError(t, ts.FinishLocalRound())
	assert.Error(t, ts.InitRound(0))
}

func TestIsDeletable(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	// never-armed slots do not block deletion
	assert.True(t, ts.IsDeletable())

	require.NoError(t, ts.InitRound(1))
	assert.False(t, ts.IsDeletable())
	require.NoError(t, ts.FinishLocalRound())

	ts.InitCB.Arm(100, 0, 1, nil)
	assert.False(t, ts.IsDeletable())
	ts.InitCB.RunPartition(0)
	assert.True(t, ts.IsDeletable())
}

func TestExecSinglePartitionTracking(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	assert.True(t, ts.IsExecSinglePartition())
	ts.RecordTouchedPartition(0)
	assert.True(t, ts.IsExecSinglePartition())
	ts.RecordTouchedPartition(1)
	assert.False(t, ts.IsExecSinglePartition())
	assert.True(t, ts.ParticipatingPartitions().Equals(util.NewPartitionSet(0, 1)))
}

func TestPredictSinglePartition(t *testing.T) {
	depPool := newDepPool()
	sp := NewLocalTransaction(depPool)
	sp.Init(7, 0, 1, "P", nil, util.NewPartitionSet(0), false, true, func(*message.ClientResponse) {})
	assert.True(t, sp.IsPredictSinglePartition())

	mp := NewLocalTransaction(depPool)
	mp.Init(8, 0, 1, "P", nil, util.NewPartitionSet(0, 1), false, true, func(*message.ClientResponse) {})
	assert.False(t, mp.IsPredictSinglePartition())
}

func TestResetMakesIdle(t *testing.T) {
	ts := newLocalTxn(t, newDepPool())
	assert.False(t, ts.IsIdle())
	ts.Reset()
	assert.True(t, ts.IsIdle())
	assert.Equal(t, uint64(0), ts.TxnID())
}

func TestMispredictClassification(t *testing.T) {
	err := &MispredictError{TxnID: 9, Partition: 1}
	m, ok := IsMispredict(err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), m.TxnID)
	_, ok = IsMispredict(assert.AnError)
	assert.False(t, ok)

	assert.True(t, IsUserAbort(&UserAbortError{Msg: "x"}))
	assert.False(t, IsUserAbort(assert.AnError))
}
