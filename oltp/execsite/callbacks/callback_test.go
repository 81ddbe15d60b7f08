package callbacks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
)

func TestStateTransitions(t *testing.T) {
	cb := NewInitCallback(nil)
	assert.Equal(t, StateIdle, cb.State())
	assert.True(t, cb.IsFinished()) // never armed, nothing to wait for

	unblocked := 0
	cb.Arm(7, 0, 2, func() { unblocked++ })
	assert.Equal(t, StateArmed, cb.State())
	assert.False(t, cb.IsFinished())

	assert.False(t, cb.RunPartition(0))
	assert.Equal(t, StateFired, cb.State())
	assert.Equal(t, 0, unblocked)

	assert.True(t, cb.RunPartition(1))
	assert.Equal(t, StateFinished, cb.State())
	assert.Equal(t, 1, unblocked)
	assert.True(t, cb.IsFinished())

	// a response past finished is dropped
	assert.False(t, cb.RunPartition(2))
	assert.Equal(t, 1, unblocked)
}

func TestAbortSkipsContinuation(t *testing.T) {
	cb := NewFinishCallback(nil)
	ran := false
	cb.Arm(7, 0, 2, func() { ran = true })
	cb.RunAck(0)
	cb.Abort()
	assert.Equal(t, StateFinished, cb.State())
	assert.False(t, ran)
	assert.False(t, cb.RunAck(1))
}

func TestZeroExpectedFiresImmediately(t *testing.T) {
	cb := NewInitCallback(nil)
	ran := false
	cb.Arm(7, 0, 0, func() { ran = true })
	assert.True(t, ran)
	assert.Equal(t, StateFinished, cb.State())
}

func TestPrepareCallbackVoting(t *testing.T) {
	cb := NewPrepareCallback(nil)
	var outcome *bool
	cb.ArmVotes(7, 0, 3, func(allReady bool) { outcome = &allReady })
	cb.RunVote(0, true)
	cb.RunVote(1, false)
	require.Nil(t, outcome)
	cb.RunVote(2, true)
	require.NotNil(t, outcome)
	assert.False(t, *outcome)

	cb.Reset()
	cb.ArmVotes(8, 0, 1, func(allReady bool) { outcome = &allReady })
	cb.RunVote(0, true)
	assert.True(t, *outcome)
}

func TestWorkCallbackAggregates(t *testing.T) {
	cb := NewWorkCallback(nil)
	cb.Arm(7, 0, 2, nil)
	cb.RunResponse(&message.FragmentResponse{SourcePartition: 1, Status: message.FragmentSuccess})
	cb.RunResponse(&message.FragmentResponse{SourcePartition: 0, Status: message.FragmentSuccess})
	assert.Len(t, cb.Responses(), 2)
	assert.Equal(t, StateFinished, cb.State())
	cb.Reset()
	assert.Len(t, cb.Responses(), 0)
}

func TestCallbackPoolRoundTrip(t *testing.T) {
	var p *pool.ObjectPool
	p = pool.NewObjectPool("callback-finish", 4, true,
		func() pool.Poolable { return NewFinishCallback(p) })

	cb := p.Acquire().(*FinishCallback)
	cb.Arm(7, 0, 1, nil)
	cb.RunAck(0)
	cb.Release()

	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, int64(1), st.Released)

	again := p.Acquire().(*FinishCallback)
	assert.True(t, cb == again)
	assert.Equal(t, StateIdle, again.State())
}

func TestRedirectRelay(t *testing.T) {
	cb := NewRedirectCallback(nil)
	var got *message.ClientResponse
	cb.ArmRedirect(7, 1, func(resp *message.ClientResponse) { got = resp })
	cb.RunResponse(&message.ClientResponse{TxnID: 7, Status: message.ClientSuccess})
	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.TxnID)
	assert.Equal(t, StateFinished, cb.State())
}

func TestInitQueueAck(t *testing.T) {
	cb := NewInitQueueCallback(nil)
	acked := -1
	cb.ArmAck(7, 3, func(partition int) { acked = partition })
	cb.RunQueued()
	assert.Equal(t, 3, acked)
	assert.True(t, cb.IsFinished())
}
