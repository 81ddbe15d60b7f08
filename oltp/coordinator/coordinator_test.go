package coordinator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltp-incubator/tinyoltp/oltp/coordinator"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

// voteRouter answers prepare and finish messages synchronously, voting
// not-ready for one chosen partition.
type voteRouter struct {
	failPartition int
	prepares      []int
	finishes      map[int]bool
}

func newVoteRouter(failPartition int) *voteRouter {
	return &voteRouter{failPartition: failPartition, finishes: make(map[int]bool)}
}

func (r *voteRouter) Send(partitionID int, msg message.Msg) error {
	switch msg.Type {
	case message.MsgTypePrepare:
		m := msg.Data.(*message.MsgPrepare)
		r.prepares = append(r.prepares, partitionID)
		m.Respond(partitionID, partitionID != r.failPartition)
	case message.MsgTypeFinish:
		m := msg.Data.(*message.MsgFinish)
		r.finishes[partitionID] = m.Commit
		m.Ack(partitionID)
	}
	return nil
}

func TestPrepareFailureConvertsToAbort(t *testing.T) {
	router := newVoteRouter(1)
	c := coordinator.New(0, router, pool.NewRegistry(), 4, false)

	var committed *bool
	c.FinishTransaction(7, util.NewPartitionSet(0, 1, 2), true,
		func(ok bool) { committed = &ok })

	require.NotNil(t, committed)
	assert.False(t, *committed)
	assert.Len(t, router.prepares, 3)
	// every participant aborts, including the ones that voted ready
	require.Len(t, router.finishes, 3)
	for partition, commit := range router.finishes {
		assert.False(t, commit, "partition %d was told to commit", partition)
	}
}

func TestAllReadyCommits(t *testing.T) {
	router := newVoteRouter(-1)
	c := coordinator.New(0, router, pool.NewRegistry(), 4, false)

	var committed *bool
	c.FinishTransaction(8, util.NewPartitionSet(0, 1), true,
		func(ok bool) { committed = &ok })

	require.NotNil(t, committed)
	assert.True(t, *committed)
	assert.Equal(t, map[int]bool{0: true, 1: true}, router.finishes)
}

func TestAbortSkipsPrepare(t *testing.T) {
	router := newVoteRouter(-1)
	c := coordinator.New(0, router, pool.NewRegistry(), 4, false)

	var committed *bool
	c.FinishTransaction(9, util.NewPartitionSet(0, 1), false,
		func(ok bool) { committed = &ok })

	require.NotNil(t, committed)
	assert.False(t, *committed)
	assert.Empty(t, router.prepares)
	assert.Equal(t, map[int]bool{0: false, 1: false}, router.finishes)
}

func TestRequestWorkRejectsEmpty(t *testing.T) {
	c := coordinator.New(0, newVoteRouter(-1), pool.NewRegistry(), 4, false)
	err := c.RequestWork(&message.CoordinatorRequest{}, func(*message.FragmentResponse) {})
	assert.Error(t, err)
}
