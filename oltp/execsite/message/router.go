package message

import (
	"github.com/pingcap/errors"

	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

var ErrPartitionNotFound = errors.New("partition not found on this site")

// Router delivers work messages to partition executors owned by this
// process.
type Router interface {
	Send(partitionID int, msg Msg) error
}

// Messenger moves rows and redirected requests between sites. Transport is
// abstracted away; in-process and networked implementations look the same
// from here.
type Messenger interface {
	// SendDependencySet delivers produced rows to the partition that is
	// waiting on them.
	SendDependencySet(ds *DependencySetMsg) error
	// ForwardInitiate redirects a client request that arrived at the wrong
	// base partition; the far side's response flows back through respond.
	ForwardInitiate(m *MsgInitiate, respond func(*ClientResponse)) error
	Stop()
}

// Coordinator is the cross-partition request service a partition executor
// hands distributed work to.
type Coordinator interface {
	// RequestWork sends one packed batch out to its target partitions.
	// Responses fan back per partition through respond.
	RequestWork(req *CoordinatorRequest, respond func(*FragmentResponse)) error
	// FinishTransaction drives prepare and finish across the participating
	// partitions; done reports whether the transaction committed.
	FinishTransaction(txnID uint64, partitions util.PartitionSet, commit bool, done func(committed bool))
}
