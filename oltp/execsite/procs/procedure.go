package procs

import (
	"github.com/pingcap/errors"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/txns"
)

// Context is what a procedure body sees while it runs as its own task beside
// the partition loop. ExecuteBatch blocks until every dependency of the batch
// is satisfied and LoadTable blocks until the loop has applied the load; these
// are the only suspension points inside a procedure.
type Context interface {
	TxnID() uint64
	PartitionID() int
	Params() *engine.ParameterSet
	// ExecuteBatch dispatches fragment tasks and blocks for their results,
	// ordered by the batch's output dependencies.
	ExecuteBatch(tasks []*message.MsgFragment) ([]*engine.Table, error)
	// LoadTable bulk-loads rows under the transaction's undo token.
	LoadTable(table string, data *engine.Table, allowStream bool) error
}

// Procedure is one pre-compiled transaction body. Instances are reused
// across transactions, so implementations must not keep state between Run
// calls.
type Procedure interface {
	Run(ctx Context) ([]*engine.Table, error)
}

type Factory func() Procedure

// Abort raises a user abort out of a procedure body.
func Abort(msg string) error {
	return &txns.UserAbortError{Msg: msg}
}

// NewFragmentTask builds one fragment task of a batch. Parameter sets are
// encoded immediately so the caller may reuse its buffers.
func NewFragmentTask(txnID uint64, srcPartition, destPartition int,
	fragmentID, outputDepID int32, params *engine.ParameterSet,
	inputDepIDs ...int32) (*message.MsgFragment, error) {
	blob, err := params.Marshal()
	if err != nil {
		return nil, errors.Annotatef(err, "fragment %d of txn %d", fragmentID, txnID)
	}
	return &message.MsgFragment{
		TxnID:           txnID,
		SourcePartition: srcPartition,
		DestPartition:   destPartition,
		FragmentIDs:     []int32{fragmentID},
		ParamBlobs:      [][]byte{blob},
		InputDepIDs:     inputDepIDs,
		OutputDepIDs:    []int32{outputDepID},
	}, nil
}
