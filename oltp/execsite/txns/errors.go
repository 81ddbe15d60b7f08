package txns

import (
	"fmt"

	"github.com/pingcap/errors"
)

// MispredictError reports that a transaction predicted single-partition
// tried to touch another partition. It travels as an ordinary error value
// through the waitForResponses contract; the procedure host branches on it.
type MispredictError struct {
	TxnID     uint64
	Partition int
}

func (e *MispredictError) Error() string {
	return fmt.Sprintf("txn %d predicted single-partition but touched partition %d", e.TxnID, e.Partition)
}

// IsMispredict reports whether err is (or wraps) a misprediction.
func IsMispredict(err error) (*MispredictError, bool) {
	m, ok := errors.Cause(err).(*MispredictError)
	return m, ok
}

// UserAbortError is a rollback requested by the procedure body itself.
type UserAbortError struct {
	Msg string
}

func (e *UserAbortError) Error() string { return "user abort: " + e.Msg }

func IsUserAbort(err error) bool {
	_, ok := errors.Cause(err).(*UserAbortError)
	return ok
}

var (
	// ErrRoundInProgress guards against overlapping rounds on one state.
	ErrRoundInProgress = errors.New("a round is already in progress")
	// ErrNoRound is returned when round calls arrive out of order.
	ErrNoRound = errors.New("no round in progress")
	// ErrLateResult is the assertion for a result arriving after finishRound
	// on a healthy transaction.
	ErrLateResult = errors.New("dependency result arrived outside a round")
	// ErrDeadlock means every task of a batch waits on input that the batch
	// itself would have to produce.
	ErrDeadlock = errors.New("all tasks in batch are blocked waiting on input")
)
