package message

import "github.com/oltp-incubator/tinyoltp/oltp/engine"

// FragmentStatus is the outcome of one fragment batch on one partition.
type FragmentStatus byte

const (
	FragmentNull FragmentStatus = iota
	FragmentSuccess
	FragmentUnexpectedError
	FragmentUserError
)

func (s FragmentStatus) String() string {
	switch s {
	case FragmentSuccess:
		return "SUCCESS"
	case FragmentUnexpectedError:
		return "UNEXPECTED_ERROR"
	case FragmentUserError:
		return "USER_ERROR"
	default:
		return "NULL"
	}
}

// FragmentResponse reports a fragment batch's outcome. Only dependency ids
// ride along; the rows go out of band as a DependencySetMsg.
type FragmentResponse struct {
	TxnID           uint64
	SourcePartition int
	Status          FragmentStatus
	DepIDs          []int32
	Err             error
}

// ClientStatus is the final outcome of a transaction as seen by the client.
type ClientStatus byte

const (
	ClientSuccess ClientStatus = iota
	ClientUserAbort
	ClientMisprediction
	ClientUnexpectedError
)

func (s ClientStatus) String() string {
	switch s {
	case ClientSuccess:
		return "SUCCESS"
	case ClientUserAbort:
		return "USER_ABORT"
	case ClientMisprediction:
		return "MISPREDICTION"
	default:
		return "UNEXPECTED_ERROR"
	}
}

type ClientResponse struct {
	TxnID         uint64
	ClientHandle  uint64
	Status        ClientStatus
	Results       []*engine.Table
	StatusMessage string
}
