package message

import (
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

type MsgType int64

const (
	// just a placeholder
	MsgTypeNull MsgType = 0
	// start a stored procedure on its base partition
	MsgTypeInitiate MsgType = 1
	// execute plan fragments on behalf of some transaction
	MsgTypeFragment MsgType = 2
	// first phase of the commit protocol, asks for a ready-to-commit ack
	MsgTypePrepare MsgType = 3
	// second phase, commit or abort
	MsgTypeFinish MsgType = 4
	// bulk-load rows into a table under a transaction's undo token
	MsgTypeLoadTable MsgType = 5
	// internal: a procedure goroutine finished and the next queued
	// transaction may start
	MsgTypeTxnDone MsgType = 6
	// poison entry that drains the executor loop
	MsgTypeStop MsgType = 100
)

type Msg struct {
	Type  MsgType
	TxnID uint64
	Data  interface{}
}

func NewMsg(tp MsgType, data interface{}) Msg {
	return Msg{Type: tp, Data: data}
}

func NewTxnMsg(tp MsgType, txnID uint64, data interface{}) Msg {
	return Msg{Type: tp, TxnID: txnID, Data: data}
}

// MsgInitiate starts a transaction's procedure on its base partition.
type MsgInitiate struct {
	TxnID           uint64
	ClientHandle    uint64
	BasePartition   int
	SourcePartition int
	ProcName        string
	Params          *engine.ParameterSet

	// predicted touch set; SinglePartition when it equals {BasePartition}
	Partitions util.PartitionSet
	ReadOnly   bool
	Abortable  bool

	// Respond delivers the client response for this transaction.
	Respond func(*ClientResponse)
}

// MsgFragment asks a partition to run plan fragments for a transaction whose
// procedure may be executing elsewhere.
type MsgFragment struct {
	TxnID           uint64
	CoordTxnID      uint64
	SourcePartition int
	DestPartition   int
	FragmentIDs     []int32
	ParamBlobs      [][]byte
	InputDepIDs     []int32
	OutputDepIDs    []int32
	ViaCoordinator  bool
	SysProc         bool

	// rows already held by the sender that this fragment needs as input
	Attached map[int32][]*engine.Table

	// Respond carries the fragment response back to the sender. Rows travel
	// separately as a DependencySetMsg.
	Respond func(*FragmentResponse)
}

// MsgPrepare asks a participant whether the transaction may commit.
type MsgPrepare struct {
	TxnID           uint64
	SourcePartition int
	Respond         func(partition int, ready bool)
}

// MsgFinish tells a participant to commit or abort.
type MsgFinish struct {
	TxnID  uint64
	Commit bool
	Ack    func(partition int)
}

// MsgLoadTable bulk-loads rows on the partition thread on behalf of a
// procedure body.
type MsgLoadTable struct {
	TxnID       uint64
	Table       string
	Data        *engine.Table
	AllowStream bool
	Done        func(error)
}

// MsgTxnDone signals that a transaction's procedure completed and released
// the partition.
type MsgTxnDone struct {
	TxnID uint64
}

// DependencySetMsg ships dependency rows from a producing partition back to
// the transaction's base partition.
type DependencySetMsg struct {
	TxnID        uint64
	SrcPartition int
	DstPartition int
	DepIDs       []int32
	Tables       []*engine.Table
}

// PartitionFragment is one partition's slice of a coordinator request; Work
// is an encoded MsgFragment.
type PartitionFragment struct {
	PartitionID int
	Work        []byte
}

// CoordinatorRequest packs every fragment task of one batch into a single
// cross-partition request, keyed by the coordinator's transaction id.
type CoordinatorRequest struct {
	CoordTxnID   uint64
	Fragments    []PartitionFragment
	LastFragment bool
}
