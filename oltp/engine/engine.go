package engine

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"
)

// A Row is one flat tuple. The first column is the row's key within its
// table.
type Row []int64

// Copy returns a row sharing no storage with r.
func (r Row) Copy() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// A Table is an ordered bag of rows, the unit in which fragment results and
// dependencies travel.
type Table struct {
	Rows []Row
}

func NewTable(rows ...Row) *Table {
	return &Table{Rows: rows}
}

func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// DependencySet maps output dependency ids to the tables a fragment batch
// produced for them. Order matches the batch's output dependency order.
type DependencySet struct {
	DepIDs []int32
	Tables []*Table
}

func (ds *DependencySet) Add(depID int32, table *Table) {
	ds.DepIDs = append(ds.DepIDs, depID)
	ds.Tables = append(ds.Tables, table)
}

func (ds *DependencySet) Size() int {
	if ds == nil {
		return 0
	}
	return len(ds.DepIDs)
}

// Txn is the view of table data a fragment executes against. Writes issued
// through it are recorded in the engine's undo log under the fragment's undo
// token.
type Txn interface {
	Get(table string, key int64) (Row, bool, error)
	Put(table string, key int64, row Row) error
	Delete(table string, key int64) error
	// Scan visits rows in key order until fn returns false.
	Scan(table string, fn func(key int64, row Row) bool) error
}

// FragmentContext carries everything a compiled fragment needs besides table
// data.
type FragmentContext struct {
	TxnID         uint64
	FragmentID    int32
	PartitionID   int
	Params        *ParameterSet
	Inputs        map[int32][]*Table
	LastCommitted uint64
}

// FragmentFunc is the compiled body of one plan fragment.
type FragmentFunc func(txn Txn, ctx *FragmentContext) (*Table, error)

type TableSpec struct {
	Name string
}

type FragmentSpec struct {
	ID       int32
	ReadOnly bool
	Func     FragmentFunc
}

// Catalog is the pre-compiled schema: the tables a partition stores and the
// plan fragments it knows how to execute.
type Catalog struct {
	Tables    []TableSpec
	Fragments map[int32]FragmentSpec
}

func NewCatalog() *Catalog {
	return &Catalog{Fragments: make(map[int32]FragmentSpec)}
}

func (c *Catalog) AddTable(name string) *Catalog {
	c.Tables = append(c.Tables, TableSpec{Name: name})
	return c
}

func (c *Catalog) AddFragment(spec FragmentSpec) *Catalog {
	c.Fragments[spec.ID] = spec
	return c
}

// FragmentWork is one batch of fragments bound for the engine.
type FragmentWork struct {
	FragmentIDs   []int32
	InputDepIDs   []int32
	OutputDepIDs  []int32
	Params        []*ParameterSet
	TxnID         uint64
	LastCommitted uint64
	UndoToken     uint64
}

// Engine is the storage engine a partition executor owns. Implementations
// are single-writer: only the owning partition goroutine may call into one.
type Engine interface {
	LoadCatalog(cat *Catalog) error
	Tick(now time.Time, lastCommittedTxnID uint64)
	// StashWorkUnitDependencies hands input dependency tables to the engine
	// ahead of the ExecuteFragments call that consumes them.
	StashWorkUnitDependencies(deps map[int32][]*Table)
	ExecuteFragments(work *FragmentWork) (*DependencySet, error)
	ReleaseUndoToken(token uint64) error
	UndoUndoToken(token uint64) error
	LoadTable(table string, data *Table, txnID, lastCommittedTxnID, undoToken uint64, allowStream bool) error
	Close() error
}

// EEError wraps a failure raised by the engine while executing a fragment.
type EEError struct {
	TxnID      uint64
	FragmentID int32
	Cause      error
}

func (e *EEError) Error() string {
	return fmt.Sprintf("ee error in fragment %d of txn %d: %v", e.FragmentID, e.TxnID, e.Cause)
}

// SQLError is a statement-level failure (bad plan input, constraint
// violation) as opposed to an engine fault.
type SQLError struct {
	Msg string
}

func (e *SQLError) Error() string { return "sql error: " + e.Msg }

var (
	ErrNoSuchTable    = errors.New("no such table")
	ErrNoSuchFragment = errors.New("no such fragment")
	ErrNoCatalog      = errors.New("catalog not loaded")
)
