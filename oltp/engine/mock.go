package engine

import (
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
)

type tableItem struct {
	key int64
	row Row
}

func (a tableItem) Less(b btree.Item) bool {
	return a.key < b.(tableItem).key
}

// MockEngine keeps all table data in process memory. It is the default
// backend for tests and implements the full undo-token contract.
type MockEngine struct {
	partitionID int
	cat         *Catalog
	tables      map[string]*btree.BTree
	undo        undoLog
	stashed     map[int32][]*Table

	lastTickTime      time.Time
	lastTickCommitted uint64
}

func NewMockEngine(partitionID int) *MockEngine {
	return &MockEngine{
		partitionID: partitionID,
		tables:      make(map[string]*btree.BTree),
	}
}

func (e *MockEngine) LoadCatalog(cat *Catalog) error {
	e.cat = cat
	for _, spec := range cat.Tables {
		if _, ok := e.tables[spec.Name]; !ok {
			e.tables[spec.Name] = btree.New(32)
		}
	}
	return nil
}

func (e *MockEngine) Tick(now time.Time, lastCommittedTxnID uint64) {
	e.lastTickTime = now
	e.lastTickCommitted = lastCommittedTxnID
}

func (e *MockEngine) StashWorkUnitDependencies(deps map[int32][]*Table) {
	e.stashed = deps
}

// mockTxn is the fragment view over a MockEngine, recording pre-images under
// one undo token.
type mockTxn struct {
	eng   *MockEngine
	token uint64
}

func (t *mockTxn) tree(table string) (*btree.BTree, error) {
	tree, ok := t.eng.tables[table]
	if !ok {
		return nil, errors.Annotatef(ErrNoSuchTable, "table %q", table)
	}
	return tree, nil
}

func (t *mockTxn) Get(table string, key int64) (Row, bool, error) {
	tree, err := t.tree(table)
	if err != nil {
		return nil, false, err
	}
	item := tree.Get(tableItem{key: key})
	if item == nil {
		return nil, false, nil
	}
	return item.(tableItem).row.Copy(), true, nil
}

func (t *mockTxn) Put(table string, key int64, row Row) error {
	tree, err := t.tree(table)
	if err != nil {
		return err
	}
	rec := undoRecord{token: t.token, table: table, key: key}
	if old := tree.Get(tableItem{key: key}); old != nil {
		rec.oldRow = old.(tableItem).row
		rec.existed = true
	}
	t.eng.undo.append(rec)
	tree.ReplaceOrInsert(tableItem{key: key, row: row.Copy()})
	return nil
}

func (t *mockTxn) Delete(table string, key int64) error {
	tree, err := t.tree(table)
	if err != nil {
		return err
	}
	old := tree.Delete(tableItem{key: key})
	if old != nil {
		t.eng.undo.append(undoRecord{
			token: t.token, table: table, key: key,
			oldRow: old.(tableItem).row, existed: true,
		})
	}
	return nil
}

func (t *mockTxn) Scan(table string, fn func(key int64, row Row) bool) error {
	tree, err := t.tree(table)
	if err != nil {
		return err
	}
	tree.Ascend(func(i btree.Item) bool {
		item := i.(tableItem)
		return fn(item.key, item.row.Copy())
	})
	return nil
}

func (e *MockEngine) ExecuteFragments(work *FragmentWork) (*DependencySet, error) {
	if e.cat == nil {
		return nil, errors.WithStack(ErrNoCatalog)
	}
	if len(work.FragmentIDs) != len(work.Params) || len(work.FragmentIDs) != len(work.OutputDepIDs) {
		return nil, &SQLError{Msg: "fragment batch shape mismatch"}
	}
	inputs := e.takeStashed()
	txn := &mockTxn{eng: e, token: work.UndoToken}
	result := &DependencySet{}
	for i, fragID := range work.FragmentIDs {
		spec, ok := e.cat.Fragments[fragID]
		if !ok {
			return nil, errors.Annotatef(ErrNoSuchFragment, "fragment %d", fragID)
		}
		ctx := &FragmentContext{
			TxnID:         work.TxnID,
			FragmentID:    fragID,
			PartitionID:   e.partitionID,
			Params:        work.Params[i],
			Inputs:        inputs,
			LastCommitted: work.LastCommitted,
		}
		table, err := spec.Func(txn, ctx)
		if err != nil {
			if _, ok := err.(*SQLError); ok {
				return nil, err
			}
			return nil, &EEError{TxnID: work.TxnID, FragmentID: fragID, Cause: err}
		}
		if table == nil {
			table = NewTable()
		}
		result.Add(work.OutputDepIDs[i], table)
	}
	return result, nil
}

func (e *MockEngine) takeStashed() map[int32][]*Table {
	deps := e.stashed
	e.stashed = nil
	if deps == nil {
		deps = make(map[int32][]*Table)
	}
	return deps
}

func (e *MockEngine) ReleaseUndoToken(token uint64) error {
	e.undo.release(token)
	return nil
}

func (e *MockEngine) UndoUndoToken(token uint64) error {
	return e.undo.undo(token, func(rec undoRecord) error {
		tree, ok := e.tables[rec.table]
		if !ok {
			return errors.Annotatef(ErrNoSuchTable, "undo of table %q", rec.table)
		}
		if rec.existed {
			tree.ReplaceOrInsert(tableItem{key: rec.key, row: rec.oldRow})
		} else {
			tree.Delete(tableItem{key: rec.key})
		}
		return nil
	})
}

func (e *MockEngine) LoadTable(table string, data *Table, txnID, lastCommittedTxnID, undoToken uint64, allowStream bool) error {
	txn := &mockTxn{eng: e, token: undoToken}
	for _, row := range data.Rows {
		if len(row) == 0 {
			return &SQLError{Msg: "load of zero-column row"}
		}
		if err := txn.Put(table, row[0], row); err != nil {
			return err
		}
	}
	return nil
}

// HasWritesAt reports whether uncommitted work at or above token remains in
// the undo log. Exposed for executor assertions and tests.
func (e *MockEngine) HasWritesAt(token uint64) bool {
	return e.undo.hasWrites(token)
}

func (e *MockEngine) Close() error { return nil }
