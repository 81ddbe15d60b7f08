package engine

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/config"
)

// CreateDB opens a badger DB for one partition under conf.DBPath.
func CreateDB(subPath string, conf *config.Engine) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.SyncWrites = conf.SyncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}

// BadgerEngine stores table rows in a badger DB, one DB per partition.
// The undo log stays in memory: rollback rewrites pre-images, commit just
// drops them.
type BadgerEngine struct {
	partitionID int
	db          *badger.DB
	cat         *Catalog
	tableNames  map[string]struct{}
	undo        undoLog
	stashed     map[int32][]*Table

	lastTickTime time.Time
}

func NewBadgerEngine(partitionID int, db *badger.DB) *BadgerEngine {
	return &BadgerEngine{
		partitionID: partitionID,
		db:          db,
		tableNames:  make(map[string]struct{}),
	}
}

func (e *BadgerEngine) LoadCatalog(cat *Catalog) error {
	e.cat = cat
	for _, spec := range cat.Tables {
		e.tableNames[spec.Name] = struct{}{}
	}
	return nil
}

func (e *BadgerEngine) Tick(now time.Time, lastCommittedTxnID uint64) {
	e.lastTickTime = now
}

func (e *BadgerEngine) StashWorkUnitDependencies(deps map[int32][]*Table) {
	e.stashed = deps
}

func rowKey(table string, key int64) []byte {
	buf := make([]byte, 0, len(table)+9)
	buf = append(buf, table...)
	buf = append(buf, 0)
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(key))
	return append(buf, k[:]...)
}

// badgerTxn is the fragment view over one badger transaction.
type badgerTxn struct {
	eng   *BadgerEngine
	txn   *badger.Txn
	token uint64
}

func (t *badgerTxn) check(table string) error {
	if _, ok := t.eng.tableNames[table]; !ok {
		return errors.Annotatef(ErrNoSuchTable, "table %q", table)
	}
	return nil
}

func (t *badgerTxn) Get(table string, key int64) (Row, bool, error) {
	if err := t.check(table); err != nil {
		return nil, false, err
	}
	item, err := t.txn.Get(rowKey(table, key))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	val, err := item.Value()
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	row, err := UnmarshalRow(val)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (t *badgerTxn) Put(table string, key int64, row Row) error {
	if err := t.check(table); err != nil {
		return err
	}
	old, existed, err := t.Get(table, key)
	if err != nil {
		return err
	}
	t.eng.undo.append(undoRecord{
		token: t.token, table: table, key: key,
		oldRow: old, existed: existed,
	})
	return errors.WithStack(t.txn.Set(rowKey(table, key), MarshalRow(row)))
}

func (t *badgerTxn) Delete(table string, key int64) error {
	if err := t.check(table); err != nil {
		return err
	}
	old, existed, err := t.Get(table, key)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	t.eng.undo.append(undoRecord{
		token: t.token, table: table, key: key,
		oldRow: old, existed: true,
	})
	return errors.WithStack(t.txn.Delete(rowKey(table, key)))
}

func (t *badgerTxn) Scan(table string, fn func(key int64, row Row) bool) error {
	if err := t.check(table); err != nil {
		return err
	}
	prefix := append([]byte(table), 0)
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		k := item.Key()
		if len(k) != len(prefix)+8 || string(k[:len(prefix)]) != string(prefix) {
			break
		}
		val, err := item.Value()
		if err != nil {
			return errors.WithStack(err)
		}
		row, err := UnmarshalRow(val)
		if err != nil {
			return err
		}
		if !fn(int64(binary.BigEndian.Uint64(k[len(prefix):])), row) {
			break
		}
	}
	return nil
}

func (e *BadgerEngine) ExecuteFragments(work *FragmentWork) (*DependencySet, error) {
	if e.cat == nil {
		return nil, errors.WithStack(ErrNoCatalog)
	}
	if len(work.FragmentIDs) != len(work.Params) || len(work.FragmentIDs) != len(work.OutputDepIDs) {
		return nil, &SQLError{Msg: "fragment batch shape mismatch"}
	}
	inputs := e.stashed
	e.stashed = nil
	if inputs == nil {
		inputs = make(map[int32][]*Table)
	}
	undoMark := len(e.undo.records)
	result := &DependencySet{}
	err := e.db.Update(func(txn *badger.Txn) error {
		view := &badgerTxn{eng: e, txn: txn, token: work.UndoToken}
		for i, fragID := range work.FragmentIDs {
			spec, ok := e.cat.Fragments[fragID]
			if !ok {
				return errors.Annotatef(ErrNoSuchFragment, "fragment %d", fragID)
			}
			ctx := &FragmentContext{
				TxnID:         work.TxnID,
				FragmentID:    fragID,
				PartitionID:   e.partitionID,
				Params:        work.Params[i],
				Inputs:        inputs,
				LastCommitted: work.LastCommitted,
			}
			table, err := spec.Func(view, ctx)
			if err != nil {
				if _, ok := err.(*SQLError); ok {
					return err
				}
				return &EEError{TxnID: work.TxnID, FragmentID: fragID, Cause: err}
			}
			if table == nil {
				table = NewTable()
			}
			result.Add(work.OutputDepIDs[i], table)
		}
		return nil
	})
	if err != nil {
		// the badger txn was discarded, so drop the undo records it made
		e.undo.records = e.undo.records[:undoMark]
		return nil, err
	}
	return result, nil
}

func (e *BadgerEngine) ReleaseUndoToken(token uint64) error {
	e.undo.release(token)
	return nil
}

func (e *BadgerEngine) UndoUndoToken(token uint64) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return e.undo.undo(token, func(rec undoRecord) error {
			if rec.existed {
				return errors.WithStack(txn.Set(rowKey(rec.table, rec.key), MarshalRow(rec.oldRow)))
			}
			return errors.WithStack(txn.Delete(rowKey(rec.table, rec.key)))
		})
	})
}

func (e *BadgerEngine) LoadTable(table string, data *Table, txnID, lastCommittedTxnID, undoToken uint64, allowStream bool) error {
	return e.db.Update(func(txn *badger.Txn) error {
		view := &badgerTxn{eng: e, txn: txn, token: undoToken}
		for _, row := range data.Rows {
			if len(row) == 0 {
				return &SQLError{Msg: "load of zero-column row"}
			}
			if err := view.Put(table, row[0], row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *BadgerEngine) Close() error {
	if err := e.db.Close(); err != nil {
		log.Error("closing badger engine", zap.Int("partition", e.partitionID), zap.Error(err))
		return errors.WithStack(err)
	}
	return nil
}
