package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fragPut  int32 = 1
	fragGet  int32 = 2
	fragBoom int32 = 3
)

func testCatalog() *Catalog {
	cat := NewCatalog()
	cat.AddTable("data")
	cat.AddFragment(FragmentSpec{ID: fragPut, Func: func(txn Txn, ctx *FragmentContext) (*Table, error) {
		key, err := ctx.Params.Int(0)
		if err != nil {
			return nil, err
		}
		val, err := ctx.Params.Int(1)
		if err != nil {
			return nil, err
		}
		if err := txn.Put("data", key, Row{key, val}); err != nil {
			return nil, err
		}
		return NewTable(Row{1}), nil
	}})
	cat.AddFragment(FragmentSpec{ID: fragGet, ReadOnly: true, Func: func(txn Txn, ctx *FragmentContext) (*Table, error) {
		key, err := ctx.Params.Int(0)
		if err != nil {
			return nil, err
		}
		row, ok, err := txn.Get("data", key)
		if err != nil || !ok {
			return NewTable(), err
		}
		return NewTable(row), nil
	}})
	cat.AddFragment(FragmentSpec{ID: fragBoom, Func: func(Txn, *FragmentContext) (*Table, error) {
		return nil, &SQLError{Msg: "boom"}
	}})
	return cat
}

func put(t *testing.T, e *MockEngine, txnID, undo uint64, key, val int64) {
	t.Helper()
	ps := NewParameterSet(key, val)
	ds, err := e.ExecuteFragments(&FragmentWork{
		FragmentIDs:  []int32{fragPut},
		OutputDepIDs: []int32{1},
		Params:       []*ParameterSet{ps},
		TxnID:        txnID,
		UndoToken:    undo,
	})
	require.NoError(t, err)
	require.Equal(t, 1, ds.Size())
}

func get(t *testing.T, e *MockEngine, key int64) *Table {
	t.Helper()
	ds, err := e.ExecuteFragments(&FragmentWork{
		FragmentIDs:  []int32{fragGet},
		OutputDepIDs: []int32{1},
		Params:       []*ParameterSet{NewParameterSet(key)},
		TxnID:        99,
		UndoToken:    999,
	})
	require.NoError(t, err)
	return ds.Tables[0]
}

func TestMockEngineExecuteAndCommit(t *testing.T) {
	e := NewMockEngine(0)
	require.NoError(t, e.LoadCatalog(testCatalog()))

	put(t, e, 1, 10, 7, 42)
	assert.True(t, e.HasWritesAt(10))

	require.NoError(t, e.ReleaseUndoToken(10))
	assert.False(t, e.HasWritesAt(10))

	res := get(t, e, 7)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, Row{7, 42}, res.Rows[0])
}

func TestMockEngineRollback(t *testing.T) {
	e := NewMockEngine(0)
	require.NoError(t, e.LoadCatalog(testCatalog()))

	put(t, e, 1, 10, 7, 42)
	require.NoError(t, e.ReleaseUndoToken(10))

	// overwrite then roll back: the committed value survives
	put(t, e, 2, 11, 7, 99)
	require.NoError(t, e.UndoUndoToken(11))
	res := get(t, e, 7)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, Row{7, 42}, res.Rows[0])
}

func TestMockEngineRollbackLIFO(t *testing.T) {
	e := NewMockEngine(0)
	require.NoError(t, e.LoadCatalog(testCatalog()))

	put(t, e, 1, 10, 1, 100)
	put(t, e, 2, 11, 2, 200)
	put(t, e, 3, 12, 3, 300)

	// rolling back the middle token takes the newer write with it
	require.NoError(t, e.UndoUndoToken(11))
	assert.Len(t, get(t, e, 2).Rows, 0)
	assert.Len(t, get(t, e, 3).Rows, 0)
	// the older write is untouched and can still be released
	require.NoError(t, e.ReleaseUndoToken(10))
	assert.Equal(t, Row{1, 100}, get(t, e, 1).Rows[0])
}

func TestMockEngineFragmentError(t *testing.T) {
	e := NewMockEngine(0)
	require.NoError(t, e.LoadCatalog(testCatalog()))

	_, err := e.ExecuteFragments(&FragmentWork{
		FragmentIDs:  []int32{fragBoom},
		OutputDepIDs: []int32{1},
		Params:       []*ParameterSet{NewParameterSet()},
		TxnID:        5,
		UndoToken:    13,
	})
	require.Error(t, err)
	_, isSQL := err.(*SQLError)
	assert.True(t, isSQL)

	_, err = e.ExecuteFragments(&FragmentWork{
		FragmentIDs:  []int32{777},
		OutputDepIDs: []int32{1},
		Params:       []*ParameterSet{NewParameterSet()},
		TxnID:        5,
		UndoToken:    14,
	})
	assert.Error(t, err)
}

func TestMockEngineLoadTable(t *testing.T) {
	e := NewMockEngine(0)
	require.NoError(t, e.LoadCatalog(testCatalog()))

	data := NewTable(Row{1, 10}, Row{2, 20})
	require.NoError(t, e.LoadTable("data", data, 7, 0, 5, false))
	assert.Equal(t, Row{2, 20}, get(t, e, 2).Rows[0])

	// bulk load is undoable like any other write
	require.NoError(t, e.UndoUndoToken(5))
	assert.Len(t, get(t, e, 1).Rows, 0)

	assert.Error(t, e.LoadTable("nope", data, 7, 0, 6, false))
}

func TestMockEngineStashedInputs(t *testing.T) {
	e := NewMockEngine(0)
	cat := testCatalog()
	cat.AddFragment(FragmentSpec{ID: 50, Func: func(txn Txn, ctx *FragmentContext) (*Table, error) {
		sum := int64(0)
		for _, tbl := range ctx.Inputs[9] {
			for _, row := range tbl.Rows {
				sum += row[0]
			}
		}
		return NewTable(Row{sum}), nil
	}})
	require.NoError(t, e.LoadCatalog(cat))

	e.StashWorkUnitDependencies(map[int32][]*Table{
		9: {NewTable(Row{3}, Row{4})},
	})
	ds, err := e.ExecuteFragments(&FragmentWork{
		FragmentIDs:  []int32{50},
		InputDepIDs:  []int32{9},
		OutputDepIDs: []int32{1},
		Params:       []*ParameterSet{NewParameterSet()},
		TxnID:        6,
		UndoToken:    20,
	})
	require.NoError(t, err)
	assert.Equal(t, Row{7}, ds.Tables[0].Rows[0])
}

func TestParameterSetCodec(t *testing.T) {
	ps := NewParameterSet(int64(-7), "hello", []byte{1, 2, 3})
	buf, err := ps.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalParameterSet(buf)
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())

	v, err := out.Int(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-7), v)
	s, err := out.String(1)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	assert.Equal(t, []byte{1, 2, 3}, out.Values[2])

	_, err = out.Int(1)
	assert.Error(t, err)
	_, err = out.Int(9)
	assert.Error(t, err)
}

func TestRowCodec(t *testing.T) {
	row := Row{-1, 0, 1 << 40}
	out, err := UnmarshalRow(MarshalRow(row))
	require.NoError(t, err)
	assert.Equal(t, row, out)
}
