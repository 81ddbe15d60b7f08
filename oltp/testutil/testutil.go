// Package testutil carries the shared fixtures the executor and cluster
// tests run against: a small catalog, a set of test procedures, and an
// engine wrapper that records every call for invariant checks.
package testutil

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"

	"github.com/oltp-incubator/tinyoltp/oltp/config"
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
)

const (
	FragEcho    int32 = 1
	FragPartVal int32 = 2
	FragWrite   int32 = 3
	FragBoom    int32 = 4
	FragRead    int32 = 5
)

// Catalog builds the schema the test procedures run against.
func Catalog() *engine.Catalog {
	cat := engine.NewCatalog()
	cat.AddTable("data")
	cat.AddFragment(engine.FragmentSpec{ID: FragEcho, ReadOnly: true,
		Func: func(_ engine.Txn, _ *engine.FragmentContext) (*engine.Table, error) {
			return engine.NewTable(engine.Row{42}), nil
		}})
	cat.AddFragment(engine.FragmentSpec{ID: FragPartVal, ReadOnly: true,
		Func: func(_ engine.Txn, ctx *engine.FragmentContext) (*engine.Table, error) {
			return engine.NewTable(engine.Row{int64(3 + ctx.PartitionID)}), nil
		}})
	cat.AddFragment(engine.FragmentSpec{ID: FragWrite,
		Func: func(txn engine.Txn, ctx *engine.FragmentContext) (*engine.Table, error) {
			key, err := ctx.Params.Int(0)
			if err != nil {
				return nil, err
			}
			val, err := ctx.Params.Int(1)
			if err != nil {
				return nil, err
			}
			if err := txn.Put("data", key, engine.Row{key, val}); err != nil {
				return nil, err
			}
			return engine.NewTable(engine.Row{1}), nil
		}})
	cat.AddFragment(engine.FragmentSpec{ID: FragBoom,
		Func: func(_ engine.Txn, _ *engine.FragmentContext) (*engine.Table, error) {
			return nil, errors.New("engine blew up")
		}})
	cat.AddFragment(engine.FragmentSpec{ID: FragRead, ReadOnly: true,
		Func: func(txn engine.Txn, ctx *engine.FragmentContext) (*engine.Table, error) {
			key, err := ctx.Params.Int(0)
			if err != nil {
				return nil, err
			}
			row, ok, err := txn.Get("data", key)
			if err != nil || !ok {
				return engine.NewTable(), err
			}
			return engine.NewTable(row), nil
		}})
	return cat
}

// TestConfig is a default config tuned for fast test turnaround.
func TestConfig(siteID int, partitions []int, numPartitions int) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Site.SiteID = siteID
	cfg.Site.Partitions = partitions
	cfg.Site.NumPartitions = numPartitions
	cfg.Executor.PollTimeout = 2 * time.Millisecond
	cfg.Executor.GCInterval = time.Millisecond
	cfg.Pools.Profiling = true
	return cfg
}

// echoProc runs one local fragment that returns {42}.
type echoProc struct{}

func (echoProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	task, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		FragEcho, 1, engine.NewParameterSet())
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{task})
}

// sumAcrossProc fans one fragment to each of partitions 0 and 1.
type sumAcrossProc struct{}

func (sumAcrossProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	local, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), 0,
		FragPartVal, 10, engine.NewParameterSet())
	if err != nil {
		return nil, err
	}
	remote, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), 1,
		FragPartVal, 11, engine.NewParameterSet())
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{local, remote})
}

// writeThenEscapeProc writes locally, then tries partition 1. Submitted with
// a single-partition prediction it must mispredict before anything ships.
type writeThenEscapeProc struct{}

func (writeThenEscapeProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	write, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		FragWrite, 1, engine.NewParameterSet(int64(1), int64(111)))
	if err != nil {
		return nil, err
	}
	if _, err := ctx.ExecuteBatch([]*message.MsgFragment{write}); err != nil {
		return nil, err
	}
	escape, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), 1,
		FragPartVal, 2, engine.NewParameterSet())
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{escape})
}

// failRemoteProc writes on partition 0 while partition 1 blows up.
type failRemoteProc struct{}

func (failRemoteProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	write, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), 0,
		FragWrite, 40, engine.NewParameterSet(int64(2), int64(222)))
	if err != nil {
		return nil, err
	}
	boom, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), 1,
		FragBoom, 41, engine.NewParameterSet())
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{write, boom})
}

// userAbortProc writes and then changes its mind.
type userAbortProc struct{}

func (userAbortProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	write, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		FragWrite, 1, engine.NewParameterSet(int64(3), int64(333)))
	if err != nil {
		return nil, err
	}
	if _, err := ctx.ExecuteBatch([]*message.MsgFragment{write}); err != nil {
		return nil, err
	}
	return nil, procs.Abort("changed my mind")
}

// loadAndReadProc bulk-loads two rows and reads one back.
type loadAndReadProc struct{}

func (loadAndReadProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	err := ctx.LoadTable("data", engine.NewTable(engine.Row{50, 500}, engine.Row{51, 510}), false)
	if err != nil {
		return nil, err
	}
	read, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		FragRead, 1, engine.NewParameterSet(int64(51)))
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{read})
}

// readKeyProc reads one key from the data table on the base partition.
type readKeyProc struct{}

func (readKeyProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	key, err := ctx.Params().Int(0)
	if err != nil {
		return nil, err
	}
	read, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		FragRead, 1, engine.NewParameterSet(key))
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{read})
}

// Register adds every test procedure to reg.
func Register(reg *procs.Registry) {
	reg.Register("Echo", func() procs.Procedure { return echoProc{} })
	reg.Register("SumAcross", func() procs.Procedure { return sumAcrossProc{} })
	reg.Register("WriteThenEscape", func() procs.Procedure { return writeThenEscapeProc{} })
	reg.Register("FailRemote", func() procs.Procedure { return failRemoteProc{} })
	reg.Register("UserAbort", func() procs.Procedure { return userAbortProc{} })
	reg.Register("LoadAndRead", func() procs.Procedure { return loadAndReadProc{} })
	reg.Register("ReadKey", func() procs.Procedure { return readKeyProc{} })
}

// EngineCall is one recorded engine invocation.
type EngineCall struct {
	Method    string
	Token     uint64
	Goroutine uint64
}

// RecordingEngine wraps an engine and records which goroutine issued each
// call, so tests can check the single-writer invariant and the undo-token
// ordering.
type RecordingEngine struct {
	engine.Engine

	mu    sync.Mutex
	calls []EngineCall
}

func NewRecordingEngine(inner engine.Engine) *RecordingEngine {
	return &RecordingEngine{Engine: inner}
}

func (r *RecordingEngine) record(method string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, EngineCall{Method: method, Token: token, Goroutine: goid()})
}

func (r *RecordingEngine) ExecuteFragments(work *engine.FragmentWork) (*engine.DependencySet, error) {
	r.record("ExecuteFragments", work.UndoToken)
	return r.Engine.ExecuteFragments(work)
}

func (r *RecordingEngine) ReleaseUndoToken(token uint64) error {
	r.record("ReleaseUndoToken", token)
	return r.Engine.ReleaseUndoToken(token)
}

func (r *RecordingEngine) UndoUndoToken(token uint64) error {
	r.record("UndoUndoToken", token)
	return r.Engine.UndoUndoToken(token)
}

func (r *RecordingEngine) LoadTable(table string, data *engine.Table, txnID, lastCommitted, undoToken uint64, allowStream bool) error {
	r.record("LoadTable", undoToken)
	return r.Engine.LoadTable(table, data, txnID, lastCommitted, undoToken, allowStream)
}

func (r *RecordingEngine) Tick(now time.Time, lastCommitted uint64) {
	r.record("Tick", 0)
	r.Engine.Tick(now, lastCommitted)
}

// Calls returns a snapshot of everything recorded so far.
func (r *RecordingEngine) Calls() []EngineCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EngineCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo filters the recorded calls by method name.
func (r *RecordingEngine) CallsTo(method string) []EngineCall {
	var out []EngineCall
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func goid() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	// "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
