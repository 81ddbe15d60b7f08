package execsite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
	"github.com/oltp-incubator/tinyoltp/oltp/testutil"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

const fragStatus int32 = 900

// statusSysProc reports the partition's committed high-water mark.
type statusSysProc struct{}

func (statusSysProc) ExecutePlanFragment(txnID uint64, deps map[int32][]*engine.Table,
	fragmentID int32, params *engine.ParameterSet, ctx *SystemContext) (*engine.DependencySet, error) {
	ds := &engine.DependencySet{}
	ds.Add(1, engine.NewTable(engine.Row{
		int64(ctx.PartitionID),
		int64(ctx.LastCommittedTxnID()),
	}))
	return ds, nil
}

// statusProc dispatches the registered status fragment as a sysproc task.
type statusProc struct{}

func (statusProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	task, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		fragStatus, 1, engine.NewParameterSet())
	if err != nil {
		return nil, err
	}
	task.SysProc = true
	return ctx.ExecuteBatch([]*message.MsgFragment{task})
}

func TestSysProcFragmentDispatch(t *testing.T) {
	cfg := testutil.TestConfig(0, []int{0}, 1)
	reg := procs.NewRegistry()
	testutil.Register(reg)
	reg.RegisterSysProc("Status", func() procs.Procedure { return statusProc{} })

	site, err := NewSite(cfg, reg, testutil.Catalog())
	require.NoError(t, err)
	for _, pe := range site.Executors() {
		pe.RegisterPlanFragment(fragStatus, statusSysProc{})
	}
	site.Start()
	t.Cleanup(site.Shutdown)

	// seed the commit mark with a regular transaction first
	resp := submit(t, site, 100, 0, "Echo", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, resp.Status)

	resp = submit(t, site, 200, 0, "Status", engine.NewParameterSet(), util.NewPartitionSet(0))
	require.Equal(t, message.ClientSuccess, resp.Status)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Rows, 1)
	assert.Equal(t, engine.Row{0, 100}, resp.Results[0].Rows[0])
}
