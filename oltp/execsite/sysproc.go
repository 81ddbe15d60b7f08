package execsite

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
)

// SystemContext grants a system procedure access to executor internals that
// regular fragments never see.
type SystemContext struct {
	SiteID      int
	PartitionID int
	Engine      engine.Engine
	// LastCommittedTxnID reads the partition's high-water commit mark.
	LastCommittedTxnID func() uint64
}

// SystemProcedure handles plan fragments that are dispatched to registered
// native code instead of the query engine.
type SystemProcedure interface {
	ExecutePlanFragment(txnID uint64, deps map[int32][]*engine.Table,
		fragmentID int32, params *engine.ParameterSet,
		ctx *SystemContext) (*engine.DependencySet, error)
}

// RegisterPlanFragment binds a sysproc handler to a fragment id. Must be
// called before Run; a second registration for the same id is dropped.
func (pe *PartitionExecutor) RegisterPlanFragment(fragmentID int32, proc SystemProcedure) {
	if _, ok := pe.sysprocs[fragmentID]; ok {
		log.Warn("sysproc plan fragment already registered",
			zap.Int32("fragment", fragmentID), zap.Int("partition", pe.partitionID))
		return
	}
	pe.sysprocs[fragmentID] = proc
}

func (pe *PartitionExecutor) systemContext() *SystemContext {
	return &SystemContext{
		SiteID:             pe.siteID,
		PartitionID:        pe.partitionID,
		Engine:             pe.eng,
		LastCommittedTxnID: pe.lastCommitted.Load,
	}
}
