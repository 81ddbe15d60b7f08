package txns

import (
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/util"
)

// DependencyInfo tracks one output dependency of the current round: which
// partitions must produce it, the rows received so far, and which
// partitions still owe rows or an acknowledgement. Rows and acks travel on
// separate paths (the ack rides the fragment response, the rows ride a
// dependency-set message), so a partition's obligation is met only when
// both have landed; otherwise a fast ack could release the round before
// its rows exist.
//
// Instances are pooled and only live between initRound and finishRound.
// All mutation happens under the owning transaction's mutex.
type DependencyInfo struct {
	depID            int32
	txnID            uint64
	round            int
	producers        util.PartitionSet
	pendingResults   util.PartitionSet
	pendingResponses util.PartitionSet
	tables           []*engine.Table
}

func NewDependencyInfo() *DependencyInfo {
	return &DependencyInfo{}
}

func (d *DependencyInfo) init(txnID uint64, round int, depID int32, producers util.PartitionSet) {
	d.depID = depID
	d.txnID = txnID
	d.round = round
	d.producers = producers.Copy()
	d.pendingResults = producers.Copy()
	d.pendingResponses = producers.Copy()
	d.tables = d.tables[:0]
}

func (d *DependencyInfo) DepID() int32 { return d.depID }

func (d *DependencyInfo) addProducer(partition int) {
	d.producers = d.producers.Add(partition)
	d.pendingResults = d.pendingResults.Add(partition)
	d.pendingResponses = d.pendingResponses.Add(partition)
}

// addResult buffers rows from partition and reports whether this completed
// the dependency.
func (d *DependencyInfo) addResult(partition int, table *engine.Table) bool {
	if !d.pendingResults.Contains(partition) {
		// duplicate delivery
		return false
	}
	if table != nil {
		d.tables = append(d.tables, table)
	}
	d.pendingResults = d.pendingResults.Remove(partition)
	return d.isSatisfied()
}

// addResponse records partition's acknowledgement.
func (d *DependencyInfo) addResponse(partition int) bool {
	if !d.pendingResponses.Contains(partition) {
		return false
	}
	d.pendingResponses = d.pendingResponses.Remove(partition)
	return d.isSatisfied()
}

func (d *DependencyInfo) isSatisfied() bool {
	return d.pendingResults.IsEmpty() && d.pendingResponses.IsEmpty()
}

// result merges everything received into one table, in arrival order.
func (d *DependencyInfo) result() *engine.Table {
	merged := &engine.Table{}
	for _, t := range d.tables {
		merged.Rows = append(merged.Rows, t.Rows...)
	}
	return merged
}

func (d *DependencyInfo) reset() {
	d.depID = 0
	d.txnID = 0
	d.round = 0
	d.producers = nil
	d.pendingResults = nil
	d.pendingResponses = nil
	d.tables = nil
}

// IsIdle satisfies pool.Poolable.
func (d *DependencyInfo) IsIdle() bool {
	return d.txnID == 0 && d.producers == nil
}
