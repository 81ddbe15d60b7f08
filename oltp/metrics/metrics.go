package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ExecutorErrors counts errors swallowed by a partition executor loop.
	ExecutorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyoltp",
			Subsystem: "executor",
			Name:      "errors_total",
			Help:      "Errors handled by the partition executor loop.",
		}, []string{"partition"})

	// TxnsFinished counts transactions by final outcome.
	TxnsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyoltp",
			Subsystem: "executor",
			Name:      "txns_finished_total",
			Help:      "Transactions finished, labeled by outcome.",
		}, []string{"partition", "outcome"})

	// WorkQueueDepth samples the executor work queue length.
	WorkQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinyoltp",
			Subsystem: "executor",
			Name:      "work_queue_depth",
			Help:      "Entries waiting in the partition work queue.",
		}, []string{"partition"})

	// PoolIdle samples the idle list length of each object pool.
	PoolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinyoltp",
			Subsystem: "pool",
			Name:      "idle_objects",
			Help:      "Objects sitting idle in each object pool.",
		}, []string{"pool"})
)

func init() {
	prometheus.MustRegister(ExecutorErrors, TxnsFinished, WorkQueueDepth, PoolIdle)
}
