package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "segstore_lock_wait_seconds",
		Help:    "Time spent waiting to acquire segment locks",
		Buckets: prometheus.DefBuckets,
	})

	LockConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segstore_lock_conflicts_total",
		Help: "Lock requests refused because another holder was present",
	})

	RecordsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segstore_records_appended_total",
		Help: "Records committed to segments",
	})

	BytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segstore_bytes_appended_total",
		Help: "Bytes committed to segments, padding included",
	})

	AppendRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segstore_append_rollbacks_total",
		Help: "Append transactions rolled back",
	})

	Repacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segstore_repacks_total",
		Help: "Segment repacks by container type",
	}, []string{"container"})

	Conversions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segstore_conversions_total",
		Help: "Segment container conversions by target type",
	}, []string{"target"})

	FsckResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segstore_fsck_results_total",
		Help: "Segment check outcomes by state flag",
	}, []string{"state"})

	FreedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segstore_freed_bytes_total",
		Help: "Bytes released by repacks and removals",
	})

	PooledReaders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segstore_pooled_readers",
		Help: "Segment readers currently tracked by the session pool",
	})
)
