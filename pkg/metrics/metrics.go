package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Flush Metrics
	FlushCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mss_flush_cycles_total",
		Help: "Flush cycles by result (ok, failed, skipped)",
	}, []string{"result"})
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mss_flush_duration_seconds",
		Help:    "Duration of flush cycles",
		Buckets: prometheus.DefBuckets,
	})
	FlushWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mss_flush_writes_total",
		Help: "Conditional statistic writes by outcome (applied, stale)",
	}, []string{"outcome"})

	// Pull Metrics
	PullCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mss_pull_cycles_total",
		Help: "Pull cycles by kind (periodic, targeted, load) and result",
	}, []string{"kind", "result"})
	PullRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mss_pull_rows_total",
		Help: "Store rows merged into the local cache",
	})
	SyncCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mss_sync_cursor",
		Help: "Highest store change sequence pulled by this node",
	})

	// Merge Metrics
	MergeDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mss_merge_decisions_total",
		Help: "Merge decisions by action",
	}, []string{"action"})
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mss_conflicts_total",
		Help: "Divergent concurrent updates by policy and winning side",
	}, []string{"policy", "winner"})

	// Node Metrics
	Degraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mss_degraded",
		Help: "1 while cross-node synchronization is degraded",
	})
	ResidentPlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mss_resident_players",
		Help: "Players held in the local cache",
	})
	DirtyKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mss_dirty_keys",
		Help: "Statistics written locally and not yet durable",
	})
	StoreRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mss_store_retries_total",
		Help: "Transient store failures retried, by operation",
	}, []string{"op"})
	StoreFatalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mss_store_fatal_errors_total",
		Help: "Store operations aborted by a non-transient error",
	})

	// Notify Metrics
	NoticesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mss_notices_published_total",
		Help: "Change notices published to other nodes",
	})
	NoticesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mss_notices_received_total",
		Help: "Change notices received from other nodes",
	})
)
