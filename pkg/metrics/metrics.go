package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Filesystem core operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_operations_total",
			Help: "Total number of filesystem operations by type and result kind",
		},
		[]string{"op_type", "result"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_operation_duration_seconds",
			Help:    "Filesystem operation duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op_type"},
	)

	// CAS engine metrics
	CASDedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_cas_dedup_hits_total",
			Help: "Total number of put_content calls that found an existing ContentChunk",
		},
	)

	CASWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_cas_writes_total",
			Help: "Total number of put_content calls that wrote a new ObjectStore blob",
		},
	)

	CASGCBlobsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_cas_gc_blobs_deleted_total",
			Help: "Total number of ObjectStore blobs deleted by the CAS GC sweeper",
		},
	)

	CASGCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_cas_gc_sweep_duration_seconds",
			Help:    "Duration of a single CAS GC sweep pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReBAC engine metrics
	ReBACCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_rebac_check_duration_seconds",
			Help:    "check_permission duration in seconds by outcome",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"outcome"},
	)

	ReBACCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_rebac_cache_hits_total",
			Help: "Total number of check_permission calls served from CacheStore",
		},
	)

	ReBACCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_rebac_cache_misses_total",
			Help: "Total number of check_permission calls that evaluated the rule graph",
		},
	)

	ReBACLimitExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_rebac_limit_exceeded_total",
			Help: "Total number of checks that failed closed due to a graph safety limit",
		},
		[]string{"limit"},
	)

	ReBACClosureRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_rebac_closure_rebuild_duration_seconds",
			Help:    "Duration of a ReBACGroupClosure recompute pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Operation log metrics
	OplogAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_oplog_appends_total",
			Help: "Total number of operation log rows appended by op_type",
		},
		[]string{"op_type"},
	)

	OplogUndosTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_oplog_undos_total",
			Help: "Total number of undo() calls",
		},
	)

	OplogQuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_oplog_quarantined_total",
			Help: "Total number of operations quarantined by the startup divergence recovery pass",
		},
	)

	// Pillar driver metrics
	MetastoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_metastore_op_duration_seconds",
			Help:    "Metastore driver call duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RecordStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_recordstore_op_duration_seconds",
			Help:    "RecordStore driver call duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ObjectStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_objectstore_op_duration_seconds",
			Help:    "ObjectStore driver call duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CacheStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_cachestore_op_duration_seconds",
			Help:    "CacheStore driver call duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Raft (replicated Metastore) metrics, carried over unchanged from the
	// cluster-manager lineage since the semantics (leader/peer/log index)
	// are identical regardless of what the FSM replicates.
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_raft_is_leader",
			Help: "Whether this node is the Raft leader for the replicated Metastore (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry to the Metastore FSM",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Federation metrics
	FederationForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_federation_forwards_total",
			Help: "Total number of requests forwarded to a peer kernel by op and result",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(CASDedupHitsTotal)
	prometheus.MustRegister(CASWritesTotal)
	prometheus.MustRegister(CASGCBlobsDeletedTotal)
	prometheus.MustRegister(CASGCSweepDuration)
	prometheus.MustRegister(ReBACCheckDuration)
	prometheus.MustRegister(ReBACCacheHitsTotal)
	prometheus.MustRegister(ReBACCacheMissesTotal)
	prometheus.MustRegister(ReBACLimitExceededTotal)
	prometheus.MustRegister(ReBACClosureRebuildDuration)
	prometheus.MustRegister(OplogAppendsTotal)
	prometheus.MustRegister(OplogUndosTotal)
	prometheus.MustRegister(OplogQuarantinedTotal)
	prometheus.MustRegister(MetastoreOpDuration)
	prometheus.MustRegister(RecordStoreOpDuration)
	prometheus.MustRegister(ObjectStoreOpDuration)
	prometheus.MustRegister(CacheStoreOpDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(FederationForwardsTotal)
}

// Handler returns the Prometheus HTTP handler for an operator to mount on
// whatever admin listener they run; the kernel itself does not start one.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
