package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation log metrics
	LogPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_log_position",
			Help: "Current write position of the operation log, by endpoint",
		},
		[]string{"endpoint"},
	)

	LogAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_log_appends_total",
			Help: "Total number of log operations appended, by endpoint and kind",
		},
		[]string{"endpoint", "kind"},
	)

	LogReadersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_log_readers_total",
			Help: "Number of active log readers, by endpoint",
		},
		[]string{"endpoint"},
	)

	// Cache builder metrics
	CacheBuildLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_cache_build_lag",
			Help: "Difference between the log's write position and the building cache's applied position",
		},
		[]string{"endpoint"},
	)

	CacheRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_cache_rebuilds_total",
			Help: "Total number of cache rebuilds triggered by a log_id change",
		},
		[]string{"endpoint"},
	)

	CacheSwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_cache_swaps_total",
			Help: "Total number of building-to-serving cache swaps",
		},
		[]string{"endpoint"},
	)

	CacheNotifyDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_cache_notify_dropped_total",
			Help: "Total number of upsert/delete notifications dropped because a subscriber's channel was full",
		},
		[]string{"endpoint"},
	)

	// Dataflow DAG metrics
	DagEpochLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_dag_epoch_latency_seconds",
			Help:    "Time taken for one DAG epoch commit to propagate end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	DagNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dozer_dag_nodes_total",
			Help: "Number of nodes in the running dataflow DAG, by kind",
		},
		[]string{"kind"},
	)

	DagNodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_dag_node_failures_total",
			Help: "Total number of node failures recovered by the crash guard",
		},
		[]string{"node"},
	)

	// Query serving metrics
	QueryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_query_requests_total",
			Help: "Total number of query requests by endpoint, transport, and status",
		},
		[]string{"endpoint", "transport", "status"},
	)

	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_query_latency_seconds",
			Help:    "Query latency in seconds by endpoint and transport",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "transport"},
	)

	// DataLatency is the elapsed time between a commit's decision instant
	// and its visibility in the serving cache.
	DataLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_data_latency_seconds",
			Help:    "Elapsed time between a commit's decision instant and its visibility in the serving cache",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"endpoint"},
	)

	// Connector metrics
	ConnectorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_connector_errors_total",
			Help: "Total number of connector errors by connection and whether they were terminal",
		},
		[]string{"connection", "terminal"},
	)

	// Sink metrics
	SinkWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dozer_sink_write_duration_seconds",
			Help:    "Time taken to flush a batch of operations to a sink",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	SinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dozer_sink_errors_total",
			Help: "Total number of sink write failures",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(LogPosition)
	prometheus.MustRegister(LogAppendsTotal)
	prometheus.MustRegister(LogReadersTotal)
	prometheus.MustRegister(CacheBuildLag)
	prometheus.MustRegister(CacheRebuildsTotal)
	prometheus.MustRegister(CacheSwapsTotal)
	prometheus.MustRegister(CacheNotifyDroppedTotal)
	prometheus.MustRegister(DagEpochLatency)
	prometheus.MustRegister(DagNodesTotal)
	prometheus.MustRegister(DagNodeFailuresTotal)
	prometheus.MustRegister(QueryRequestsTotal)
	prometheus.MustRegister(QueryLatency)
	prometheus.MustRegister(DataLatency)
	prometheus.MustRegister(ConnectorErrorsTotal)
	prometheus.MustRegister(SinkWriteDuration)
	prometheus.MustRegister(SinkErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
