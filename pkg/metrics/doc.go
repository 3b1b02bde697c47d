/*
Package metrics provides Prometheus metrics collection and exposition for Dozer.

Metrics are grouped by component: operation log (position, append rate, reader
count), cache builder (build lag, rebuild/swap counts), dataflow DAG (epoch
latency, node counts, crash-guard recoveries), query serving (request counts and
latency per transport), and sinks/connectors (write duration, error counts).
DataLatency tracks source-commit-to-queryable time end to end, the single number
operators care most about.

Metrics are registered at package init and exposed via Handler() for scraping.
Timer is a small helper for recording a histogram observation at the end of an
operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryLatency, endpoint, "grpc")
*/
package metrics
