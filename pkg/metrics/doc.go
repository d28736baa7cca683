/*
Package metrics provides Prometheus metrics collection and exposition for
the Nexus storage kernel: operation counts and latency by type, CAS dedup
and GC counters, ReBAC check latency and cache hit rate, per-pillar driver
call latency, and (when the Metastore driver is raft-backed) leader status.

Metrics are registered at package init via prometheus.MustRegister and
exposed through Handler() for an operator to mount on whatever admin
listener they run; the kernel itself never starts an HTTP server.

	timer := metrics.NewTimer()
	err := fs.Write(ctx, opctx, path, bytes, opts)
	timer.ObserveDurationVec(metrics.OperationDuration, "write")
	metrics.OperationsTotal.WithLabelValues("write", resultLabel(err)).Inc()
*/
package metrics
