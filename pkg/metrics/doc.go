/*
Package metrics defines Roost's Prometheus collectors.

All collectors are package-level and registered in init; callers
update them directly:

	metrics.JobsTotal.WithLabelValues("deploy", "success").Inc()

Inventory gauges (applications by status, hosts, nodes) are recomputed
by the reconciler each pass rather than maintained incrementally, so a
missed update cannot leave them permanently wrong.

Handler returns the HTTP handler the server mounts at /metrics.
*/
package metrics
