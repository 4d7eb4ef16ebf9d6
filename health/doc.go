// Package health tracks and aggregates the health of streamhub components.
//
// A Monitor polls tracked lifecycle components on demand and accepts pushed
// statuses for anything without a lifecycle. Snapshot folds everything into a
// single status using worst-state-wins aggregation: any unhealthy component
// makes the process unhealthy, otherwise any degraded component makes it
// degraded.
//
// Monitor.Handler exposes the snapshot as a JSON endpoint suitable for
// Kubernetes probes and load balancer checks. Messages are sanitized before
// exposure: URLs, file paths, addresses, ports, and credential-shaped text
// are replaced with placeholders.
//
// Typical wiring:
//
//	monitor := health.NewMonitor()
//	monitor.Track("hub", hub)
//	monitor.Track("sse", sseServer)
//	mux.Handle("/healthz", monitor.Handler("streamhub", logger))
package health
