/*
Package metrics provides Prometheus metrics collection and exposition for
the supervisor.

It defines gauges, counters, and histograms for declared and observed
unit counts by state, reconciliation cycle count/duration, process
start/stop/kill counts, heartbeat age, step and watchdog error counts,
and lock acquisition outcomes. HeartbeatAge, StepErrorsTotal,
WatchdogErrorsTotal and LockAcquisitionsTotal are registered and
exposed but are not updated by any package in this module; the others
are updated by the Hub and driver as they run. Handler exposes them over HTTP for scraping; Timer is the
timing helper used around reconciliation passes and other measured
operations.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()
*/
package metrics
