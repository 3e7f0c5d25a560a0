package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UnitsTotal is the number of declared units by target state.
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_units_total",
			Help: "Total number of declared units by target state",
		},
		[]string{"state"},
	)

	// ObservedStatesTotal is the number of units by observed state.
	ObservedStatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_observed_states_total",
			Help: "Total number of units by observed state",
		},
		[]string{"state"},
	)

	// ReconciliationDuration is the time taken for one Hub controller
	// pass.
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_reconciliation_duration_seconds",
			Help:    "Time taken for a Hub controller pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReconciliationCyclesTotal is the number of controller passes
	// completed.
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_reconciliation_cycles_total",
			Help: "Total number of Hub controller passes completed",
		},
	)

	// ProcessStartsTotal counts driver-initiated process starts.
	ProcessStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_process_starts_total",
			Help: "Total number of worker processes started by the driver",
		},
	)

	// ProcessStopsTotal counts driver-initiated SIGTERM stops.
	ProcessStopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_process_stops_total",
			Help: "Total number of worker processes signalled to stop",
		},
	)

	// ProcessKillsTotal counts driver-initiated SIGKILLs.
	ProcessKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_process_kills_total",
			Help: "Total number of worker processes forcibly killed",
		},
	)

	// HeartbeatAge is the most recently observed age of a unit's
	// heartbeat, in seconds.
	HeartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_heartbeat_age_seconds",
			Help: "Seconds since the last observed heartbeat, by unit",
		},
		[]string{"unit"},
	)

	// WatchdogErrorsTotal counts watchdog MINOR/CRITICAL errors observed
	// during a step loop.
	WatchdogErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_watchdog_errors_total",
			Help: "Total number of watchdog errors by severity",
		},
		[]string{"severity"},
	)

	// LockAcquisitionsTotal counts lease-backed watchdog lock
	// acquire/refresh attempts by outcome.
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_lock_acquisitions_total",
			Help: "Total number of distributed lock acquire/refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// StepErrorsTotal counts user step-function errors.
	StepErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_step_errors_total",
			Help: "Total number of step-function errors observed",
		},
	)
)

func init() {
	prometheus.MustRegister(UnitsTotal)
	prometheus.MustRegister(ObservedStatesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ProcessStartsTotal)
	prometheus.MustRegister(ProcessStopsTotal)
	prometheus.MustRegister(ProcessKillsTotal)
	prometheus.MustRegister(HeartbeatAge)
	prometheus.MustRegister(WatchdogErrorsTotal)
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(StepErrorsTotal)
}

// Handler returns the Prometheus HTTP handler.
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

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the elapsed duration to a histogram vec
// with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
