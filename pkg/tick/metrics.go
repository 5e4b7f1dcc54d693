package tick

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds this process's tick-engine Prometheus collectors,
// grounded on the pack's long-running-worker metrics registries (e.g.
// r3e-network-service_layer/pkg/metrics): a package-level registry plus
// counter/histogram vectors keyed by stage.
var Registry = prometheus.NewRegistry()

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drorc",
			Subsystem: "tick",
			Name:      "total",
			Help:      "Total number of ticks executed, by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drorc",
			Subsystem: "tick",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of one tick's stage dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"stage"},
	)

	watchdogTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drorc",
			Subsystem: "tick",
			Name:      "watchdog_trips_total",
			Help:      "Total number of pre/post watchdog trips, by phase.",
		},
		[]string{"phase"},
	)
)

func init() {
	Registry.MustRegister(ticksTotal, stageDuration, watchdogTrips)
}
