package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Circuit breaker metrics, labelled by breaker name. They are not registered
// anywhere by default; see Collectors.
var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sqlpool",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
	}, []string{"circuit"})

	breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqlpool",
		Subsystem: "circuit_breaker",
		Name:      "trips_total",
		Help:      "Total number of times the circuit opened.",
	}, []string{"circuit"})

	breakerSuccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqlpool",
		Subsystem: "circuit_breaker",
		Name:      "successes_total",
		Help:      "Total successful operations through the circuit breaker.",
	}, []string{"circuit"})

	breakerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqlpool",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total failed operations through the circuit breaker.",
	}, []string{"circuit"})

	breakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqlpool",
		Subsystem: "circuit_breaker",
		Name:      "rejections_total",
		Help:      "Total requests rejected by an open circuit.",
	}, []string{"circuit"})
)

// Collectors returns the breaker metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		breakerState,
		breakerTrips,
		breakerSuccesses,
		breakerFailures,
		breakerRejections,
	}
}
