package resilience

import "github.com/go-batt/nowlink/lib/metrics"

// Circuit breaker metrics for Prometheus exposition. Updated by the
// breaker itself on transitions and Execute outcomes.
var (
	// CircuitStateGauge is the current position (0=closed, 1=open, 2=half-open).
	CircuitStateGauge = metrics.NewGauge(
		"nowlink_circuit_state",
		"Current circuit breaker state (0=closed, 1=open, 2=half-open)",
	)
	// CircuitTrips counts closed-to-open transitions.
	CircuitTrips = metrics.NewCounter(
		"nowlink_circuit_trips_total",
		"Times the circuit breaker has opened",
	)
	// CircuitSuccesses counts operations that completed through the breaker.
	CircuitSuccesses = metrics.NewCounter(
		"nowlink_circuit_successes_total",
		"Operations that succeeded through the circuit breaker",
	)
	// CircuitFailures counts operations that failed through the breaker.
	CircuitFailures = metrics.NewCounter(
		"nowlink_circuit_failures_total",
		"Operations that failed through the circuit breaker",
	)
	// CircuitRejections counts requests shed by an open circuit.
	CircuitRejections = metrics.NewCounter(
		"nowlink_circuit_rejections_total",
		"Requests rejected because the circuit was open",
	)
)
