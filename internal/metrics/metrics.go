package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts committed state-machine transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payout",
		Name:      "transitions_total",
		Help:      "Withdrawal state transitions by from/to state and trigger.",
	}, []string{"from", "to", "trigger"})

	// PinFailures counts rejected PIN verification attempts.
	PinFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payout",
		Name:      "pin_failures_total",
		Help:      "Failed or locked-out PIN verification attempts.",
	})

	// SweepRuns counts sweeper ticks.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payout",
		Name:      "sweep_runs_total",
		Help:      "Expiry sweeper iterations.",
	})

	// SweepErrors counts requests the sweeper failed to expire.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payout",
		Name:      "sweep_errors_total",
		Help:      "Requests the sweeper could not drive to expiry.",
	})
)
