package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_run_transitions_total",
			Help: "Total run status transitions by target status",
		},
		[]string{"status"},
	)

	claimAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_claim_attempts_total",
			Help: "Total claim attempts by outcome (claimed, empty, error)",
		},
		[]string{"outcome"},
	)

	logAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_run_log_appends_total",
			Help: "Total run log entries appended",
		},
	)
)

func RecordRunTransition(status string) {
	runTransitions.WithLabelValues(status).Inc()
}

func RecordClaimAttempt(outcome string) {
	claimAttempts.WithLabelValues(outcome).Inc()
}

func RecordLogAppend() {
	logAppends.Inc()
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
