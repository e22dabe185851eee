// Package metrics exposes Prometheus collectors for account lifecycle events.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	banTransitionsTotal    *prometheus.CounterVec
	recoveryAttemptsTotal  *prometheus.CounterVec
	credentialRefreshTotal *prometheus.CounterVec
	challengeSolvesTotal   *prometheus.CounterVec
	challengeSolveSeconds  prometheus.Histogram
	executionsTotal        *prometheus.CounterVec
	executionSeconds       prometheus.Histogram
	failoverTotal          *prometheus.CounterVec
	failoverAttempts       prometheus.Histogram
	accountsByStatus       *prometheus.GaugeVec
	alertsTotal            *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		banTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_ban_transitions_total",
				Help: "Ban transitions applied to accounts, labeled by kind (permanent, temporary).",
			},
			[]string{"kind"},
		)

		recoveryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_recovery_attempts_total",
				Help: "Ban recovery attempts, labeled by trigger and result.",
			},
			[]string{"trigger", "result"},
		)

		credentialRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_credential_refresh_total",
				Help: "Credential refreshes, labeled by trigger and result.",
			},
			[]string{"trigger", "result"},
		)

		challengeSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_challenge_requests_total",
				Help: "Challenge requests, labeled by outcome (cached, solved, failed).",
			},
			[]string{"outcome"},
		)

		challengeSolveSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accounts_challenge_solve_seconds",
				Help:    "Time spent in the external challenge solver.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		executionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_executions_total",
				Help: "Work executions against a single account, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		executionSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accounts_execution_seconds",
				Help:    "Duration of work executed against an account.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		failoverTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_failover_total",
				Help: "Failover runs, labeled by result (success, exhausted, canceled).",
			},
			[]string{"result"},
		)

		failoverAttempts = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accounts_failover_attempts",
				Help:    "Candidates attempted per failover run.",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
		)

		accountsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "accounts_by_status",
				Help: "Accounts in the pool, labeled by status.",
			},
			[]string{"status"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_alerts_total",
				Help: "Escalation alerts raised, labeled by type.",
			},
			[]string{"type"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveBan counts a ban transition.
func ObserveBan(temporary bool) {
	Init()
	kind := "permanent"
	if temporary {
		kind = "temporary"
	}
	banTransitionsTotal.WithLabelValues(kind).Inc()
}

// ObserveRecovery counts a recovery attempt.
func ObserveRecovery(trigger, result string) {
	Init()
	recoveryAttemptsTotal.WithLabelValues(trigger, result).Inc()
}

// ObserveCredentialRefresh counts a credential refresh.
func ObserveCredentialRefresh(trigger string, ok bool) {
	Init()
	credentialRefreshTotal.WithLabelValues(trigger, result(ok)).Inc()
}

// ObserveChallenge counts a challenge request. solveTime is zero for cache hits.
func ObserveChallenge(outcome string, solveTime time.Duration) {
	Init()
	challengeSolvesTotal.WithLabelValues(outcome).Inc()
	if solveTime > 0 {
		challengeSolveSeconds.Observe(solveTime.Seconds())
	}
}

// ObserveExecution counts one execution against an account.
func ObserveExecution(outcome string, d time.Duration) {
	Init()
	executionsTotal.WithLabelValues(outcome).Inc()
	executionSeconds.Observe(d.Seconds())
}

// ObserveFailover counts a failover run and the candidates it attempted.
func ObserveFailover(res string, attempts int) {
	Init()
	failoverTotal.WithLabelValues(res).Inc()
	failoverAttempts.Observe(float64(attempts))
}

// SetAccountsByStatus replaces the per-status gauge values.
func SetAccountsByStatus(counts map[string]int) {
	Init()
	accountsByStatus.Reset()
	for status, n := range counts {
		accountsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveAlert counts an escalation alert.
func ObserveAlert(alertType string) {
	Init()
	alertsTotal.WithLabelValues(alertType).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
