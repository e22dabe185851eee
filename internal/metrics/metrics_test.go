package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()

	if banTransitionsTotal == nil || failoverTotal == nil || accountsByStatus == nil {
		t.Fatal("Init() did not initialize collectors")
	}
}

func TestObserveBan(t *testing.T) {
	Init()
	before := testutil.ToFloat64(banTransitionsTotal.WithLabelValues("temporary"))
	ObserveBan(true)
	if got := testutil.ToFloat64(banTransitionsTotal.WithLabelValues("temporary")); got != before+1 {
		t.Errorf("temporary bans = %v, want %v", got, before+1)
	}
}

func TestObserveCredentialRefresh(t *testing.T) {
	Init()
	before := testutil.ToFloat64(credentialRefreshTotal.WithLabelValues("proactive", "failure"))
	ObserveCredentialRefresh("proactive", false)
	if got := testutil.ToFloat64(credentialRefreshTotal.WithLabelValues("proactive", "failure")); got != before+1 {
		t.Errorf("refresh failures = %v, want %v", got, before+1)
	}
}

func TestSetAccountsByStatus(t *testing.T) {
	SetAccountsByStatus(map[string]int{"active": 3, "banned": 1})
	if got := testutil.ToFloat64(accountsByStatus.WithLabelValues("active")); got != 3 {
		t.Errorf("active = %v, want 3", got)
	}

	SetAccountsByStatus(map[string]int{"active": 2})
	if got := testutil.ToFloat64(accountsByStatus.WithLabelValues("active")); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	ObserveFailover("success", 2)
	ObserveChallenge("solved", 2*time.Second)
	ObserveExecution("success", 100*time.Millisecond)
	ObserveRecovery("scheduled", "success")
	ObserveAlert("pool_depleted")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"accounts_failover_total",
		"accounts_challenge_solve_seconds",
		"accounts_executions_total",
		"accounts_recovery_attempts_total",
		"accounts_alerts_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
