package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.InvocationStarted()
	m.InvocationFinished("svc", "m", OutcomeResult, time.Second)
	m.SendFailed("unreachable")
	m.SetQueueDepth(3)
}

func TestCounters(t *testing.T) {
	m := New("tunnel")
	m.InvocationStarted()
	m.InvocationFinished("files", "Echo", OutcomeResult, 10*time.Millisecond)
	m.SendFailed("unreachable")
	m.SendFailed("unreachable")

	if got := testutil.ToFloat64(m.invocationsTotal.WithLabelValues("files", "Echo", OutcomeResult)); got != 1 {
		t.Fatalf("invocations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeInvocations); got != 0 {
		t.Fatalf("active_invocations = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.sendFailures.WithLabelValues("unreachable")); got != 2 {
		t.Fatalf("send failures = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tunnel_invocations_total") {
		t.Fatal("exposition is missing tunnel_invocations_total")
	}
}
