package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveCounts(t *testing.T) {
	m := New()
	m.Observe("read", OutcomeOK, time.Millisecond)
	m.Observe("read", OutcomeOK, time.Millisecond)
	m.Observe("write", OutcomeMasked, time.Millisecond)

	if got := m.Calls("read", OutcomeOK); got != 2 {
		t.Errorf("read/ok = %v, want 2", got)
	}
	if got := m.Calls("write", OutcomeMasked); got != 1 {
		t.Errorf("write/masked = %v, want 1", got)
	}
	if got := m.Calls("delete", OutcomeOK); got != 0 {
		t.Errorf("delete/ok = %v, want 0", got)
	}
}

func TestNilMetricsIgnoresObserve(t *testing.T) {
	var m *Metrics
	m.Observe("read", OutcomeOK, time.Millisecond)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Observe("readAll", OutcomeOK, 2*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `coffer_channel_calls_total{method="readAll",outcome="ok"} 1`) {
		t.Errorf("expected counter in exposition, got:\n%s", body)
	}
}
