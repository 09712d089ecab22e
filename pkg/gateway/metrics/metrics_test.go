package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := New("test")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(2 * time.Second)
	m.SessionRejected("capacity")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("sessions_active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("accepted=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("capacity")); got != 1 {
		t.Fatalf("capacity=%v, want 1", got)
	}
}

func TestMetrics_DispatchAndSignals(t *testing.T) {
	m := New("test")
	m.AudioReceived(20000)
	m.AudioReceived(45000)
	m.AudioReceived(0)
	m.WindowDrained(65000)
	m.Dispatch("audio", OutcomeDelivered)
	m.Dispatch("audio", OutcomeDelivered)
	m.Dispatch("code", OutcomeRejected)
	m.SignalSent("RISK_DETECTED")

	if got := testutil.ToFloat64(m.AudioBytesTotal); got != 65000 {
		t.Fatalf("audio_bytes_total=%v", got)
	}
	if got := testutil.ToFloat64(m.WindowsTotal); got != 1 {
		t.Fatalf("audio_windows_total=%v", got)
	}
	if got := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("audio", OutcomeDelivered)); got != 2 {
		t.Fatalf("delivered=%v", got)
	}
	if got := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("code", OutcomeRejected)); got != 1 {
		t.Fatalf("rejected=%v", got)
	}
	if got := testutil.ToFloat64(m.SignalsSent.WithLabelValues("RISK_DETECTED")); got != 1 {
		t.Fatalf("signals_sent=%v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed(time.Second)
	m.AudioReceived(10)
	m.FrameDropped("rate_limited")
	m.Dispatch("audio", OutcomeError)
	m.Inference("audio", time.Second)
	m.SignalSent("IDLE")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	m := New("relay")
	m.FrameDropped("rate_limited")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `relay_frames_dropped_total{reason="rate_limited"} 1`) {
		t.Fatalf("missing counter in body:\n%s", rec.Body.String())
	}
}
