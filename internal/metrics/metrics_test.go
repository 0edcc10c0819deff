package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitPrometheusRegistersCollectors(t *testing.T) {
	m := InitPrometheus("latzero_test")
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if Registry() == nil {
		t.Fatal("expected non-nil registry")
	}

	RecordTrigger("resize_image", "dispatched")
	RecordError("TIMEOUT")
	RecordDispatchDuration(12.5)
	RecordBlockGC(3)
	RecordMemoryWrite("shared")
	RecordRateLimited()

	PollGauges(GaugeReaders{
		InFlightTriggers:  func() int { return 4 },
		ActiveConnections: func() int { return 2 },
		LiveApps:          func() int { return 1 },
	})

	metricFamilies, err := Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Fatal("expected at least one metric family registered")
	}
}

func TestHandlerWithoutInitReturns503(t *testing.T) {
	global = nil
	h := Handler()
	if h == nil {
		t.Fatal("expected non-nil handler even when uninitialized")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
