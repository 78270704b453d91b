package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRouteLabelResolvesTemplateInsideRouter(t *testing.T) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_requests_total"},
		[]string{"endpoint", "status"},
	)
	s := New(counter)

	var label string
	s.Mux.HandleFunc("/tenants/{installId}", func(w http.ResponseWriter, r *http.Request) {
		label = routeLabel(r)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	req := httptest.NewRequest(http.MethodDelete, "/tenants/inst-42?secret=x", nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if label != "/tenants/{installId}" {
		t.Fatalf("route label = %q, want the template, not the raw path", label)
	}
}
