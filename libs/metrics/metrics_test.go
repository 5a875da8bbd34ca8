package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCountsRequests(t *testing.T) {
	registry := NewRegistry()
	m := NewHTTP(registry)

	m.Observe("GET", "/healthz", "200", 0.01)
	m.Observe("GET", "/healthz", "200", 0.02)

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("GET", "/healthz", "200")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}

func TestNilHTTPObserveIsNoop(t *testing.T) {
	var m *HTTP
	m.Observe("GET", "/", "200", 0)
}

func TestHandlerExposesRegistry(t *testing.T) {
	registry := NewRegistry()
	m := NewHTTP(registry)
	m.Observe("POST", "/bots", "201", 0.1)

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `http_requests_total{method="POST",route="/bots",status="201"} 1`) {
		t.Fatalf("expected request counter in exposition")
	}
}
