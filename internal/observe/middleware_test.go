package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// apiHandler mirrors the shape of the control surface mux.
func apiHandler(t *testing.T) (http.Handler, *Metrics, func() metricdata.ResourceMetrics, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := installTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/mic", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/audio", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no push source", http.StatusConflict)
	})

	collect := func() metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		return rm
	}
	return Middleware(m)(mux), m, collect, exp
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h, _, collect, exp := apiHandler(t)

	tests := []struct {
		method, path string
		route        string
		status       int
	}{
		{"GET", "/api/state", "GET /api/state", http.StatusOK},
		{"POST", "/api/mic", "POST /api/mic", http.StatusNoContent},
		{"POST", "/api/audio?rate=16000", "POST /api/audio", http.StatusConflict},
		{"GET", "/api/nope", RouteUnmatched, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.status {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, rec.Code, tt.status)
		}
	}

	met := findMetric(collect(), "parley.http.request.duration")
	if met == nil {
		t.Fatal("parley.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	got := make(map[string]int64)
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		got[route.AsString()] = status.AsInt64()
		if dp.Count != 1 {
			t.Errorf("route %s: count = %d, want 1", route.AsString(), dp.Count)
		}
	}
	for _, tt := range tests {
		if got[tt.route] != int64(tt.status) {
			t.Errorf("route %q: status label = %d, want %d", tt.route, got[tt.route], tt.status)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != len(tests) {
		t.Fatalf("spans = %d, want %d", len(spans), len(tests))
	}
	for i, tt := range tests {
		if want := "HTTP " + tt.route; spans[i].Name != want {
			t.Errorf("span %d name = %q, want %q", i, spans[i].Name, want)
		}
		if v, _ := spanAttr(spans[i], "http.response.status_code"); v.AsInt64() != int64(tt.status) {
			t.Errorf("span %d status attribute = %d, want %d", i, v.AsInt64(), tt.status)
		}
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _, _ := apiHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/state", nil))
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("generated X-Correlation-ID = %q, want 32 hex characters", cid)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("POST", "/api/mic", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("propagated X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestRoute(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/state", nil)
	if got := Route(r); got != RouteUnmatched {
		t.Errorf("Route before matching = %q, want %q", got, RouteUnmatched)
	}
	r.Pattern = "GET /api/state"
	if got := Route(r); got != "GET /api/state" {
		t.Errorf("Route = %q, want GET /api/state", got)
	}
}
