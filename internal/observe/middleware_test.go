package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumentedMux wires a small broker-shaped mux behind Middleware with
// in-memory metric and span sinks.
func instrumentedMux(t *testing.T, opts ...MiddlewareOption) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"text":"","is_final":false,"confidence":null}`)
	})
	mux.HandleFunc("POST /initialize", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"ModelResourceMissing"}`, http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /trace", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, CorrelationID(r.Context()))
	})
	return Middleware(m, opts...)(mux), reader, exp
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader("{}")))
	return rec
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(collect(t, reader), "livescribe.http.request.duration")
	if met == nil {
		t.Fatal("livescribe.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func hasAttr(set attribute.Set, key, value string) bool {
	v, ok := set.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	h, reader, exp := instrumentedMux(t)

	for range 3 {
		if rec := serve(h, "POST", "/process"); rec.Code != http.StatusOK {
			t.Fatalf("POST /process = %d", rec.Code)
		}
	}

	points := durationPoints(t, reader)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1", len(points))
	}
	dp := points[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	for k, v := range map[string]string{"method": "POST", "route": "POST /process", "status": "2xx"} {
		if !hasAttr(dp.Attributes, k, v) {
			t.Errorf("attribute %s != %q in %v", k, v, dp.Attributes.ToSlice())
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if spans[0].Name != "POST /process" {
		t.Errorf("span name = %q, want route pattern", spans[0].Name)
	}
}

func TestMiddleware_UnmatchedRouteIsBounded(t *testing.T) {
	h, reader, _ := instrumentedMux(t)

	serve(h, "GET", "/no/such/path/1")
	serve(h, "GET", "/no/such/path/2")

	points := durationPoints(t, reader)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1 for all unmatched paths", len(points))
	}
	if !hasAttr(points[0].Attributes, "route", unmatchedRoute) || !hasAttr(points[0].Attributes, "status", "4xx") {
		t.Errorf("attributes = %v", points[0].Attributes.ToSlice())
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	h, reader, exp := instrumentedMux(t)

	if rec := serve(h, "POST", "/initialize"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	if !hasAttr(durationPoints(t, reader)[0].Attributes, "status", "5xx") {
		t.Error("missing 5xx status class")
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var code int64
	var route string
	for _, kv := range spans[0].Attributes {
		switch kv.Key {
		case "http.response.status_code":
			code = kv.Value.AsInt64()
		case "http.route":
			route = kv.Value.AsString()
		}
	}
	if code != http.StatusServiceUnavailable || route != "POST /initialize" {
		t.Errorf("span status_code = %d route = %q", code, route)
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h, _, _ := instrumentedMux(t)

	rec := serve(h, "GET", "/trace")
	cid := rec.Header().Get(CorrelationHeader)
	if len(cid) != 32 {
		t.Fatalf("%s = %q, want 32 hex chars", CorrelationHeader, cid)
	}
	if rec.Body.String() != cid {
		t.Errorf("handler saw trace %q, header carries %q", rec.Body.String(), cid)
	}
}

func TestMiddleware_ContinuesClientTrace(t *testing.T) {
	h, _, _ := instrumentedMux(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/trace", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Body.String() != traceID {
		t.Errorf("handler trace = %q, want %q", rec.Body.String(), traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_UntracedPaths(t *testing.T) {
	h, reader, exp := instrumentedMux(t, WithUntraced("/healthz"))

	rec := serve(h, "GET", "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(CorrelationHeader); got != "" {
		t.Errorf("untraced path got %s %q", CorrelationHeader, got)
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("spans = %d, want 0", n)
	}
	if !hasAttr(durationPoints(t, reader)[0].Attributes, "route", "GET /healthz") {
		t.Error("untraced request latency not recorded")
	}
}

func TestMiddleware_WriterUnwraps(t *testing.T) {
	m, _ := newTestMetrics(t)

	var inner http.ResponseWriter
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			t.Error("wrapped writer does not implement Unwrap")
			return
		}
		inner = u.Unwrap()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	if inner != rec {
		t.Error("Unwrap did not return the original writer")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{101: "1xx", 200: "2xx", 304: "3xx", 409: "4xx", 422: "4xx", 502: "5xx"}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
