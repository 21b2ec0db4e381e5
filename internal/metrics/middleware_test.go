package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// durationSamples returns how many requests the duration histogram holds for
// one method/route pair.
func durationSamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "crawlops_http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["route"] == route {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func serve(h http.Handler, method, target string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec.Code
}

func TestMiddlewareCountsByCode(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/healthz"))
	require.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/missing"))

	require.Equal(t, ok+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
	require.Equal(t, missing+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/sessions/stats/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := durationSamples(t, http.MethodGet, "/v1/sessions/stats/{id}")
	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/sessions/stats/41"))
	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/sessions/stats/42"))

	require.Equal(t, before+2, durationSamples(t, http.MethodGet, "/v1/sessions/stats/{id}"))
	require.Zero(t, durationSamples(t, http.MethodGet, "/v1/sessions/stats/41"), "raw paths are never used as labels")
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})

	before := durationSamples(t, http.MethodGet, "unknown")
	require.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/nowhere"))
	require.Equal(t, before+1, durationSamples(t, http.MethodGet, "unknown"))
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	var flushed bool
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		f.Flush()
		flushed = true
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	require.True(t, flushed)
	require.True(t, rec.Flushed)
}
