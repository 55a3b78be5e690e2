package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/commentary-coordinator/internal/metrics"
	"github.com/JakeFAU/commentary-coordinator/internal/middleware"
)

// TestMetricsPassesResponseThrough ensures the middleware leaves the wrapped
// handler's status and body untouched while it records the observation.
func TestMetricsPassesResponseThrough(t *testing.T) {
	t.Parallel()
	metrics.Init()

	r := chi.NewRouter()
	r.Use(middleware.Metrics)
	r.Get("/v1/workers/{worker_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers/w1", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
