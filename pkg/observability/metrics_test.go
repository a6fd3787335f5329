package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCheck("permission", DecisionAllow)
		m.ObserveResolution(time.Millisecond)
		m.ObserveCache(true)
		m.ObserveMutation("assigned", 1)
		m.ObserveRejection("capacity")
		m.ObserveSweep(3, time.Second, nil)
		m.RecordDBStats(nil)
	})
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveCheck("permission", DecisionAllow)
	m.ObserveCheck("permission", DecisionAllow)
	m.ObserveCheck("permission", DecisionBypass)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("permission", DecisionAllow)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("permission", DecisionBypass)))

	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResolutionCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ResolutionCacheTotal.WithLabelValues("miss")))

	m.ObserveMutation("revoked", 3)
	m.ObserveMutation("revoked", 0)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.AssignmentMutationsTotal.WithLabelValues("revoked")))

	m.ObserveSweep(4, time.Second, nil)
	m.ObserveSweep(0, time.Second, errors.New("db down"))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.SweepExpiredTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepRunsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepRunsTotal.WithLabelValues("error")))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/rbac/principals/{id}/level", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	RegisterMetricsEndpoint(router, registry)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rbac/principals/1/level", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rbac/principals/2/level", nil))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/rbac/principals/{id}/level", "200")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rolegate_http_requests_total")
}
