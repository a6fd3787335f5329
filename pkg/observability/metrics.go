package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Permission check decisions
const (
	DecisionAllow  = "allow"
	DecisionDeny   = "deny"
	DecisionBypass = "bypass"
	DecisionError  = "error"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	PermissionChecksTotal *prometheus.CounterVec
	ResolutionDuration    prometheus.Histogram
	ResolutionCacheTotal  *prometheus.CounterVec

	// Assignment metrics
	AssignmentMutationsTotal *prometheus.CounterVec
	AssignmentRejectedTotal  *prometheus.CounterVec

	// Sweeper metrics
	SweepRunsTotal     *prometheus.CounterVec
	SweepExpiredTotal  prometheus.Counter
	SweepDuration      prometheus.Histogram
	SweepLastSuccessTS prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rolegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_permission_checks_total",
				Help: "Total number of permission and role checks by decision",
			},
			[]string{"check", "decision"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rolegate_resolution_duration_seconds",
				Help:    "Time spent resolving a principal's effective roles and permissions",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),
		ResolutionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_resolution_cache_total",
				Help: "Resolution cache lookups by result",
			},
			[]string{"result"},
		),

		AssignmentMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_assignment_mutations_total",
				Help: "Total number of assignment mutations by audit action",
			},
			[]string{"action"},
		),
		AssignmentRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_assignment_rejected_total",
				Help: "Total number of rejected assignment writes by reason",
			},
			[]string{"reason"},
		),

		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_sweep_runs_total",
				Help: "Total number of expiration sweeps by status",
			},
			[]string{"status"},
		),
		SweepExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rolegate_sweep_expired_total",
				Help: "Total number of assignments expired by sweeps",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rolegate_sweep_duration_seconds",
				Help:    "Expiration sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepLastSuccessTS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rolegate_sweep_last_success_timestamp_seconds",
				Help: "Unix time of the last successful expiration sweep",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rolegate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rolegate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rolegate_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.ResolutionDuration,
		m.ResolutionCacheTotal,
		m.AssignmentMutationsTotal,
		m.AssignmentRejectedTotal,
		m.SweepRunsTotal,
		m.SweepExpiredTotal,
		m.SweepDuration,
		m.SweepLastSuccessTS,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// ObserveCheck records the decision of a permission or role check
func (m *Metrics) ObserveCheck(check, decision string) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(check, decision).Inc()
}

// ObserveResolution records how long a resolution took
func (m *Metrics) ObserveResolution(d time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionDuration.Observe(d.Seconds())
}

// ObserveCache records a resolution cache hit or miss
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResolutionCacheTotal.WithLabelValues(result).Inc()
}

// ObserveMutation records an assignment mutation by audit action
func (m *Metrics) ObserveMutation(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.AssignmentMutationsTotal.WithLabelValues(action).Add(float64(count))
}

// ObserveRejection records a rejected assignment write
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.AssignmentRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveSweep records the outcome of an expiration sweep
func (m *Metrics) ObserveSweep(expired int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	if err != nil {
		m.SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SweepRunsTotal.WithLabelValues("success").Inc()
	m.SweepExpiredTotal.Add(float64(expired))
	m.SweepLastSuccessTS.SetToCurrentTime()
}

// RecordDBStats copies connection pool stats into the database gauges
func (m *Metrics) RecordDBStats(db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and durations labelled by the mux route template
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint exposes the registry on /metrics
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
