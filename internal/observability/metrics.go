package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// Invocation status labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MetricsManager owns the gateway's Prometheus registry.
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime        prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	installations prometheus.Gauge
	backends      *prometheus.GaugeVec
	sessions      prometheus.Gauge
	clients       prometheus.Gauge

	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	notifications      *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	oauthRefreshes     *prometheus.CounterVec
}

// NewMetricsManager creates the registry and registers every gateway metric
// plus the Go runtime and process collectors.
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	mm.initMetrics()
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.installations,
		mm.backends,
		mm.sessions,
		mm.clients,
		mm.invocations,
		mm.invocationDuration,
		mm.notifications,
		mm.stateTransitions,
		mm.oauthRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgate_uptime_seconds",
		Help: "Time since the gateway started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "code"},
	)
	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	mm.installations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgate_installations",
		Help: "Number of installed backend servers across all spaces",
	})
	mm.backends = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpgate_backends",
			Help: "Number of backend connections per connection state",
		},
		[]string{"state"},
	)
	mm.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgate_sessions_active",
		Help: "Number of live downstream MCP sessions",
	})
	mm.clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgate_clients",
		Help: "Number of known downstream clients",
	})

	mm.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_invocations_total",
			Help: "Feature invocations routed to backends",
		},
		[]string{"server", "kind", "status"},
	)
	mm.invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgate_invocation_duration_seconds",
			Help:    "Feature invocation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "kind"},
	)
	mm.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_list_changed_notifications_total",
			Help: "list_changed notifications delivered to downstream sessions",
		},
		[]string{"kind"},
	)
	mm.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_backend_state_transitions_total",
			Help: "Backend connection state transitions",
		},
		[]string{"from_state", "to_state"},
	)
	mm.oauthRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_oauth_refreshes_total",
			Help: "Backend OAuth token refresh attempts",
		},
		[]string{"result"},
	)
}

// Handler returns the /metrics handler.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// SetInventory updates the installation, session and client gauges.
func (mm *MetricsManager) SetInventory(installations, sessions, clients int) {
	mm.installations.Set(float64(installations))
	mm.sessions.Set(float64(sessions))
	mm.clients.Set(float64(clients))
}

// SetBackendStates replaces the per-state backend gauge. States missing
// from counts are reset to zero.
func (mm *MetricsManager) SetBackendStates(counts map[string]int) {
	mm.backends.Reset()
	for state, n := range counts {
		mm.backends.WithLabelValues(state).Set(float64(n))
	}
}

// RecordInvocation records one routed tools/call, prompts/get or
// resources/read.
func (mm *MetricsManager) RecordInvocation(alias string, kind contracts.FeatureKind, status string, d time.Duration) {
	mm.invocations.WithLabelValues(alias, string(kind), status).Inc()
	mm.invocationDuration.WithLabelValues(alias, string(kind)).Observe(d.Seconds())
}

// RecordNotification counts one list_changed notification sent downstream.
func (mm *MetricsManager) RecordNotification(kind contracts.FeatureKind) {
	mm.notifications.WithLabelValues(string(kind)).Inc()
}

// RecordStateTransition counts a backend state change.
func (mm *MetricsManager) RecordStateTransition(from, to string) {
	mm.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordOAuthRefresh counts a refresh attempt by result.
func (mm *MetricsManager) RecordOAuthRefresh(result string) {
	mm.oauthRefreshes.WithLabelValues(result).Inc()
}

// HTTPMiddleware records request counts and latencies labelled by the chi
// route pattern, so path parameters do not explode label cardinality.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := routeOf(r)
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			mm.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
			mm.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// routeOf returns the chi route pattern that served r, or "unmatched".
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
