// Package observability provides health checks, Prometheus metrics and
// OpenTelemetry tracing for the gateway.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports whether a component works at all.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Name() string
}

// ReadinessChecker reports whether a component can serve traffic.
type ReadinessChecker interface {
	ReadinessCheck(ctx context.Context) error
	Name() string
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager runs registered checkers on demand.
type HealthManager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu        sync.RWMutex
	health    []HealthChecker
	readiness []ReadinessChecker
}

// NewHealthManager creates a health manager with a 5s check timeout.
func NewHealthManager(logger *zap.SugaredLogger) *HealthManager {
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddHealthChecker registers a health checker
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.health = append(hm.health, checker)
}

// AddReadinessChecker registers a readiness checker
func (hm *HealthManager) AddReadinessChecker(checker ReadinessChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.readiness = append(hm.readiness, checker)
}

// SetTimeout sets the timeout for health checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.timeout = timeout
}

// HealthzHandler serves /healthz: 200 when every health checker passes.
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()
		hm.respond(w, hm.CheckHealth(ctx), "healthy")
	}
}

// ReadyzHandler serves /readyz: 200 when every readiness checker passes.
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()
		hm.respond(w, hm.CheckReadiness(ctx), "ready")
	}
}

// CheckHealth runs every health checker.
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	hm.mu.RLock()
	checkers := append([]HealthChecker(nil), hm.health...)
	hm.mu.RUnlock()

	resp := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	for _, c := range checkers {
		st := hm.run(c.Name(), func() error { return c.HealthCheck(ctx) }, "healthy", "unhealthy")
		if st.Error != "" {
			resp.Status = "unhealthy"
		}
		resp.Components = append(resp.Components, st)
	}
	return resp
}

// CheckReadiness runs every readiness checker.
func (hm *HealthManager) CheckReadiness(ctx context.Context) HealthResponse {
	hm.mu.RLock()
	checkers := append([]ReadinessChecker(nil), hm.readiness...)
	hm.mu.RUnlock()

	resp := HealthResponse{Status: "ready", Timestamp: time.Now()}
	for _, c := range checkers {
		st := hm.run(c.Name(), func() error { return c.ReadinessCheck(ctx) }, "ready", "not_ready")
		if st.Error != "" {
			resp.Status = "not_ready"
		}
		resp.Components = append(resp.Components, st)
	}
	return resp
}

func (hm *HealthManager) run(name string, check func() error, ok, failed string) HealthStatus {
	start := time.Now()
	st := HealthStatus{Name: name, Status: ok}
	if err := check(); err != nil {
		st.Status = failed
		st.Error = err.Error()
		hm.logger.Warnw("Health check failed", "component", name, "error", err)
	}
	st.Latency = time.Since(start).String()
	return st
}

func (hm *HealthManager) respond(w http.ResponseWriter, resp HealthResponse, okStatus string) {
	code := http.StatusOK
	if resp.Status != okStatus {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hm.logger.Errorw("Failed to encode health response", "error", err)
	}
}
