package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
)

const (
	// MetricsPath serves Prometheus metrics.
	MetricsPath = "/metrics"

	refreshInterval = 15 * time.Second
)

// Config holds configuration for observability features
type Config struct {
	Metrics bool
	Tracing TracingConfig
}

// ConfigFrom maps the telemetry section of the gateway config.
func ConfigFrom(cfg config.TelemetryConfig, version string) Config {
	return Config{
		Metrics: cfg.Metrics,
		Tracing: TracingConfig{
			Enabled:        cfg.TracingEnabled,
			ServiceName:    "mcpgate",
			ServiceVersion: version,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     cfg.SampleRate,
		},
	}
}

// Inventory reports gauge values at refresh time.
type Inventory interface {
	Installations() int
	Sessions() int
	Clients() int
	CountByState() map[string]int
}

// EventSource is the domain event broker.
type EventSource interface {
	Subscribe(name string, filter func(eventbus.Event) bool) *eventbus.Subscription
}

// Manager coordinates health checks, metrics and tracing.
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a new observability manager. Health checks are always
// on; metrics and tracing follow cfg.
func NewManager(logger *zap.Logger, cfg Config) (*Manager, error) {
	sugar := logger.Named("observability").Sugar()
	m := &Manager{
		logger:    sugar,
		health:    NewHealthManager(sugar),
		startTime: time.Now(),
	}
	if cfg.Metrics {
		m.metrics = NewMetricsManager(sugar)
		sugar.Info("Prometheus metrics enabled")
	}
	if cfg.Tracing.Enabled {
		tm, err := NewTracingManager(sugar, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		m.tracing = tm
	}
	return m, nil
}

// Health returns the health manager
func (m *Manager) Health() *HealthManager { return m.health }

// Metrics returns the metrics manager, nil when metrics are disabled.
func (m *Manager) Metrics() *MetricsManager { return m.metrics }

// Mount registers /healthz, /readyz and, when enabled, /metrics.
func (m *Manager) Mount(r chi.Router) {
	r.Get("/healthz", m.health.HealthzHandler())
	r.Get("/readyz", m.health.ReadyzHandler())
	if m.metrics != nil {
		r.Method("GET", MetricsPath, m.metrics.Handler())
	}
}

// HTTPMiddleware chains the metrics and tracing middleware that are enabled.
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	var chain []func(http.Handler) http.Handler
	if m.metrics != nil {
		chain = append(chain, m.metrics.HTTPMiddleware())
	}
	if m.tracing != nil {
		chain = append(chain, m.tracing.HTTPMiddleware())
	}
	return func(next http.Handler) http.Handler {
		for i := len(chain) - 1; i >= 0; i-- {
			next = chain[i](next)
		}
		return next
	}
}

// Run refreshes the inventory gauges and counts backend state transitions
// and OAuth refreshes from the event bus until ctx is done.
func (m *Manager) Run(ctx context.Context, inv Inventory, events EventSource) {
	if m.metrics == nil {
		<-ctx.Done()
		return
	}

	sub := events.Subscribe("observability", func(e eventbus.Event) bool {
		switch e.Type {
		case eventbus.EventTypeConnectionStateChanged,
			eventbus.EventTypeOAuthTokenRefreshed,
			eventbus.EventTypeOAuthRefreshFailed:
			return true
		}
		return false
	})
	defer sub.Close()

	m.refresh(inv)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(inv)
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			m.observe(evt)
		}
	}
}

func (m *Manager) refresh(inv Inventory) {
	m.metrics.SetUptime(m.startTime)
	m.metrics.SetInventory(inv.Installations(), inv.Sessions(), inv.Clients())
	m.metrics.SetBackendStates(inv.CountByState())
}

func (m *Manager) observe(evt eventbus.Event) {
	switch evt.Type {
	case eventbus.EventTypeConnectionStateChanged:
		from, _ := evt.Payload["from"].(string)
		to, _ := evt.Payload["to"].(string)
		m.metrics.RecordStateTransition(from, to)
	case eventbus.EventTypeOAuthTokenRefreshed:
		m.metrics.RecordOAuthRefresh(StatusSuccess)
	case eventbus.EventTypeOAuthRefreshFailed:
		m.metrics.RecordOAuthRefresh(StatusError)
	}
}

// Close flushes tracing.
func (m *Manager) Close(ctx context.Context) error {
	if m.tracing == nil {
		return nil
	}
	if err := m.tracing.Close(ctx); err != nil {
		m.logger.Errorw("Failed to close tracing manager", "error", err)
		return err
	}
	return nil
}
