package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
)

// metricValue finds a counter or gauge sample whose labels include want.
func metricValue(t *testing.T, mm *MetricsManager, name string, want map[string]string) float64 {
	t.Helper()
	families, err := mm.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, want) {
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsRecorder(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())

	mm.RecordInvocation("github", contracts.FeatureTool, StatusSuccess, 20*time.Millisecond)
	mm.RecordInvocation("github", contracts.FeatureTool, StatusSuccess, 30*time.Millisecond)
	mm.RecordInvocation("github", contracts.FeatureTool, StatusError, time.Millisecond)
	mm.RecordNotification(contracts.FeaturePrompt)

	assert.Equal(t, 2.0, metricValue(t, mm, "mcpgate_invocations_total",
		map[string]string{"server": "github", "kind": string(contracts.FeatureTool), "status": StatusSuccess}))
	assert.Equal(t, 1.0, metricValue(t, mm, "mcpgate_invocations_total",
		map[string]string{"status": StatusError}))
	assert.Equal(t, 1.0, metricValue(t, mm, "mcpgate_list_changed_notifications_total",
		map[string]string{"kind": string(contracts.FeaturePrompt)}))
}

func TestBackendStatesReset(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())
	mm.SetBackendStates(map[string]int{"Connected": 2, "Failed": 1})
	mm.SetBackendStates(map[string]int{"Connected": 3})

	assert.Equal(t, 3.0, metricValue(t, mm, "mcpgate_backends", map[string]string{"state": "Connected"}))
	assert.Equal(t, 0.0, metricValue(t, mm, "mcpgate_backends", map[string]string{"state": "Failed"}))
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())
	r := chi.NewRouter()
	r.Use(mm.HTTPMiddleware())
	r.Get("/api/v1/installations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/installations/"+id, nil))
	}
	assert.Equal(t, 3.0, metricValue(t, mm, "mcpgate_http_requests_total", map[string]string{
		"method": "GET",
		"route":  "/api/v1/installations/{id}",
		"code":   "404",
	}))
}

type fakeDB struct {
	version uint64
	err     error
}

func (f fakeDB) GetSchemaVersion() (uint64, error) { return f.version, f.err }

type fakeCounter map[string]int

func (f fakeCounter) CountByState() map[string]int { return f }

func TestHealthEndpoints(t *testing.T) {
	m, err := NewManager(zap.NewNop(), Config{Metrics: true})
	require.NoError(t, err)

	counts := fakeCounter{"Connecting": 1, "Connected": 2}
	m.Health().AddHealthChecker(NewDatabaseHealthChecker("database", fakeDB{version: 1}))
	m.Health().AddReadinessChecker(NewBackendsReadinessChecker("backends", counts, "Connecting", "Handshaking"))

	r := chi.NewRouter()
	m.Mount(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	require.Len(t, resp.Components, 1)
	assert.Contains(t, resp.Components[0].Error, "1 backend(s) still connecting")

	delete(counts, "Connecting")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", MetricsPath, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "mcpgate_uptime_seconds"))
}

func TestDatabaseHealthChecker(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, NewDatabaseHealthChecker("db", fakeDB{version: 1}).HealthCheck(ctx))
	assert.Error(t, NewDatabaseHealthChecker("db", fakeDB{}).HealthCheck(ctx))
	assert.Error(t, NewDatabaseHealthChecker("db", fakeDB{err: errors.New("closed")}).HealthCheck(ctx))
}

type fakeInventory struct{ fakeCounter }

func (fakeInventory) Installations() int { return 4 }
func (fakeInventory) Sessions() int { return 2 }
func (fakeInventory) Clients() int { return 1 }

func TestRunCountsEvents(t *testing.T) {
	m, err := NewManager(zap.NewNop(), Config{Metrics: true})
	require.NoError(t, err)
	bus := eventbus.NewBus(zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, fakeInventory{fakeCounter{"Connected": 4}}, bus)
	}()

	mm := m.Metrics()
	require.Eventually(t, func() bool {
		return metricValue(t, mm, "mcpgate_installations", nil) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, metricValue(t, mm, "mcpgate_sessions_active", nil))

	bus.Publish(eventbus.New(eventbus.EventTypeConnectionStateChanged, map[string]any{"from": "Connecting", "to": "Handshaking"}))
	bus.Publish(eventbus.New(eventbus.EventTypeOAuthRefreshFailed, nil))

	require.Eventually(t, func() bool {
		return metricValue(t, mm, "mcpgate_oauth_refreshes_total", map[string]string{"result": StatusError}) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, metricValue(t, mm, "mcpgate_backend_state_transitions_total",
		map[string]string{"from_state": "Connecting", "to_state": "Handshaking"}))

	cancel()
	<-done
}
