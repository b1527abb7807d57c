package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/alertsvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/broadcast"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/validation"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/ratelimit"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	db := memory.New()
	metrics := metricssvc.New(db)
	t.Cleanup(metrics.Close)

	return NewRouter(Deps{
		Version:    "test",
		Metrics:    metrics,
		Alerts:     alertsvc.New(db, metrics, nil, nil),
		Tracker:    stagetracker.New(db, nil),
		Hub:        broadcast.New([]byte("secret"), metrics, nil, 0),
		Validation: validation.DefaultConfig(),
		RateLimit:  ratelimit.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	})
}

func TestHealthzReturnsOK(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineMetricsRoute(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/pipeline", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestStageMetricsRoute(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/stage/upload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAlertsListRoute(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAcknowledgeUnknownAlertReturns404(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/does-not-exist/acknowledge", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurityHeadersApplied(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Content-Type-Options"))
}
