// Package httpapi wires the monitoring and alert-management HTTP
// surface: gorilla/mux routing, the teacher's CORS/security-headers/
// timeout/rate-limit middleware stack, the validation middleware (C9),
// and the WebSocket monitoring upgrade (C10). Grounded on the teacher's
// cmd/gateway/main.go router assembly.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/document-pipeline-core/infrastructure/metrics"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/middleware"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/ratelimit"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/alertsvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/broadcast"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/pipelineerr"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/validation"
)

// Deps bundles every collaborator the router needs to wire its routes.
type Deps struct {
	Version            string
	Metrics            *metricssvc.Service
	Alerts             *alertsvc.Service
	Tracker            *stagetracker.Tracker
	Hub                *broadcast.Hub
	Validation         validation.Config
	RateLimit          ratelimit.RateLimitConfig
	CORSAllowedOrigins []string
	// Prometheus is optional; when set, every request is instrumented and
	// /metrics serves the collectors in text exposition format.
	Prometheus *metrics.Metrics
}

// NewRouter assembles the full middleware chain and route table.
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()

	health := middleware.NewHealthChecker(d.Version)
	r.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/monitoring").Subrouter()
	api.HandleFunc("/pipeline", handlePipelineMetrics(d.Metrics)).Methods(http.MethodGet)
	api.HandleFunc("/queue", handleQueueMetrics(d.Metrics)).Methods(http.MethodGet)
	api.HandleFunc("/stage/{stage}", handleStageMetrics(d.Metrics)).Methods(http.MethodGet)
	api.HandleFunc("/hardware", handleHardwareMetrics(d.Metrics)).Methods(http.MethodGet)
	api.HandleFunc("/quality", handleDataQualityMetrics(d.Metrics)).Methods(http.MethodGet)

	alerts := r.PathPrefix("/api/alerts").Subrouter()
	alerts.HandleFunc("", handleListAlerts(d.Alerts)).Methods(http.MethodGet)
	alerts.HandleFunc("/{id}/acknowledge", handleAcknowledge(d.Alerts)).Methods(http.MethodPost)
	alerts.HandleFunc("/{id}/dismiss", handleDismiss(d.Alerts)).Methods(http.MethodPost)

	r.HandleFunc("/ws/monitoring", d.Hub.Upgrade)

	if d.Prometheus != nil {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	rl := ratelimit.New(d.RateLimit)
	cors := middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: d.CORSAllowedOrigins})
	secHeaders := middleware.NewSecurityHeadersMiddleware(nil)
	timeoutMW := middleware.NewTimeoutMiddleware(30 * time.Second)

	var handler http.Handler = r
	handler = validation.Middleware(d.Validation)(handler)
	handler = timeoutMW.Handler(handler)
	handler = secHeaders.Handler(handler)
	handler = cors.Handler(handler)
	handler = rateLimitMiddleware(rl)(handler)
	handler = instrumentMiddleware(d.Prometheus)(handler)
	return handler
}

// instrumentMiddleware records request counts/durations and in-flight gauge
// through the teacher's Prometheus collectors. A nil Metrics is a no-op, so
// router construction never requires Prometheus to be wired.
func instrumentMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementInFlight()
			defer m.DecrementInFlight()
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.RecordHTTPRequest("pipelined", r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// rateLimitMiddleware gates requests through infrastructure/ratelimit's
// token-bucket limiter, rejecting with 429 once exhausted.
func rateLimitMiddleware(rl *ratelimit.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow() {
				writeJSON(w, http.StatusTooManyRequests, pipelineerr.New(pipelineerr.CodeInternal, "rate limit exceeded", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handlePipelineMetrics(m *metricssvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.GetPipelineMetrics(r.Context()))
	}
}

func handleQueueMetrics(m *metricssvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.GetQueueMetrics(r.Context()))
	}
}

func handleStageMetrics(m *metricssvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage := mux.Vars(r)["stage"]
		writeJSON(w, http.StatusOK, m.GetStageMetrics(r.Context(), stage))
	}
}

func handleHardwareMetrics(m *metricssvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.GetHardwareMetrics(r.Context()))
	}
}

func handleDataQualityMetrics(m *metricssvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.GetDataQualityMetrics(r.Context()))
	}
}

func handleListAlerts(a *alertsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := map[string]string{}
		if sev := r.URL.Query().Get("severity"); sev != "" {
			filter["severity"] = sev
		}
		alerts, err := a.GetAlerts(r.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, pipelineerr.Internal("", err))
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	}
}

func handleAcknowledge(a *alertsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		user := r.URL.Query().Get("user")
		if err := a.Acknowledge(r.Context(), id, user); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDismiss(a *alertsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := a.Dismiss(context.Background(), id); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	if he := pipelineerr.GetHTTPError(err); he != nil {
		writeJSON(w, he.Status, he)
		return
	}
	writeJSON(w, http.StatusInternalServerError, pipelineerr.Internal("", err))
}
