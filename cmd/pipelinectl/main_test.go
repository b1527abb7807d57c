package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestApiClientRequestSetsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, token: "secret", http: srv.Client()}
	data, status, err := client.request(context.Background(), http.MethodGet, "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if !strings.Contains(string(data), "ok") {
		t.Fatalf("unexpected body: %s", data)
	}
}

func TestApiClientRequestNonTokenOmitsHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if _, _, err := client.request(context.Background(), http.MethodGet, "/healthz"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("expected no auth header, got %q", gotAuth)
	}
}

func TestApiClientRequestNon2xxIsBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	_, status, err := client.request(context.Background(), http.MethodGet, "/api/alerts/missing/acknowledge")
	if err == nil {
		t.Fatalf("expected error for 404 response")
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", status)
	}
	var ee *exitError
	if !asExitError(err, &ee) {
		t.Fatalf("expected *exitError, got %T", err)
	}
	if ee.code != 1 {
		t.Fatalf("expected business exit code 1, got %d", ee.code)
	}
}

func TestApiClientRequestUnreachableIsSetupError(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:0", http: &http.Client{}}
	_, _, err := client.request(context.Background(), http.MethodGet, "/healthz")
	if err == nil {
		t.Fatalf("expected error for unreachable server")
	}
	var ee *exitError
	if !asExitError(err, &ee) {
		t.Fatalf("expected *exitError, got %T", err)
	}
	if ee.code != 2 {
		t.Fatalf("expected setup exit code 2, got %d", ee.code)
	}
}

func TestHandleMetricsStageRequiresName(t *testing.T) {
	client := &apiClient{baseURL: "http://example.invalid", http: http.DefaultClient}
	err := handleMetrics(context.Background(), client, []string{"stage"})
	if err == nil {
		t.Fatalf("expected error for missing stage name")
	}
}

func TestHandleMetricsUnknownSubcommand(t *testing.T) {
	client := &apiClient{baseURL: "http://example.invalid", http: http.DefaultClient}
	err := handleMetrics(context.Background(), client, []string{"bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown subcommand")
	}
}

func TestHandleAlertsListHitsExpectedPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleAlerts(context.Background(), client, []string{"list", "--severity=critical"}); err != nil {
		t.Fatalf("handleAlerts list: %v", err)
	}
	if gotPath != "/api/alerts?severity=critical" {
		t.Fatalf("expected severity filter in path, got %q", gotPath)
	}
}

func TestHandleAlertsAckRequiresID(t *testing.T) {
	client := &apiClient{baseURL: "http://example.invalid", http: http.DefaultClient}
	err := handleAlerts(context.Background(), client, []string{"ack"})
	if err == nil {
		t.Fatalf("expected error for missing alert id")
	}
}

func TestHandleAlertsDismissHitsExpectedPath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, http: srv.Client()}
	if err := handleAlerts(context.Background(), client, []string{"dismiss", "alert-1"}); err != nil {
		t.Fatalf("handleAlerts dismiss: %v", err)
	}
	if gotPath != "/api/alerts/alert-1/dismiss" || gotMethod != http.MethodPost {
		t.Fatalf("expected POST /api/alerts/alert-1/dismiss, got %s %s", gotMethod, gotPath)
	}
}

func TestRunUnknownCommandIsSetupError(t *testing.T) {
	err := run(context.Background(), []string{"--addr=http://example.invalid", "bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown command")
	}
	var ee *exitError
	if !asExitError(err, &ee) {
		t.Fatalf("expected *exitError, got %T", err)
	}
	if ee.code != 2 {
		t.Fatalf("expected setup exit code 2, got %d", ee.code)
	}
}

func TestRunNoCommandIsSetupError(t *testing.T) {
	err := run(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected error when no command given")
	}
}

// asExitError mirrors main's errors.As usage without importing errors twice
// in a way that shadows the package-level helper in main.go.
func asExitError(err error, target **exitError) bool {
	if e, ok := err.(*exitError); ok {
		*target = e
		return true
	}
	return false
}
