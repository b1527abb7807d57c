package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// newTestStore connects to TEST_POSTGRES_DSN and lays down the pipeline's
// tables directly (no migration tool in this tree), skipping the test
// entirely when the DSN isn't configured — the same pattern the teacher
// uses for its own storage/postgres integration tests.
func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	raw, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := createSchema(raw); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_ = dropSchema(raw)
		_ = raw.Close()
	})

	s, err := Open(ctx, dsn, "public")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, ctx
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY, file_path TEXT, file_hash TEXT, file_size BIGINT,
			manufacturer TEXT, model TEXT, series TEXT, version TEXT,
			source_type TEXT, status TEXT, created_at TIMESTAMPTZ DEFAULT now(), updated_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY, document_id TEXT, index INT, text TEXT, token_count INT
		)`,
		`CREATE TABLE IF NOT EXISTS completion_markers (
			document_id TEXT, stage TEXT, context_hash TEXT, status TEXT, processing_time_ms BIGINT,
			retry_count INT, processor_version TEXT, created_at TIMESTAMPTZ DEFAULT now(), updated_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (document_id, stage)
		)`,
		`CREATE TABLE IF NOT EXISTS stage_statuses (
			document_id TEXT, stage TEXT, status TEXT, progress DOUBLE PRECISION,
			started_at TIMESTAMPTZ, updated_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (document_id, stage)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY, name TEXT, metric_key TEXT, threshold_operator TEXT, threshold DOUBLE PRECISION,
			severity TEXT, error_types TEXT[], stages TEXT[], aggregation_window_minutes INT, enabled BOOLEAN
		)`,
		`CREATE TABLE IF NOT EXISTS alert_instances (
			id TEXT PRIMARY KEY, rule_id TEXT, aggregation_key TEXT, aggregation_count INT, severity TEXT,
			message TEXT, acknowledged BOOLEAN, dismissed BOOLEAN, first_occurrence TIMESTAMPTZ, last_occurrence TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS performance_baselines (
			name TEXT, measurement_date TIMESTAMPTZ, avg DOUBLE PRECISION, p50 DOUBLE PRECISION,
			p95 DOUBLE PRECISION, p99 DOUBLE PRECISION, sample_size INT,
			PRIMARY KEY (name, measurement_date)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func dropSchema(db *sql.DB) error {
	_, err := db.Exec(`
		TRUNCATE documents, chunks, completion_markers, stage_statuses, alert_rules, alert_instances, performance_baselines
	`)
	return err
}

func TestStoreDocumentLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)

	doc := &domain.Document{
		ID: "doc-1", FilePath: "/a.pdf", FileHash: "abc", FileSize: 10,
		Manufacturer: "acme", Model: "m1", Series: "s1", Version: "v1",
		SourceType: domain.SourceUpload, Status: domain.DocumentPending,
	}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileHash != "abc" || got.Status != domain.DocumentPending {
		t.Fatalf("unexpected document: %+v", got)
	}

	if err := s.UpdateDocumentStatus(ctx, "doc-1", domain.DocumentCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != domain.DocumentCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	if _, err := s.GetDocument(ctx, "missing"); err == nil {
		t.Fatal("expected not-found error for missing document")
	}

	if err := s.UpdateDocumentStatus(ctx, "missing", domain.DocumentFailed); err == nil {
		t.Fatal("expected not-found error updating missing document")
	}
}

func TestStoreCompletionMarkerLifecycle(t *testing.T) {
	s, ctx := newTestStore(t)

	m := &store.CompletionMarker{
		DocumentID: "doc-2", Stage: "text_extraction", ContextHash: "h1",
		Status: "completed", ProcessingTime: 250 * time.Millisecond, RetryCount: 1, ProcessorVersion: "v1",
	}
	if err := s.UpsertCompletionMarker(ctx, m); err != nil {
		t.Fatalf("upsert marker: %v", err)
	}

	got, err := s.GetCompletionMarker(ctx, "doc-2", "text_extraction")
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if got == nil || got.ContextHash != "h1" || got.RetryCount != 1 {
		t.Fatalf("unexpected marker: %+v", got)
	}

	if err := s.DeleteCompletionMarker(ctx, "doc-2", "text_extraction"); err != nil {
		t.Fatalf("delete marker: %v", err)
	}
	got, err = s.GetCompletionMarker(ctx, "doc-2", "text_extraction")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil marker after delete, got %+v", got)
	}
}

func TestStoreCleanupOldMarkers(t *testing.T) {
	s, ctx := newTestStore(t)

	m := &store.CompletionMarker{DocumentID: "doc-3", Stage: "upload", Status: "completed"}
	if err := s.UpsertCompletionMarker(ctx, m); err != nil {
		t.Fatalf("upsert marker: %v", err)
	}

	n, err := s.CleanupOldMarkers(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 marker cleaned, got %d", n)
	}
}

func TestStoreAdvisoryLockRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)

	key := store.LockKey("doc-4", "upload")
	acquired, err := s.TryAdvisoryLock(ctx, key)
	if err != nil {
		t.Fatalf("try lock: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire a fresh advisory lock")
	}
	if err := s.AdvisoryUnlock(ctx, key); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestStoreHasStoredProceduresFalseWithoutAny(t *testing.T) {
	s, _ := newTestStore(t)
	if s.HasStoredProcedures() {
		t.Fatal("expected no stored procedures in the bare test schema")
	}
}
