package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
)

func testContext() domain.ProcessingContext {
	return domain.ProcessingContext{
		DocumentID: "doc-1", FilePath: "/a.pdf", FileHash: "h1", FileSize: 10,
		Manufacturer: "acme", Model: "m1", Series: "s1", Version: "v1",
	}
}

func TestComputeContextHashStableAndSensitive(t *testing.T) {
	a := ComputeContextHash(testContext())
	b := ComputeContextHash(testContext())
	if a != b {
		t.Fatalf("expected identical contexts to hash the same: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected a 64-char hex sha256, got %d chars", len(a))
	}

	changed := testContext()
	changed.FileHash = "h2"
	if ComputeContextHash(changed) == a {
		t.Fatal("expected a changed file_hash to change the context hash")
	}
}

func TestComputeContextHashIgnoresNonWhitelistedFields(t *testing.T) {
	base := testContext()
	base.RequestID = "req-1"
	base.CorrelationID = "corr-1"
	base.RetryAttempt = 3
	base.ErrorID = "err-1"
	base.Metadata = map[string]any{"k": "v"}

	if ComputeContextHash(base) != ComputeContextHash(testContext()) {
		t.Fatal("expected request/correlation/retry/error/metadata fields to be excluded from the hash")
	}
}

func TestShouldSkip(t *testing.T) {
	ctx := testContext()
	hash := ComputeContextHash(ctx)

	if ShouldSkip(nil, ctx) {
		t.Fatal("expected no marker to never be skippable")
	}

	completed := &Marker{Status: string(domain.ResultCompleted), ContextHash: hash}
	if !ShouldSkip(completed, ctx) {
		t.Fatal("expected a completed marker with a matching hash to be skippable")
	}

	failed := &Marker{Status: string(domain.ResultFailed), ContextHash: hash}
	if ShouldSkip(failed, ctx) {
		t.Fatal("expected a failed marker to never be skippable")
	}

	staleHash := &Marker{Status: string(domain.ResultCompleted), ContextHash: "stale"}
	if ShouldSkip(staleHash, ctx) {
		t.Fatal("expected a completed marker with a stale hash to not be skippable")
	}
}

func TestCheckerGetUpsertDeleteCleanup(t *testing.T) {
	db := memory.New()
	c := New(db)
	ctx := context.Background()

	got, ok, err := c.Get(ctx, "doc-1", "upload")
	if err != nil || ok || got != nil {
		t.Fatalf("expected no marker initially: got=%v ok=%v err=%v", got, ok, err)
	}

	marker := &Marker{DocumentID: "doc-1", Stage: "upload", Status: string(domain.ResultCompleted), ContextHash: "h1"}
	if err := c.Upsert(ctx, marker); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err = c.Get(ctx, "doc-1", "upload")
	if err != nil || !ok || got == nil {
		t.Fatalf("expected a marker after upsert: got=%v ok=%v err=%v", got, ok, err)
	}

	if err := c.Delete(ctx, "doc-1", "upload"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ = c.Get(ctx, "doc-1", "upload")
	if ok {
		t.Fatal("expected marker to be gone after delete")
	}

	stale := &Marker{DocumentID: "doc-2", Stage: "upload", Status: string(domain.ResultCompleted)}
	if err := c.Upsert(ctx, stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	n, err := c.Cleanup(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n == 0 {
		t.Fatal("expected cleanup to remove the stale marker")
	}
}
