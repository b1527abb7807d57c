package stagetracker

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
)

type recordingEmitter struct {
	events []string
}

func (e *recordingEmitter) Emit(eventType string, _ map[string]any) {
	e.events = append(e.events, eventType)
}

func TestAllStagesCanonicalOrder(t *testing.T) {
	stages := AllStages()
	if len(stages) != 15 {
		t.Fatalf("expected 15 canonical stages, got %d", len(stages))
	}

	index := func(s Stage) int {
		for i, st := range stages {
			if st == s {
				return i
			}
		}
		return -1
	}

	// chunk_prep must follow link_extraction, not immediately follow
	// text_extraction, since chunking depends on every extraction stage
	// having already run.
	if index(StageChunkPrep) <= index(StageLinkExtraction) {
		t.Fatalf("expected chunk_prep (%d) after link_extraction (%d)", index(StageChunkPrep), index(StageLinkExtraction))
	}
	if index(StageChunkPrep) <= index(StageTableExtraction) {
		t.Fatal("expected chunk_prep after table_extraction")
	}
	if stages[0] != StageUpload {
		t.Fatalf("expected upload to be first, got %s", stages[0])
	}
	if stages[len(stages)-1] != StageSearchIndexing {
		t.Fatalf("expected search_indexing to be last, got %s", stages[len(stages)-1])
	}
}

func TestProcessorNameLookup(t *testing.T) {
	if got := ProcessorName(StageChunkPrep); got != "chunk_prep_processor" {
		t.Fatalf("unexpected processor name: %s", got)
	}
}

func TestStartCompleteFailLifecycle(t *testing.T) {
	db := memory.New()
	emitter := &recordingEmitter{}
	tr := New(db, emitter)
	ctx := context.Background()

	if err := tr.StartStage(ctx, "doc-1", StageUpload); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := tr.GetProgress(ctx, "doc-1", StageUpload)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", p.Status)
	}

	if err := tr.CompleteStage(ctx, "doc-1", StageUpload); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p, _ = tr.GetProgress(ctx, "doc-1", StageUpload)
	if p.Status != StatusCompleted || p.Progress != 100 {
		t.Fatalf("expected completed at 100%%, got %+v", p)
	}

	if err := tr.FailStage(ctx, "doc-1", StageTextExtraction, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	p, _ = tr.GetProgress(ctx, "doc-1", StageTextExtraction)
	if p.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", p.Status)
	}
	if p.Metadata["error"] != "boom" {
		t.Fatalf("expected error message recorded, got %+v", p.Metadata)
	}

	wantEvents := []string{"stage_started", "stage_completed", "stage_failed"}
	if len(emitter.events) != len(wantEvents) {
		t.Fatalf("expected %d emitted events, got %v", len(wantEvents), emitter.events)
	}
	for i, want := range wantEvents {
		if emitter.events[i] != want {
			t.Fatalf("event %d: got %s, want %s", i, emitter.events[i], want)
		}
	}
}

func TestUpdateProgressNormalizesFractionToPercent(t *testing.T) {
	db := memory.New()
	tr := New(db, nil)
	ctx := context.Background()

	half := 0.5
	if err := tr.UpdateProgress(ctx, "doc-1", StageTextExtraction, &half); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	p, err := tr.GetProgress(ctx, "doc-1", StageTextExtraction)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.Progress != 50 {
		t.Fatalf("expected fractional progress scaled to 50, got %v", p.Progress)
	}
	if p.Metadata["progress_scale_adjusted"] != true {
		t.Fatalf("expected progress_scale_adjusted flag, got %+v", p.Metadata)
	}
}

func TestUpdateProgressClampsOutOfRangeValues(t *testing.T) {
	db := memory.New()
	tr := New(db, nil)
	ctx := context.Background()

	over := 150.0
	_ = tr.UpdateProgress(ctx, "doc-1", StageTextExtraction, &over)
	p, _ := tr.GetProgress(ctx, "doc-1", StageTextExtraction)
	if p.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %v", p.Progress)
	}

	negative := -10.0
	_ = tr.UpdateProgress(ctx, "doc-1", StageTableExtraction, &negative)
	p, _ = tr.GetProgress(ctx, "doc-1", StageTableExtraction)
	if p.Progress != 0 {
		t.Fatalf("expected negative progress clamped to 0, got %v", p.Progress)
	}
}

func TestGetCurrentStageSkipsCompletedAndSkipped(t *testing.T) {
	db := memory.New()
	tr := New(db, nil)
	ctx := context.Background()

	_ = tr.CompleteStage(ctx, "doc-1", StageUpload)
	_ = tr.SkipStage(ctx, "doc-1", StageTextExtraction)

	current, err := tr.GetCurrentStage(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get current stage: %v", err)
	}
	if current != StageTableExtraction {
		t.Fatalf("expected table_extraction as next stage, got %s", current)
	}
}

func TestCanStartStage(t *testing.T) {
	db := memory.New()
	tr := New(db, nil)
	ctx := context.Background()

	ok, err := tr.CanStartStage(ctx, "doc-1", StageUpload)
	if err != nil || !ok {
		t.Fatalf("expected a pending stage to be startable: ok=%v err=%v", ok, err)
	}

	_ = tr.StartStage(ctx, "doc-1", StageUpload)
	ok, err = tr.CanStartStage(ctx, "doc-1", StageUpload)
	if err != nil || ok {
		t.Fatalf("expected an in-progress stage to not be startable: ok=%v err=%v", ok, err)
	}

	_ = tr.CompleteStage(ctx, "doc-1", StageUpload)
	ok, err = tr.CanStartStage(ctx, "doc-1", StageUpload)
	if err != nil || ok {
		t.Fatalf("expected a completed stage to not be restartable: ok=%v err=%v", ok, err)
	}
}

func TestGetStatisticsAggregatesAcrossDocuments(t *testing.T) {
	db := memory.New()
	tr := New(db, nil)
	ctx := context.Background()

	_ = tr.CompleteStage(ctx, "doc-1", StageUpload)
	_ = tr.CompleteStage(ctx, "doc-2", StageUpload)
	_ = tr.FailStage(ctx, "doc-3", StageUpload, errors.New("boom"))
	_ = tr.SkipStage(ctx, "doc-4", StageUpload)
	_ = tr.StartStage(ctx, "doc-5", StageUpload)

	stats, err := tr.GetStatistics(ctx, StageUpload, []string{"doc-1", "doc-2", "doc-3", "doc-4", "doc-5"})
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if stats.Completed != 2 || stats.Failed != 1 || stats.Skipped != 1 || stats.InProgress != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

// TestGracefulDegradationWhenStoredProceduresMissing simulates a backend
// whose stored procedures are absent: once an upsert error's message
// contains "does not exist", the tracker disables further RPC calls and
// every subsequent operation degrades to a no-op/zero-value response
// instead of propagating the error to callers.
func TestGracefulDegradationWhenStoredProceduresMissing(t *testing.T) {
	db := memory.New()
	tr := New(db, nil)
	ctx := context.Background()

	tr.maybeDisableRPC(errors.New("function pipeline.upsert_stage_status(text) does not exist"))
	if tr.rpcOK() {
		t.Fatal("expected rpcOK to be false after a does-not-exist error")
	}

	if err := tr.StartStage(ctx, "doc-1", StageUpload); err != nil {
		t.Fatalf("expected StartStage to degrade gracefully without error, got %v", err)
	}
	p, err := tr.GetProgress(ctx, "doc-1", StageUpload)
	if err != nil {
		t.Fatalf("expected GetProgress to degrade gracefully, got %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("expected pending status in degraded mode, got %s", p.Status)
	}
}
