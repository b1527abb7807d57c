// Package stagetracker implements the stage tracker (C4): the canonical
// stage enum, per-document stage status, progress normalization, and
// graceful degradation when the backing store's stored procedures are
// unavailable. Grounded on original_source's
// backend/processors/stage_tracker.py.
package stagetracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// Stage is the canonical, ordered stage enum.
type Stage string

const (
	StageUpload              Stage = "upload"
	StageTextExtraction      Stage = "text_extraction"
	StageChunkPrep           Stage = "chunk_prep"
	StageTableExtraction     Stage = "table_extraction"
	StageSVGExtraction       Stage = "svg_extraction"
	StageImageExtraction     Stage = "image_extraction"
	StageVisualEmbedding     Stage = "visual_embedding"
	StageLinkExtraction      Stage = "link_extraction"
	StageClassification      Stage = "classification"
	StageMetadataExtraction  Stage = "metadata_extraction"
	StagePartsExtraction     Stage = "parts_extraction"
	StageSeriesDetection     Stage = "series_detection"
	StageStorage             Stage = "storage"
	StageEmbedding           Stage = "embedding"
	StageSearchIndexing      Stage = "search_indexing"
)

// AllStages returns the 15 stages in canonical pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageUpload, StageTextExtraction, StageTableExtraction, StageSVGExtraction,
		StageImageExtraction, StageVisualEmbedding, StageLinkExtraction, StageChunkPrep,
		StageClassification, StageMetadataExtraction, StagePartsExtraction, StageSeriesDetection,
		StageStorage, StageEmbedding, StageSearchIndexing,
	}
}

// stageProcessorNames is the canonical stage→processor-name lookup.
var stageProcessorNames = map[Stage]string{
	StageUpload:             "upload_processor",
	StageTextExtraction:     "text_extraction_processor",
	StageChunkPrep:          "chunk_prep_processor",
	StageTableExtraction:    "table_extraction_processor",
	StageSVGExtraction:      "svg_extraction_processor",
	StageImageExtraction:    "image_extraction_processor",
	StageVisualEmbedding:    "visual_embedding_processor",
	StageLinkExtraction:     "link_extraction_processor",
	StageClassification:     "classification_processor",
	StageMetadataExtraction: "metadata_extraction_processor",
	StagePartsExtraction:    "parts_extraction_processor",
	StageSeriesDetection:    "series_detection_processor",
	StageStorage:            "storage_processor",
	StageEmbedding:          "embedding_processor",
	StageSearchIndexing:     "search_indexing_processor",
}

// ProcessorName returns the canonical processor name for stage.
func ProcessorName(s Stage) string { return stageProcessorNames[s] }

// Status is the lifecycle status of a single stage execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Progress is a normalized stage progress snapshot.
type Progress struct {
	Stage    Stage
	Status   Status
	Progress float64 // 0-100
	Metadata map[string]any
}

// Statistics summarizes stage outcomes across a set of documents.
type Statistics struct {
	Stage     Stage
	Completed int
	Failed    int
	Skipped   int
	InProgress int
}

// Emitter receives reactive stage events for the real-time broadcaster
// (C10). A recording stub satisfies this in tests.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// Tracker wraps a store.Port and an optional Emitter.
type Tracker struct {
	db      store.StageStore
	emitter Emitter

	mu         sync.Mutex
	rpcEnabled bool
}

// New returns a Tracker. rpcEnabled starts true and sticks to false the
// first time a probed error message contains "does not exist".
func New(db store.StageStore, emitter Emitter) *Tracker {
	return &Tracker{db: db, emitter: emitter, rpcEnabled: true}
}

func (t *Tracker) maybeDisableRPC(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "does not exist") {
		t.mu.Lock()
		t.rpcEnabled = false
		t.mu.Unlock()
	}
}

func (t *Tracker) rpcOK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpcEnabled
}

func (t *Tracker) emit(eventType string, documentID string, stage Stage, extra map[string]any) {
	if t.emitter == nil {
		return
	}
	payload := map[string]any{"document_id": documentID, "stage": string(stage)}
	for k, v := range extra {
		payload[k] = v
	}
	t.emitter.Emit(eventType, payload)
}

// normalizeProgress scales (0,1] to a percentage, clamps to [0,100], and
// coerces a nil/negative progress to 0 with progress_scale_adjusted noted
// in metadata when a rescale happened.
func normalizeProgress(raw *float64, metadata map[string]any) float64 {
	if raw == nil {
		return 0
	}
	v := *raw
	if v > 0 && v <= 1 {
		v *= 100
		if metadata != nil {
			metadata["progress_scale_adjusted"] = true
		}
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v
}

func (t *Tracker) upsert(ctx context.Context, documentID string, stage Stage, status Status, progress float64, metadata map[string]any, startedAt *time.Time) error {
	if !t.rpcOK() {
		return nil
	}
	err := t.db.UpsertStageStatus(ctx, &store.StageStatus{
		DocumentID: documentID,
		Stage:      string(stage),
		Status:     string(status),
		Progress:   progress,
		Metadata:   metadata,
		StartedAt:  startedAt,
	})
	t.maybeDisableRPC(err)
	if err != nil && !t.rpcOK() {
		return nil
	}
	return err
}

// StartStage marks a stage in_progress.
func (t *Tracker) StartStage(ctx context.Context, documentID string, stage Stage) error {
	now := time.Now()
	err := t.upsert(ctx, documentID, stage, StatusInProgress, 0, nil, &now)
	t.emit("stage_started", documentID, stage, nil)
	return err
}

// UpdateProgress reports a (possibly unscaled) progress value.
func (t *Tracker) UpdateProgress(ctx context.Context, documentID string, stage Stage, rawProgress *float64) error {
	metadata := map[string]any{}
	p := normalizeProgress(rawProgress, metadata)
	return t.upsert(ctx, documentID, stage, StatusInProgress, p, metadata, nil)
}

// CompleteStage marks a stage completed at 100%.
func (t *Tracker) CompleteStage(ctx context.Context, documentID string, stage Stage) error {
	err := t.upsert(ctx, documentID, stage, StatusCompleted, 100, nil, nil)
	t.emit("stage_completed", documentID, stage, nil)
	return err
}

// FailStage marks a stage failed, recording the error message.
func (t *Tracker) FailStage(ctx context.Context, documentID string, stage Stage, cause error) error {
	metadata := map[string]any{}
	if cause != nil {
		metadata["error"] = cause.Error()
	}
	err := t.upsert(ctx, documentID, stage, StatusFailed, 0, metadata, nil)
	t.emit("stage_failed", documentID, stage, metadata)
	return err
}

// SkipStage marks a stage skipped, e.g. because it is non-critical and a
// prior stage failed.
func (t *Tracker) SkipStage(ctx context.Context, documentID string, stage Stage) error {
	return t.upsert(ctx, documentID, stage, StatusSkipped, 0, nil, nil)
}

// GetProgress returns the current progress of a stage. Zero value on
// degraded mode or not-found, never an error on graceful degradation.
func (t *Tracker) GetProgress(ctx context.Context, documentID string, stage Stage) (Progress, error) {
	if !t.rpcOK() {
		return Progress{Stage: stage, Status: StatusPending}, nil
	}
	st, err := t.db.GetStageStatus(ctx, documentID, string(stage))
	t.maybeDisableRPC(err)
	if err != nil {
		if !t.rpcOK() {
			return Progress{Stage: stage, Status: StatusPending}, nil
		}
		return Progress{}, err
	}
	if st == nil {
		return Progress{Stage: stage, Status: StatusPending}, nil
	}
	return Progress{Stage: stage, Status: Status(st.Status), Progress: st.Progress, Metadata: st.Metadata}, nil
}

// GetCurrentStage returns the first non-completed, non-skipped stage in
// canonical order, or "" if every stage is done.
func (t *Tracker) GetCurrentStage(ctx context.Context, documentID string) (Stage, error) {
	for _, s := range AllStages() {
		p, err := t.GetProgress(ctx, documentID, s)
		if err != nil {
			return "", err
		}
		if p.Status != StatusCompleted && p.Status != StatusSkipped {
			return s, nil
		}
	}
	return "", nil
}

// CanStartStage reports whether stage is eligible to run: not already
// in_progress or completed.
func (t *Tracker) CanStartStage(ctx context.Context, documentID string, stage Stage) (bool, error) {
	p, err := t.GetProgress(ctx, documentID, stage)
	if err != nil {
		return false, err
	}
	return p.Status != StatusInProgress && p.Status != StatusCompleted, nil
}

// GetStageStatus is a thin alias over GetProgress's Status field.
func (t *Tracker) GetStageStatus(ctx context.Context, documentID string, stage Stage) (Status, error) {
	p, err := t.GetProgress(ctx, documentID, stage)
	return p.Status, err
}

// GetStatistics aggregates outcomes for stage across documentIDs.
func (t *Tracker) GetStatistics(ctx context.Context, stage Stage, documentIDs []string) (Statistics, error) {
	stats := Statistics{Stage: stage}
	for _, id := range documentIDs {
		p, err := t.GetProgress(ctx, id, stage)
		if err != nil {
			return Statistics{}, err
		}
		switch p.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusSkipped:
			stats.Skipped++
		case StatusInProgress:
			stats.InProgress++
		}
	}
	return stats, nil
}
