// Package sequencer implements the stage sequencer (C11): it drives one
// document through the canonical stage order, consulting the stage
// tracker before each stage and deciding whether a failure halts the
// document (critical stage) or only skips forward (non-critical stage).
// Grounded on original_source's backend/processors/pipeline_orchestrator.py
// for the critical/non-critical continuation rule.
package sequencer

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/processor"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
)

// Registry resolves a stage to the processor.Processor that implements it.
type Registry map[stagetracker.Stage]processor.Processor

// Sequencer runs documents through every registered stage in canonical
// order, with per-document cancellation and a bounded worker pool.
type Sequencer struct {
	runner   *processor.BaseRunner
	registry Registry
	critical map[stagetracker.Stage]bool

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns a Sequencer. maxConcurrent bounds how many documents can be
// in flight at once; critical marks which stages abort the whole
// document on failure.
func New(runner *processor.BaseRunner, registry Registry, critical map[stagetracker.Stage]bool, maxConcurrent int) *Sequencer {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Sequencer{
		runner:   runner,
		registry: registry,
		critical: critical,
		sem:      make(chan struct{}, maxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Outcome summarizes what happened to a document's run.
type Outcome struct {
	DocumentID     string
	CompletedStages []stagetracker.Stage
	SkippedStages   []stagetracker.Stage
	FailedStage     stagetracker.Stage
	Err             error
}

// Run drives pc.DocumentID through every canonical stage in order,
// acquiring a worker-pool slot and registering a cancellation handle for
// the duration of the run.
func (s *Sequencer) Run(ctx context.Context, pc *domain.ProcessingContext) Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[pc.DocumentID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, pc.DocumentID)
		s.mu.Unlock()
		cancel()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-runCtx.Done():
		return Outcome{DocumentID: pc.DocumentID, Err: runCtx.Err()}
	}

	out := Outcome{DocumentID: pc.DocumentID}

	for _, stage := range stagetracker.AllStages() {
		if runCtx.Err() != nil {
			out.Err = runCtx.Err()
			return out
		}

		canStart, err := s.runner.Tracker.CanStartStage(runCtx, pc.DocumentID, stage)
		if err != nil {
			out.Err = fmt.Errorf("checking stage %s: %w", stage, err)
			return out
		}
		if !canStart {
			continue
		}

		p, ok := s.registry[stage]
		if !ok {
			// No processor registered for this stage in this deployment —
			// treat it like a non-critical skip rather than failing the
			// whole document.
			_ = s.runner.Tracker.SkipStage(runCtx, pc.DocumentID, stage)
			out.SkippedStages = append(out.SkippedStages, stage)
			continue
		}

		result, err := s.runner.SafeProcess(runCtx, p, pc)
		if err != nil {
			if s.critical[stage] {
				out.FailedStage = stage
				out.Err = err
				return out
			}
			_ = s.runner.Tracker.SkipStage(runCtx, pc.DocumentID, stage)
			out.SkippedStages = append(out.SkippedStages, stage)
			continue
		}

		if result != nil && result.Status == domain.ResultInProgress {
			// Another worker already owns this stage; stop advancing this
			// document for now rather than racing it.
			return out
		}
		if result != nil && result.Status == domain.ResultSkipped {
			out.SkippedStages = append(out.SkippedStages, stage)
			continue
		}
		out.CompletedStages = append(out.CompletedStages, stage)
	}
	return out
}

// Cancel stops an in-flight Run for documentID, if one is running.
func (s *Sequencer) Cancel(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[documentID]
	if ok {
		cancel()
	}
	return ok
}
