// Package processor implements the base processor framework (C5): the
// Processor interface every stage implementation satisfies, and
// BaseRunner, which wraps Process with idempotency, advisory locking,
// retry, completion-marker writes, and best-effort metric emission.
package processor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/alertsvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/idempotency"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/perf"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/retry"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
	"github.com/R3E-Network/document-pipeline-core/infrastructure/logging"
)

// Processor is the narrow interface every stage implementation
// satisfies. Cleanup resolves the cleanup-hook open question: markers
// stay purely advisory, but processors with real artifacts (temp files,
// partial embeddings) get a hook BaseRunner calls whenever a data-hash
// mismatch triggers a re-run. The default no-op is satisfied by embedding
// NoopCleanup.
type Processor interface {
	Process(ctx context.Context, pc *domain.ProcessingContext) (*domain.Result, error)
	StageName() stagetracker.Stage
	Critical() bool
	RetryPolicyID() string
	Cleanup(ctx context.Context, pc *domain.ProcessingContext) error
}

// NoopCleanup can be embedded by processors with no artifacts to clean up.
type NoopCleanup struct{}

func (NoopCleanup) Cleanup(context.Context, *domain.ProcessingContext) error { return nil }

// BaseRunner implements the shared SafeProcess algorithm: request-id
// generation, idempotency decision, advisory-lock acquisition, hybrid
// retry, completion-marker writes, and best-effort metrics — errors from
// any of those never fail the stage itself.
type BaseRunner struct {
	DB           store.Port
	Idempotency  *idempotency.Checker
	Orchestrator *retry.Orchestrator
	Perf         *perf.Collector
	Tracker      *stagetracker.Tracker
	Alerts       *alertsvc.Service
	Logger       *logging.Logger
	Version      string
}

func newRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// SafeProcess runs p.Process with the full safety envelope described
// above. When DB is unreachable it degrades gracefully: Process runs
// once with no locks/markers/retries, a warning is logged, and the real
// outcome is still returned.
func (r *BaseRunner) SafeProcess(ctx context.Context, p Processor, pc *domain.ProcessingContext) (*domain.Result, error) {
	stage := p.StageName()
	pc.RequestID = newRequestID()

	if r.DB == nil {
		if r.Logger != nil {
			r.Logger.WithFields(map[string]interface{}{"stage": string(stage), "document_id": pc.DocumentID}).
				Warn("store unavailable, running stage without safety envelope")
		}
		return r.runOnce(ctx, p, pc)
	}

	contextHash := idempotency.ComputeContextHash(*pc)
	existing, _, err := r.Idempotency.Get(ctx, pc.DocumentID, string(stage))
	if err == nil && idempotency.ShouldSkip(existing, *pc) {
		return &domain.Result{Status: domain.ResultSkipped}, nil
	}
	if existing != nil && existing.ContextHash != contextHash {
		_ = p.Cleanup(ctx, pc)
	}

	lockKey := store.LockKey(pc.DocumentID, string(stage))
	acquired, lockErr := r.DB.TryAdvisoryLock(ctx, lockKey)
	if lockErr == nil && !acquired {
		return &domain.Result{Status: domain.ResultInProgress}, nil
	}
	if acquired {
		defer func() { _ = r.DB.AdvisoryUnlock(ctx, lockKey) }()
	}

	if r.Tracker != nil {
		_ = r.Tracker.StartStage(ctx, pc.DocumentID, stage)
	}

	pc.CorrelationID = retry.CorrelationID(string(stage), 0)

	start := time.Now()
	var result *domain.Result
	var runErr error
	attemptNum := 0
	runStage := func(rctx context.Context) error {
		pc.RetryAttempt = attemptNum
		if attemptNum > 0 {
			pc.CorrelationID = retry.CorrelationID(string(stage), attemptNum)
		}
		attemptNum++
		result, runErr = r.runOnce(rctx, p, pc)
		return runErr
	}

	var attempts int
	if r.Orchestrator != nil {
		attempts, runErr = r.Orchestrator.RunSync(ctx, runStage)
	} else {
		attempts = 1
		runErr = runStage(ctx)
	}
	elapsed := time.Since(start)
	retryCount := attempts - 1

	if r.Perf != nil {
		r.Perf.RecordStage(string(stage), elapsed)
	}

	marker := &store.CompletionMarker{
		DocumentID:       pc.DocumentID,
		Stage:            string(stage),
		ContextHash:      contextHash,
		ProcessingTime:   elapsed,
		RetryCount:       retryCount,
		ProcessorVersion: r.Version,
	}
	if runErr != nil {
		marker.Status = string(domain.ResultFailed)
		_ = r.Idempotency.Upsert(ctx, marker)
		if r.Tracker != nil {
			_ = r.Tracker.FailStage(ctx, pc.DocumentID, stage, runErr)
		}
		if r.Perf != nil {
			r.Perf.RecordOutcome(string(stage), "failed")
		}

		// The synchronous half of the hybrid retry model already ran once
		// (RunSync's internal retry). A still-transient failure escalates
		// to the background half instead of giving up immediately.
		if r.Orchestrator != nil && retry.Classify(runErr) == retry.Transient {
			r.scheduleAsyncRetry(*pc, p, stage, contextHash, attempts)
			return &domain.Result{Status: domain.ResultInProgress, RetryCount: retryCount}, nil
		}

		r.queueFailureAlert(ctx, stage, runErr)
		if result == nil {
			result = &domain.Result{Status: domain.ResultFailed, Error: runErr}
		}
		result.RetryCount = retryCount
		return result, runErr
	}

	marker.Status = string(domain.ResultCompleted)
	_ = r.Idempotency.Upsert(ctx, marker)
	if r.Tracker != nil {
		_ = r.Tracker.CompleteStage(ctx, pc.DocumentID, stage)
	}
	if r.Perf != nil {
		r.Perf.RecordOutcome(string(stage), "completed")
	}
	if result != nil {
		result.ProcessingTime = elapsed
		result.RetryCount = retryCount
	}
	return result, nil
}

// scheduleAsyncRetry resumes the hybrid retry model's background half
// after RunSync's single synchronous retry still failed transiently. pc
// is passed by value: the background task owns its own copy so it never
// races the caller, who has already gotten its ResultInProgress back.
func (r *BaseRunner) scheduleAsyncRetry(pc domain.ProcessingContext, p Processor, stage stagetracker.Stage, contextHash string, startingAttempt int) {
	documentID := pc.DocumentID
	attempt := startingAttempt
	r.Orchestrator.ScheduleAsync(context.Background(), documentID, string(stage), func(actx context.Context) error {
		pc.RetryAttempt = attempt
		pc.CorrelationID = retry.CorrelationID(string(stage), attempt)
		attempt++

		start := time.Now()
		_, runErr := r.runOnce(actx, p, &pc)
		elapsed := time.Since(start)
		if r.Perf != nil {
			r.Perf.RecordStage(string(stage), elapsed)
		}

		marker := &store.CompletionMarker{
			DocumentID:       documentID,
			Stage:            string(stage),
			ContextHash:      contextHash,
			ProcessingTime:   elapsed,
			RetryCount:       attempt - 1,
			ProcessorVersion: r.Version,
		}
		if runErr != nil {
			marker.Status = string(domain.ResultFailed)
			_ = r.Idempotency.Upsert(actx, marker)
			if r.Tracker != nil {
				_ = r.Tracker.FailStage(actx, documentID, stage, runErr)
			}
			if r.Perf != nil {
				r.Perf.RecordOutcome(string(stage), "failed")
			}
			return runErr
		}

		marker.Status = string(domain.ResultCompleted)
		_ = r.Idempotency.Upsert(actx, marker)
		if r.Tracker != nil {
			_ = r.Tracker.CompleteStage(actx, documentID, stage)
		}
		if r.Perf != nil {
			r.Perf.RecordOutcome(string(stage), "completed")
		}
		return nil
	}, func(finalErr error) {
		r.queueFailureAlert(context.Background(), stage, finalErr)
	})
}

// queueFailureAlert raises an aggregated alert for a stage failure via
// the alert service (C8), best-effort: alerting never fails the stage.
func (r *BaseRunner) queueFailureAlert(ctx context.Context, stage stagetracker.Stage, cause error) {
	if r.Alerts == nil || cause == nil {
		return
	}
	severity := "warning"
	if retry.Classify(cause) == retry.Permanent {
		severity = "critical"
	}
	_, _ = r.Alerts.QueueAlert(ctx, alertsvc.ErrorEvent{
		ErrorType: string(retry.Classify(cause)),
		Stage:     string(stage),
		Severity:  severity,
		Message:   cause.Error(),
	})
}

func (r *BaseRunner) runOnce(ctx context.Context, p Processor, pc *domain.ProcessingContext) (*domain.Result, error) {
	res, err := p.Process(ctx, pc)
	if err != nil {
		return res, fmt.Errorf("stage %s: %w", p.StageName(), err)
	}
	return res, nil
}
