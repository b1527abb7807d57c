package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/alertsvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/idempotency"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/perf"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/retry"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
)

type stubProcessor struct {
	stage   stagetracker.Stage
	crit    bool
	errs    []error // consumed in order, one per Process call; last repeats once exhausted
	calls   int
	cleaned int
}

func (p *stubProcessor) Process(_ context.Context, _ *domain.ProcessingContext) (*domain.Result, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return &domain.Result{Status: domain.ResultFailed}, p.errs[i]
	}
	return &domain.Result{Status: domain.ResultCompleted}, nil
}
func (p *stubProcessor) StageName() stagetracker.Stage { return p.stage }
func (p *stubProcessor) Critical() bool                { return p.crit }
func (p *stubProcessor) RetryPolicyID() string         { return "default" }
func (p *stubProcessor) Cleanup(context.Context, *domain.ProcessingContext) error {
	p.cleaned++
	return nil
}

func newRunner(db store.Port) *BaseRunner {
	return &BaseRunner{
		DB:           db,
		Idempotency:  idempotency.New(db),
		Orchestrator: retry.New(db, retry.Policy{MaxRetries: 2, BaseDelay: 0}, 2),
		Perf:         perf.New(db),
		Tracker:      stagetracker.New(db, nil),
		Alerts:       alertsvc.New(db, metricssvc.New(db), nil, nil),
		Version:      "test",
	}
}

func TestSafeProcessCompletesAndWritesMarker(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	p := &stubProcessor{stage: stagetracker.StageUpload}

	res, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, res.Status)
	assert.Equal(t, 0, res.RetryCount)

	marker, err := db.GetCompletionMarker(context.Background(), "doc-1", string(stagetracker.StageUpload))
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, string(domain.ResultCompleted), marker.Status)
}

func TestSafeProcessSkipsWhenAlreadyCompletedWithSameContext(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	p := &stubProcessor{stage: stagetracker.StageUpload}
	pc := &domain.ProcessingContext{DocumentID: "doc-1", FileHash: "h1"}

	_, err := runner.SafeProcess(context.Background(), p, pc)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)

	res, err := runner.SafeProcess(context.Background(), p, pc)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSkipped, res.Status)
	assert.Equal(t, 1, p.calls, "process must not run again for an unchanged context")
}

func TestSafeProcessCleansUpOnContextHashChange(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	p := &stubProcessor{stage: stagetracker.StageUpload}

	_, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1", FileHash: "h1"})
	require.NoError(t, err)

	_, err = runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1", FileHash: "h2"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.cleaned, "expected Cleanup to run once the context hash changed")
	assert.Equal(t, 2, p.calls)
}

func TestSafeProcessRetriesTransientFailureSynchronouslyThenSucceeds(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	p := &stubProcessor{stage: stagetracker.StageUpload, errs: []error{retry.MarkTransient(errors.New("flaky"))}}

	res, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, res.Status)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, 2, p.calls)

	marker, err := db.GetCompletionMarker(context.Background(), "doc-1", string(stagetracker.StageUpload))
	require.NoError(t, err)
	assert.Equal(t, 1, marker.RetryCount)
}

func TestSafeProcessPermanentFailureFailsImmediatelyAndAlerts(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	p := &stubProcessor{stage: stagetracker.StageUpload, errs: []error{retry.MarkPermanent(errors.New("fatal"))}}

	res, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1"})
	require.Error(t, err)
	assert.Equal(t, domain.ResultFailed, res.Status)
	assert.Equal(t, 1, p.calls, "a permanent failure must not be retried")

	alerts, err := db.ListActiveAlerts(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, alerts, "expected a permanent failure to raise an alert")
}

func TestSafeProcessEscalatesPersistentTransientFailureToAsync(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	// Both the initial attempt and RunSync's single synchronous retry fail
	// transiently, so SafeProcess must escalate to the background half
	// instead of returning a terminal failure.
	p := &stubProcessor{
		stage: stagetracker.StageUpload,
		errs: []error{
			retry.MarkTransient(errors.New("flaky 1")),
			retry.MarkTransient(errors.New("flaky 2")),
		},
	}

	res, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1"})
	require.NoError(t, err, "an escalated retry must not surface as a stage error")
	assert.Equal(t, domain.ResultInProgress, res.Status)
}

func TestSafeProcessDegradesGracefullyWithoutStore(t *testing.T) {
	runner := &BaseRunner{Version: "test"}
	p := &stubProcessor{stage: stagetracker.StageUpload}

	res, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, res.Status)
	assert.Equal(t, 1, p.calls)
}

func TestSafeProcessReturnsInProgressWhenLockHeld(t *testing.T) {
	db := memory.New()
	runner := newRunner(db)
	_, err := db.TryAdvisoryLock(context.Background(), store.LockKey("doc-1", string(stagetracker.StageUpload)))
	require.NoError(t, err)

	p := &stubProcessor{stage: stagetracker.StageUpload}
	res, err := runner.SafeProcess(context.Background(), p, &domain.ProcessingContext{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultInProgress, res.Status)
	assert.Equal(t, 0, p.calls, "process must not run while another worker holds the lock")
}
