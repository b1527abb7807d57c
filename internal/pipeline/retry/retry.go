// Package retry implements the retry orchestrator and error classifier
// (C3): error classification, full-jitter backoff, and the hybrid
// synchronous-then-asynchronous retry model. Grounded on the teacher's
// internal/app/core/service bounded-attempt retry helper, generalized to
// classification-aware branching and to the pipeline's advisory-lock
// reacquisition semantics.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/pipelineerr"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// Classification groups errors into retry-relevant buckets.
type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
	Unknown   Classification = "unknown"
)

// transientErr/permanentErr let callers mark errors explicitly without
// inventing a new sentinel-matching scheme.
type transientErr struct{ err error }

func (t *transientErr) Error() string { return t.err.Error() }
func (t *transientErr) Unwrap() error { return t.err }

type permanentErr struct{ err error }

func (p *permanentErr) Error() string { return p.err.Error() }
func (p *permanentErr) Unwrap() error { return p.err }

// MarkTransient/MarkPermanent wrap err so Classify recognizes it
// regardless of its underlying type.
func MarkTransient(err error) error { return &transientErr{err} }
func MarkPermanent(err error) error { return &permanentErr{err} }

// Classify inspects err and returns its Classification. Unknown is never
// promoted to Transient here, and neither RunSync nor ScheduleAsync
// retries an Unknown error: only Transient errors are retried.
func Classify(err error) Classification {
	if err == nil {
		return Unknown
	}
	var t *transientErr
	if errors.As(err, &t) {
		return Transient
	}
	var p *permanentErr
	if errors.As(err, &p) {
		return Permanent
	}
	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		switch storeErr.Kind {
		case store.ErrConnectionLost, store.ErrTimeout:
			return Transient
		case store.ErrConstraintViolation, store.ErrNotFound:
			return Permanent
		}
	}
	var httpErr *pipelineerr.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= 500 {
			return Transient
		}
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Unknown
}

// Policy configures retry timing.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// DefaultPolicy matches the pipeline's default hybrid retry behavior:
// one synchronous retry, then up to four asynchronous attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

// NextDelay implements full jitter: min(MaxDelay, rand(0, BaseDelay*2^attempt)).
func NextDelay(attempt int, p Policy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	cap := float64(p.MaxDelay)
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > cap {
		backoff = cap
	}
	if !p.Jitter {
		return time.Duration(backoff)
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(mrand.Int63n(int64(backoff) + 1))
}

// CorrelationID produces a req_<8hex>.<stage>.retry_<N> identifier.
func CorrelationID(stage string, attempt int) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("req_%s.%s.retry_%d", hex.EncodeToString(buf), stage, attempt)
}

// Orchestrator runs the hybrid sync/async retry model against a
// store.Port for advisory-lock reacquisition.
type Orchestrator struct {
	db       store.Port
	policy   Policy
	pool     *workerPool
}

// New returns an Orchestrator with workers background workers for
// ScheduleAsync.
func New(db store.Port, policy Policy, workers int) *Orchestrator {
	return &Orchestrator{db: db, policy: policy, pool: newWorkerPool(workers)}
}

// RunSync executes fn, and on a first transient failure retries exactly
// once synchronously. It reports how many attempts it made (1 or 2)
// alongside the final error so callers can populate retry_count; a
// permanent or unknown failure is returned immediately after one attempt.
func (o *Orchestrator) RunSync(ctx context.Context, fn func(context.Context) error) (int, error) {
	err := fn(ctx)
	if err == nil {
		return 1, nil
	}
	if Classify(err) != Transient {
		return 1, err
	}
	select {
	case <-time.After(NextDelay(0, o.policy)):
	case <-ctx.Done():
		return 1, ctx.Err()
	}
	return 2, fn(ctx)
}

// ScheduleAsync submits fn to the bounded worker pool, continuing the
// hybrid model's background half: the synchronous retry in RunSync
// already ran once and failed transiently, so this resumes from attempt
// 2. Each attempt re-acquires the advisory lock for documentID/stage
// before running fn; if the lock is unavailable the attempt exits
// without requeuing, because another worker already owns the stage.
// onGiveUp, when non-nil, is invoked once with the final error when the
// loop stops without fn ever succeeding — either a permanent
// classification or MaxRetries exhaustion — so the caller can raise an
// alert exactly once per abandoned background retry chain.
func (o *Orchestrator) ScheduleAsync(ctx context.Context, documentID, stage string, fn func(context.Context) error, onGiveUp func(error)) {
	o.pool.submit(func() {
		key := store.LockKey(documentID, stage)
		var lastErr error
		for attempt := 2; attempt <= o.policy.MaxRetries; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(NextDelay(attempt, o.policy)):
			}

			acquired, err := o.db.TryAdvisoryLock(ctx, key)
			if err != nil || !acquired {
				return
			}
			runErr := fn(ctx)
			_ = o.db.AdvisoryUnlock(ctx, key)

			if runErr == nil {
				return
			}
			lastErr = runErr
			if Classify(runErr) == Permanent {
				if onGiveUp != nil {
					onGiveUp(runErr)
				}
				return
			}
		}
		if lastErr != nil && onGiveUp != nil {
			onGiveUp(lastErr)
		}
	})
}

// Close waits for in-flight async work to drain.
func (o *Orchestrator) Close() { o.pool.close() }

// workerPool is a minimal bounded goroutine pool — the teacher idiom from
// infrastructure/service style runners, adapted here for retry fan-out.
type workerPool struct {
	tasks chan func()
	done  chan struct{}
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	p := &workerPool{tasks: make(chan func(), workers*4), done: make(chan struct{})}
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *workerPool) loop() {
	for task := range p.tasks {
		task()
	}
}

func (p *workerPool) submit(task func()) {
	select {
	case p.tasks <- task:
	case <-p.done:
	}
}

func (p *workerPool) close() {
	close(p.tasks)
	close(p.done)
}
