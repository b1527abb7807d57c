// Package perf implements the performance collector (C6): in-memory,
// per-process duration buffers and the sample-size-dependent percentile
// aggregation rules, mirroring the teacher's own buffered, no-external-
// queue metrics style.
package perf

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// Aggregates is a rounded percentile summary of a duration sample.
type Aggregates struct {
	Avg, P50, P95, P99 float64
}

// Summary pairs a buffer's duration aggregates with the outcome counts
// recorded under the same name, per spec.md §4.6's flush contract.
type Summary struct {
	Aggregates
	SuccessCount int
	FailureCount int
	SuccessRate  float64
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// Aggregate implements the exact sample-size rules: n==0 all zero; n<5
// uses max for p95/p99; 5<=n<100 uses floor(0.95n)/floor(0.99n) index
// quantiles; n>=100 uses 100-bucket indices 94/98.
func Aggregate(durations []time.Duration) Aggregates {
	n := len(durations)
	if n == 0 {
		return Aggregates{}
	}
	ms := make([]float64, n)
	var sum float64
	for i, d := range durations {
		v := float64(d) / float64(time.Millisecond)
		ms[i] = v
		sum += v
	}
	sort.Float64s(ms)

	avg := sum / float64(n)
	p50 := quantile(ms, 0.5)

	var p95, p99 float64
	switch {
	case n < 5:
		p95 = ms[n-1]
		p99 = ms[n-1]
	case n < 100:
		p95 = ms[int(math.Floor(0.95*float64(n)))]
		p99 = ms[int(math.Floor(0.99*float64(n)))]
	default:
		p95 = bucketQuantile(ms, 94)
		p99 = bucketQuantile(ms, 98)
	}

	return Aggregates{Avg: round3(avg), P50: round3(p50), P95: round3(p95), P99: round3(p99)}
}

func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	idx := int(math.Floor(q * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// bucketQuantile splits sorted into 100 equal buckets and returns the
// value at the start of bucket index.
func bucketQuantile(sorted []float64, bucket int) float64 {
	n := len(sorted)
	idx := (bucket * n) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// buffer is a mutex-guarded, name-keyed slice of durations.
type buffer struct {
	mu   sync.Mutex
	data map[string][]time.Duration
}

func newBuffer() *buffer {
	return &buffer{data: make(map[string][]time.Duration)}
}

func (b *buffer) record(name string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[name] = append(b.data[name], d)
}

func (b *buffer) flush() map[string][]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.data
	b.data = make(map[string][]time.Duration)
	return out
}

// Collector holds the three duration buffers (stage/db/api) plus the
// outcome buffer.
type Collector struct {
	stage *buffer
	db    *buffer
	api   *buffer

	mu       sync.Mutex
	outcomes map[string]map[string]int // name -> outcome -> count

	baselines store.BaselineStore
}

// New returns a Collector that persists baselines via baselines.
func New(baselines store.BaselineStore) *Collector {
	return &Collector{
		stage:     newBuffer(),
		db:        newBuffer(),
		api:       newBuffer(),
		outcomes:  make(map[string]map[string]int),
		baselines: baselines,
	}
}

func (c *Collector) RecordStage(name string, d time.Duration) { c.stage.record(name, d) }
func (c *Collector) RecordDB(name string, d time.Duration)    { c.db.record(name, d) }
func (c *Collector) RecordAPI(name string, d time.Duration)   { c.api.record(name, d) }

// RecordOutcome tallies a named outcome (e.g. "completed"/"failed") for name.
func (c *Collector) RecordOutcome(name, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes[name] == nil {
		c.outcomes[name] = make(map[string]int)
	}
	c.outcomes[name][outcome]++
}

// flushOutcomes clears and returns the success/failure counts recorded for
// name via RecordOutcome. "completed" and "skipped" count as success;
// everything else (typically "failed") counts as failure.
func (c *Collector) flushOutcomes(name string) (success, failure int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for outcome, n := range c.outcomes[name] {
		switch outcome {
		case "completed", "skipped":
			success += n
		default:
			failure += n
		}
	}
	delete(c.outcomes, name)
	return success, failure
}

// FlushStage clears and returns the per-name aggregates of the stage
// buffer, each paired with the success/failure counts RecordOutcome
// tallied under the same name.
func (c *Collector) FlushStage() map[string]Summary { return c.flushSummaries(c.stage) }

// FlushDB clears and returns the per-name aggregates of the db buffer,
// persisting each under a "db__" prefix per the shared baseline table.
func (c *Collector) FlushDB(ctx context.Context) map[string]Summary {
	return c.flushAndPersist(ctx, c.db, "db__")
}

// FlushAPI clears and returns the per-name aggregates of the api buffer,
// persisting each under an "api__" prefix.
func (c *Collector) FlushAPI(ctx context.Context) map[string]Summary {
	return c.flushAndPersist(ctx, c.api, "api__")
}

func summarize(agg Aggregates, success, failure int) Summary {
	s := Summary{Aggregates: agg, SuccessCount: success, FailureCount: failure}
	if total := success + failure; total > 0 {
		s.SuccessRate = round3(float64(success) / float64(total))
	}
	return s
}

func (c *Collector) flushSummaries(b *buffer) map[string]Summary {
	data := b.flush()
	out := make(map[string]Summary, len(data))
	for name, durations := range data {
		success, failure := c.flushOutcomes(name)
		out[name] = summarize(Aggregate(durations), success, failure)
	}
	return out
}

func (c *Collector) flushAndPersist(ctx context.Context, b *buffer, prefix string) map[string]Summary {
	data := b.flush()
	out := make(map[string]Summary, len(data))
	for name, durations := range data {
		agg := Aggregate(durations)
		success, failure := c.flushOutcomes(name)
		out[name] = summarize(agg, success, failure)
		if c.baselines == nil {
			continue
		}
		_ = c.baselines.UpsertBaseline(ctx, &store.PerformanceBaseline{
			Name:            prefix + name,
			MeasurementDate: time.Now().Truncate(24 * time.Hour),
			Avg:             agg.Avg,
			P50:             agg.P50,
			P95:             agg.P95,
			P99:             agg.P99,
			SampleSize:      len(durations),
		})
	}
	return out
}
