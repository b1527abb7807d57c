// Package metricssvc implements the metrics service (C7): a read-through
// cache over pipeline/queue/stage/data-quality/hardware metrics. Hardware
// metrics are sourced via github.com/shirou/gopsutil/v3 — a dependency
// the teacher already carries for its own hardware-threshold alert
// checks, generalized here to the pipeline's monitoring surface.
package metricssvc

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

const (
	coarseTTL    = 5 * time.Second
	hardwareTTL  = 1 * time.Second
)

// PipelineMetrics, QueueMetrics, StageMetrics, DataQualityMetrics,
// HardwareMetrics are zero-valued on any upstream error rather than
// propagating it — the dashboard degrades, it never breaks.
type PipelineMetrics struct {
	DocumentsProcessed int
	DocumentsFailed    int
	SuccessRate        float64
}

type QueueMetrics struct {
	Depth       int
	OldestAgeMS int64
}

type StageMetrics struct {
	Stage      string
	AvgMS      float64
	P95MS      float64
	FailureRate float64
}

type DataQualityMetrics struct {
	DuplicateCount  int
	ValidationErrors int
}

type HardwareMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Service is the read-through, TTL-cached metrics surface.
type Service struct {
	db store.Port

	mu    sync.RWMutex
	cache map[string]cacheEntry

	stop chan struct{}
}

// New returns a Service and starts its one-minute background sweep.
func New(db store.Port) *Service {
	s := &Service{db: db, cache: make(map[string]cacheEntry), stop: make(chan struct{})}
	go s.sweepLoop()
	return s
}

func (s *Service) sweepLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.purgeExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) purgeExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.cache {
		if now.After(e.expiresAt) {
			delete(s.cache, k)
		}
	}
}

// Close stops the background sweep.
func (s *Service) Close() { close(s.stop) }

func (s *Service) getCached(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (s *Service) setCached(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// InvalidateCache drops a single cache key.
func (s *Service) InvalidateCache(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
}

// InvalidateAll clears the entire cache.
func (s *Service) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

func rpcRow(res store.RPCResult) map[string]any {
	if len(res.Rows) == 0 {
		return nil
	}
	return res.Rows[0]
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toInt(v any) int { return int(toFloat(v)) }

// GetPipelineMetrics returns overall pipeline throughput metrics.
func (s *Service) GetPipelineMetrics(ctx context.Context) PipelineMetrics {
	const key = "pipeline"
	if v, ok := s.getCached(key); ok {
		return v.(PipelineMetrics)
	}
	var out PipelineMetrics
	if res, err := s.db.ExecuteRPC(ctx, "get_pipeline_metrics", nil); err == nil {
		if row := rpcRow(res); row != nil {
			out.DocumentsProcessed = toInt(row["documents_processed"])
			out.DocumentsFailed = toInt(row["documents_failed"])
			out.SuccessRate = toFloat(row["success_rate"])
		}
	}
	s.setCached(key, out, coarseTTL)
	return out
}

// GetQueueMetrics returns queue depth metrics.
func (s *Service) GetQueueMetrics(ctx context.Context) QueueMetrics {
	const key = "queue"
	if v, ok := s.getCached(key); ok {
		return v.(QueueMetrics)
	}
	var out QueueMetrics
	if res, err := s.db.ExecuteRPC(ctx, "get_queue_metrics", nil); err == nil {
		if row := rpcRow(res); row != nil {
			out.Depth = toInt(row["depth"])
			out.OldestAgeMS = int64(toFloat(row["oldest_age_ms"]))
		}
	}
	s.setCached(key, out, coarseTTL)
	return out
}

// GetStageMetrics returns per-stage timing/failure metrics.
func (s *Service) GetStageMetrics(ctx context.Context, stage string) StageMetrics {
	key := "stage:" + stage
	if v, ok := s.getCached(key); ok {
		return v.(StageMetrics)
	}
	out := StageMetrics{Stage: stage}
	if res, err := s.db.ExecuteRPC(ctx, "get_stage_metrics", map[string]any{"stage": stage}); err == nil {
		if row := rpcRow(res); row != nil {
			out.AvgMS = toFloat(row["avg_ms"])
			out.P95MS = toFloat(row["p95_ms"])
			out.FailureRate = toFloat(row["failure_rate"])
		}
	}
	s.setCached(key, out, coarseTTL)
	return out
}

// GetDataQualityMetrics returns duplicate/validation-error counters.
func (s *Service) GetDataQualityMetrics(ctx context.Context) DataQualityMetrics {
	const key = "data_quality"
	if v, ok := s.getCached(key); ok {
		return v.(DataQualityMetrics)
	}
	var out DataQualityMetrics
	if res, err := s.db.ExecuteRPC(ctx, "get_data_quality_metrics", nil); err == nil {
		if row := rpcRow(res); row != nil {
			out.DuplicateCount = toInt(row["duplicate_count"])
			out.ValidationErrors = toInt(row["validation_errors"])
		}
	}
	s.setCached(key, out, coarseTTL)
	return out
}

// GetHardwareMetrics returns host CPU/memory utilization via gopsutil.
func (s *Service) GetHardwareMetrics(ctx context.Context) HardwareMetrics {
	const key = "hardware"
	if v, ok := s.getCached(key); ok {
		return v.(HardwareMetrics)
	}
	var out HardwareMetrics
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryPercent = vm.UsedPercent
	}
	s.setCached(key, out, hardwareTTL)
	return out
}
