// Package store defines the database port (C1): a narrow interface over
// document/chunk/enrichment persistence plus the stored-procedure and
// advisory-lock primitives the rest of the pipeline core is built on.
// Two implementations satisfy Port: store/postgres (lib/pq + sqlx) and
// store/memory (in-process, used throughout the unit tests for every
// other component).
package store

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
)

// ErrorKind classifies a store-layer failure.
type ErrorKind string

const (
	ErrConnectionLost     ErrorKind = "connection_lost"
	ErrConstraintViolation ErrorKind = "constraint_violation"
	ErrNotFound           ErrorKind = "not_found"
	ErrTimeout            ErrorKind = "timeout"
	ErrOther              ErrorKind = "other"
)

// Error is a structured store-layer error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// RPCResult is the normalized result of a stored-procedure call.
type RPCResult struct {
	Rows []map[string]any
}

// Rows is a normalized result set from RawQuery.
type Rows struct {
	Columns []string
	Rows    []map[string]any
}

// CompletionMarker is the idempotency record tracked per document+stage.
type CompletionMarker struct {
	DocumentID     string
	Stage          string
	ContextHash    string
	Status         string
	ProcessingTime time.Duration
	RetryCount     int
	ProcessorVersion string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StageStatus is a single row of the per-document stage status map.
type StageStatus struct {
	DocumentID string
	Stage      string
	Status     string
	Progress   float64
	Metadata   map[string]any
	StartedAt  *time.Time
	UpdatedAt  time.Time
}

// AlertRule and AlertInstance model the alert engine's persisted state (C8).
type AlertRule struct {
	ID                      string
	Name                    string
	MetricKey               string
	ThresholdOperator       string
	Threshold               float64
	Severity                string
	ErrorTypes              []string
	Stages                  []string
	AggregationWindowMinutes int
	Enabled                 bool
}

type AlertInstance struct {
	ID               string
	RuleID           string
	AggregationKey   string
	AggregationCount int
	Severity         string
	Message          string
	Acknowledged     bool
	Dismissed        bool
	FirstOccurrence  time.Time
	LastOccurrence   time.Time
}

// PerformanceBaseline is a persisted percentile aggregate (C6).
type PerformanceBaseline struct {
	Name            string
	MeasurementDate time.Time
	Avg, P50, P95, P99 float64
	SampleSize      int
}

// DocumentStore persists Document rows.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	UpsertDocument(ctx context.Context, doc *domain.Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus) error
}

// ChunkStore, ImageStore, LinkStore, VideoStore persist enrichment rows.
type ChunkStore interface {
	CreateChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.BatchOutcome, error)
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

type ImageStore interface {
	CreateImages(ctx context.Context, images []domain.Image) ([]domain.BatchOutcome, error)
}

type LinkStore interface {
	CreateLinks(ctx context.Context, links []domain.Link) ([]domain.BatchOutcome, error)
}

type VideoStore interface {
	CreateVideos(ctx context.Context, videos []domain.Video) ([]domain.BatchOutcome, error)
}

// EmbeddingStore persists vector rows; batch writes report per-item
// outcomes rather than a single bool (partial batch success, §9).
type EmbeddingStore interface {
	CreateBatch(ctx context.Context, embeddings []domain.Embedding) ([]domain.BatchOutcome, error)
}

// ManufacturerStore, ProductStore, SeriesStore are the minimal catalog
// dedup-key tables.
type ManufacturerStore interface {
	GetOrCreateManufacturer(ctx context.Context, name string) (*domain.Manufacturer, error)
}

type ProductStore interface {
	GetOrCreateProduct(ctx context.Context, manufacturerID, name string) (*domain.Product, error)
}

type SeriesStore interface {
	GetOrCreateSeries(ctx context.Context, productID, name string) (*domain.Series, error)
}

// ErrorCodeStore reads the error-code lookup table.
type ErrorCodeStore interface {
	GetErrorCode(ctx context.Context, code string) (*domain.ErrorCode, error)
}

// IdempotencyStore is the completion-marker surface used by C2.
type IdempotencyStore interface {
	GetCompletionMarker(ctx context.Context, documentID, stage string) (*CompletionMarker, error)
	UpsertCompletionMarker(ctx context.Context, m *CompletionMarker) error
	DeleteCompletionMarker(ctx context.Context, documentID, stage string) error
	CleanupOldMarkers(ctx context.Context, olderThan time.Time) (int, error)
}

// StageStore is the stage-status surface used by C4.
type StageStore interface {
	GetStageStatus(ctx context.Context, documentID, stage string) (*StageStatus, error)
	UpsertStageStatus(ctx context.Context, s *StageStatus) error
	ListStageStatuses(ctx context.Context, documentID string) ([]StageStatus, error)
}

// AlertStore is the rule/instance surface used by C8.
type AlertStore interface {
	ListAlertRules(ctx context.Context) ([]AlertRule, error)
	UpsertAlertRule(ctx context.Context, r *AlertRule) error
	DeleteAlertRule(ctx context.Context, id string) error
	ListActiveAlerts(ctx context.Context, filter map[string]string) ([]AlertInstance, error)
	UpsertAlertInstance(ctx context.Context, a *AlertInstance) error
}

// BaselineStore is the performance-baseline surface used by C6.
type BaselineStore interface {
	UpsertBaseline(ctx context.Context, b *PerformanceBaseline) error
}

// Port is the full database port (C1): the union of every entity store
// plus the RPC/advisory-lock primitives shared by every component above.
type Port interface {
	DocumentStore
	ChunkStore
	ImageStore
	LinkStore
	VideoStore
	EmbeddingStore
	ManufacturerStore
	ProductStore
	SeriesStore
	ErrorCodeStore
	IdempotencyStore
	StageStore
	AlertStore
	BaselineStore

	// HasStoredProcedures reports whether the backing store exposes the
	// pipeline's stored procedures, probed once at construction.
	HasStoredProcedures() bool

	// ExecuteRPC calls a stored procedure by name.
	ExecuteRPC(ctx context.Context, name string, params map[string]any) (RPCResult, error)

	// RawQuery runs a parameterized query, normalizing ":param" style
	// placeholders for whichever backend is in use.
	RawQuery(ctx context.Context, query string, args map[string]any) (Rows, error)

	// TryAdvisoryLock/AdvisoryUnlock wrap Postgres's session-scoped
	// advisory lock primitives.
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error

	Close() error
}

// LockKey derives a stable advisory-lock key from a document id and
// stage name via FNV-1a, folded into the signed int64 range accepted by
// pg_advisory_lock.
func LockKey(documentID, stage string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(documentID + ":" + stage))
	v := h.Sum64()
	return int64(v >> 1) // fold into the positive int64 range
}
