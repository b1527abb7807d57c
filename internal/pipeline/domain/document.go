// Package domain holds the data model shared across the pipeline core:
// documents, processing context/results, and the catalog dedup keys the
// store surfaces to processors.
package domain

import "time"

// SourceType enumerates how a document entered the pipeline.
type SourceType string

const (
	SourceUpload    SourceType = "upload"
	SourceWatchFolder SourceType = "watch_folder"
	SourceAPI       SourceType = "api"
	SourceUnknown   SourceType = "unknown"
)

// IsValid reports whether s is one of the recognized source types.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceUpload, SourceWatchFolder, SourceAPI:
		return true
	default:
		return false
	}
}

// ParseSourceType normalizes a persisted value, falling back to
// SourceUnknown for anything not recognized rather than erroring —
// string-keyed enums must never reject a read of older data.
func ParseSourceType(raw string) SourceType {
	s := SourceType(raw)
	if s.IsValid() {
		return s
	}
	return SourceUnknown
}

// DocumentStatus is the overall lifecycle status of a document moving
// through the pipeline.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
	DocumentCancelled  DocumentStatus = "cancelled"
	DocumentUnknown    DocumentStatus = "unknown"
)

func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentPending, DocumentProcessing, DocumentCompleted, DocumentFailed, DocumentCancelled:
		return true
	default:
		return false
	}
}

func ParseDocumentStatus(raw string) DocumentStatus {
	s := DocumentStatus(raw)
	if s.IsValid() {
		return s
	}
	return DocumentUnknown
}

// Document is the top-level record tracked by the pipeline.
type Document struct {
	ID             string
	FilePath       string
	FileHash       string
	FileSize       int64
	Manufacturer   string
	Model          string
	Series         string
	Version        string
	SourceType     SourceType
	Status         DocumentStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProcessingContext is the immutable input handed to every stage
// processor. Its key-sorted subset is what idempotency hashing covers.
type ProcessingContext struct {
	DocumentID    string
	FilePath      string
	FileHash      string
	FileSize      int64
	Manufacturer  string
	Model         string
	Series        string
	Version       string
	RequestID     string
	CorrelationID string
	RetryAttempt  int
	ErrorID       string
	Metadata      map[string]any
}

// ResultStatus enumerates the outcome of a single stage execution.
type ResultStatus string

const (
	ResultCompleted  ResultStatus = "completed"
	ResultFailed     ResultStatus = "failed"
	ResultSkipped    ResultStatus = "skipped"
	ResultInProgress ResultStatus = "in_progress"
)

// Result is what a processor returns from Process.
type Result struct {
	Status         ResultStatus
	Data           map[string]any
	Error          error
	ProcessingTime time.Duration
	RetryCount     int
}

// Chunk, Image, Link, Video, Table, Embedding model the enrichment
// artifacts produced by downstream stages. The core only needs enough
// shape to persist and hand back to callers — the business meaning of
// each is owned by the external content-processor collaborators.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	TokenCount int
}

type Image struct {
	ID         string
	DocumentID string
	URL        string
	Caption    string
}

type Link struct {
	ID         string
	DocumentID string
	URL        string
	Text       string
}

type Video struct {
	ID         string
	DocumentID string
	URL        string
}

type Table struct {
	ID         string
	DocumentID string
	Rows       [][]string
}

// Embedding is a single vector row. Vector is sent to Postgres/pgvector
// as a literal string (e.g. "[0.1,0.2,...]") by the store layer — callers
// never format vectors themselves.
type Embedding struct {
	ID         string
	DocumentID string
	ChunkID    string
	Vector     []float32
}

// BatchOutcome reports the per-item result of a batch write, so partial
// batch success never collapses to a single bool.
type BatchOutcome struct {
	Index int
	Err   error
}

// Manufacturer, Product, Series are minimal catalog dedup keys — the
// core only needs identity and parentage, not catalog business logic.
type Manufacturer struct {
	ID   string
	Name string
}

type Product struct {
	ID             string
	Name           string
	ManufacturerID string
}

type Series struct {
	ID        string
	Name      string
	ProductID string
}

// ErrorCode is a narrow lookup-table row the core reads when logging
// classified errors.
type ErrorCode struct {
	Code        string
	Description string
	Category    string
}
