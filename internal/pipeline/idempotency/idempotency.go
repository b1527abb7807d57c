// Package idempotency implements the completion-marker checker (C2):
// content-hash computation and the get/upsert/delete/cleanup surface
// backing per-document, per-stage idempotency decisions. Grounded on
// original_source's backend/core/idempotency.py.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// hashInput is the key-sorted subset of ProcessingContext that feeds the
// content hash. Field order here is fixed (Go struct field order is
// stable across encodes), matching the stable encoder requirement.
type hashInput struct {
	DocumentID   string `json:"document_id"`
	FileHash     string `json:"file_hash"`
	FilePath     string `json:"file_path"`
	FileSize     int64  `json:"file_size"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Series       string `json:"series"`
	Version      string `json:"version"`
}

// ComputeContextHash returns the 64-character lowercase hex SHA-256 of
// the stable JSON encoding of ctx's idempotency-relevant fields.
func ComputeContextHash(ctx domain.ProcessingContext) string {
	in := hashInput{
		DocumentID:   ctx.DocumentID,
		FilePath:     ctx.FilePath,
		FileHash:     ctx.FileHash,
		FileSize:     ctx.FileSize,
		Manufacturer: ctx.Manufacturer,
		Model:        ctx.Model,
		Series:       ctx.Series,
		Version:      ctx.Version,
	}
	// json.Marshal on a struct is already stable (fixed field order);
	// no map involved so no key-sort ambiguity to guard against.
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Marker is the application-facing completion marker.
type Marker = store.CompletionMarker

// Checker wraps a store.Port to provide the idempotency decision surface.
type Checker struct {
	db store.IdempotencyStore
}

// New returns a Checker backed by db.
func New(db store.IdempotencyStore) *Checker {
	return &Checker{db: db}
}

// Get returns the marker for documentID/stage. No marker is (nil, false,
// nil) — never an error.
func (c *Checker) Get(ctx context.Context, documentID, stage string) (*Marker, bool, error) {
	m, err := c.db.GetCompletionMarker(ctx, documentID, stage)
	if err != nil {
		return nil, false, err
	}
	if m == nil {
		return nil, false, nil
	}
	return m, true, nil
}

// Upsert writes or updates a completion marker.
func (c *Checker) Upsert(ctx context.Context, m *Marker) error {
	return c.db.UpsertCompletionMarker(ctx, m)
}

// Delete removes a completion marker, e.g. to force a stage to re-run.
func (c *Checker) Delete(ctx context.Context, documentID, stage string) error {
	return c.db.DeleteCompletionMarker(ctx, documentID, stage)
}

// Cleanup deletes markers last updated before olderThan, returning the
// count removed.
func (c *Checker) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return c.db.CleanupOldMarkers(ctx, olderThan)
}

// ShouldSkip decides whether a stage can be skipped for ctx given the
// existing marker: the stage already completed and the content hash is
// unchanged.
func ShouldSkip(existing *Marker, ctx domain.ProcessingContext) bool {
	if existing == nil {
		return false
	}
	if existing.Status != string(domain.ResultCompleted) {
		return false
	}
	return existing.ContextHash == ComputeContextHash(ctx)
}
