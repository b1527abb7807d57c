// Package memory is an in-process, map-backed implementation of
// store.Port. It is a real second implementation (not a mock) used
// throughout the unit tests for every component built on store.Port.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// Store is the in-memory store.Port implementation.
type Store struct {
	mu sync.Mutex

	documents  map[string]*domain.Document
	chunks     map[string][]domain.Chunk
	images     map[string][]domain.Image
	links      map[string][]domain.Link
	videos     map[string][]domain.Video
	embeddings map[string][]domain.Embedding

	manufacturers map[string]*domain.Manufacturer
	products      map[string]*domain.Product
	series        map[string]*domain.Series
	errorCodes    map[string]*domain.ErrorCode

	markers map[string]*store.CompletionMarker // key: documentID+"/"+stage
	stages  map[string]*store.StageStatus      // key: documentID+"/"+stage

	alertRules map[string]*store.AlertRule
	alerts     map[string]*store.AlertInstance

	baselines map[string]*store.PerformanceBaseline

	locks map[int64]bool

	// rpcHandlers lets tests register stub stored procedures, keeping
	// HasStoredProcedures() true for the memory store by default.
	rpcHandlers map[string]func(params map[string]any) (store.RPCResult, error)

	idSeq int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		documents:     make(map[string]*domain.Document),
		chunks:        make(map[string][]domain.Chunk),
		images:        make(map[string][]domain.Image),
		links:         make(map[string][]domain.Link),
		videos:        make(map[string][]domain.Video),
		embeddings:    make(map[string][]domain.Embedding),
		manufacturers: make(map[string]*domain.Manufacturer),
		products:      make(map[string]*domain.Product),
		series:        make(map[string]*domain.Series),
		errorCodes:    make(map[string]*domain.ErrorCode),
		markers:       make(map[string]*store.CompletionMarker),
		stages:        make(map[string]*store.StageStatus),
		alertRules:    make(map[string]*store.AlertRule),
		alerts:        make(map[string]*store.AlertInstance),
		baselines:     make(map[string]*store.PerformanceBaseline),
		locks:         make(map[int64]bool),
		rpcHandlers:   make(map[string]func(params map[string]any) (store.RPCResult, error)),
	}
}

func markerKey(documentID, stage string) string { return documentID + "/" + stage }

func (s *Store) nextID(prefix string) string {
	s.idSeq++
	return fmt.Sprintf("%s-%d", prefix, s.idSeq)
}

// RegisterRPC installs a stub stored procedure under name, for tests that
// exercise the ExecuteRPC path directly.
func (s *Store) RegisterRPC(name string, fn func(params map[string]any) (store.RPCResult, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcHandlers[name] = fn
}

func (s *Store) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, &store.Error{Kind: store.ErrNotFound, Err: fmt.Errorf("document %s not found", id)}
	}
	cp := *d
	return &cp, nil
}

func (s *Store) UpsertDocument(_ context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = s.nextID("doc")
	}
	now := time.Now()
	doc.UpdatedAt = now
	if existing, ok := s.documents[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *Store) UpdateDocumentStatus(_ context.Context, id string, status domain.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return &store.Error{Kind: store.ErrNotFound, Err: fmt.Errorf("document %s not found", id)}
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateChunks(_ context.Context, chunks []domain.Chunk) ([]domain.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]domain.BatchOutcome, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = s.nextID("chunk")
		}
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], c)
		outcomes[i] = domain.BatchOutcome{Index: i}
	}
	return outcomes, nil
}

func (s *Store) ListChunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Chunk, len(s.chunks[documentID]))
	copy(out, s.chunks[documentID])
	return out, nil
}

func (s *Store) CreateImages(_ context.Context, images []domain.Image) ([]domain.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]domain.BatchOutcome, len(images))
	for i, img := range images {
		s.images[img.DocumentID] = append(s.images[img.DocumentID], img)
		outcomes[i] = domain.BatchOutcome{Index: i}
	}
	return outcomes, nil
}

func (s *Store) CreateLinks(_ context.Context, links []domain.Link) ([]domain.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]domain.BatchOutcome, len(links))
	for i, l := range links {
		s.links[l.DocumentID] = append(s.links[l.DocumentID], l)
		outcomes[i] = domain.BatchOutcome{Index: i}
	}
	return outcomes, nil
}

func (s *Store) CreateVideos(_ context.Context, videos []domain.Video) ([]domain.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]domain.BatchOutcome, len(videos))
	for i, v := range videos {
		s.videos[v.DocumentID] = append(s.videos[v.DocumentID], v)
		outcomes[i] = domain.BatchOutcome{Index: i}
	}
	return outcomes, nil
}

func (s *Store) CreateBatch(_ context.Context, embeddings []domain.Embedding) ([]domain.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]domain.BatchOutcome, len(embeddings))
	for i, e := range embeddings {
		if len(e.Vector) == 0 {
			outcomes[i] = domain.BatchOutcome{Index: i, Err: fmt.Errorf("embedding %d: empty vector", i)}
			continue
		}
		s.embeddings[e.DocumentID] = append(s.embeddings[e.DocumentID], e)
		outcomes[i] = domain.BatchOutcome{Index: i}
	}
	return outcomes, nil
}

func (s *Store) GetOrCreateManufacturer(_ context.Context, name string) (*domain.Manufacturer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.manufacturers[name]; ok {
		cp := *m
		return &cp, nil
	}
	m := &domain.Manufacturer{ID: s.nextID("mfr"), Name: name}
	s.manufacturers[name] = m
	cp := *m
	return &cp, nil
}

func (s *Store) GetOrCreateProduct(_ context.Context, manufacturerID, name string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := manufacturerID + "/" + name
	if p, ok := s.products[key]; ok {
		cp := *p
		return &cp, nil
	}
	p := &domain.Product{ID: s.nextID("prod"), Name: name, ManufacturerID: manufacturerID}
	s.products[key] = p
	cp := *p
	return &cp, nil
}

func (s *Store) GetOrCreateSeries(_ context.Context, productID, name string) (*domain.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := productID + "/" + name
	if se, ok := s.series[key]; ok {
		cp := *se
		return &cp, nil
	}
	se := &domain.Series{ID: s.nextID("series"), Name: name, ProductID: productID}
	s.series[key] = se
	cp := *se
	return &cp, nil
}

func (s *Store) GetErrorCode(_ context.Context, code string) (*domain.ErrorCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.errorCodes[code]
	if !ok {
		return nil, &store.Error{Kind: store.ErrNotFound, Err: fmt.Errorf("error code %s not found", code)}
	}
	cp := *ec
	return &cp, nil
}

// RegisterErrorCode is a test helper to seed the error-code lookup table.
func (s *Store) RegisterErrorCode(ec domain.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCodes[ec.Code] = &ec
}

func (s *Store) GetCompletionMarker(_ context.Context, documentID, stage string) (*store.CompletionMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[markerKey(documentID, stage)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpsertCompletionMarker(_ context.Context, m *store.CompletionMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	m.UpdatedAt = now
	if m.CreatedAt.IsZero() {
		if existing, ok := s.markers[markerKey(m.DocumentID, m.Stage)]; ok {
			m.CreatedAt = existing.CreatedAt
		} else {
			m.CreatedAt = now
		}
	}
	cp := *m
	s.markers[markerKey(m.DocumentID, m.Stage)] = &cp
	return nil
}

func (s *Store) DeleteCompletionMarker(_ context.Context, documentID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, markerKey(documentID, stage))
	return nil
}

func (s *Store) CleanupOldMarkers(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.markers {
		if m.UpdatedAt.Before(olderThan) {
			delete(s.markers, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetStageStatus(_ context.Context, documentID, stage string) (*store.StageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[markerKey(documentID, stage)]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *Store) UpsertStageStatus(_ context.Context, st *store.StageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now()
	cp := *st
	s.stages[markerKey(st.DocumentID, st.Stage)] = &cp
	return nil
}

func (s *Store) ListStageStatuses(_ context.Context, documentID string) ([]store.StageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.StageStatus
	for k, st := range s.stages {
		if len(k) > len(documentID) && k[:len(documentID)] == documentID && k[len(documentID)] == '/' {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *Store) ListAlertRules(_ context.Context) ([]store.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AlertRule, 0, len(s.alertRules))
	for _, r := range s.alertRules {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) UpsertAlertRule(_ context.Context, r *store.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = s.nextID("rule")
	}
	cp := *r
	s.alertRules[r.ID] = &cp
	return nil
}

func (s *Store) DeleteAlertRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alertRules, id)
	return nil
}

func (s *Store) ListActiveAlerts(_ context.Context, filter map[string]string) ([]store.AlertInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AlertInstance
	for _, a := range s.alerts {
		if a.Dismissed {
			continue
		}
		if sev, ok := filter["severity"]; ok && sev != "" && a.Severity != sev {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *Store) UpsertAlertInstance(_ context.Context, a *store.AlertInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = s.nextID("alert")
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *Store) UpsertBaseline(_ context.Context, b *store.PerformanceBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := b.Name + "/" + b.MeasurementDate.Format("2006-01-02")
	cp := *b
	s.baselines[key] = &cp
	return nil
}

func (s *Store) HasStoredProcedures() bool { return true }

func (s *Store) ExecuteRPC(_ context.Context, name string, params map[string]any) (store.RPCResult, error) {
	s.mu.Lock()
	fn, ok := s.rpcHandlers[name]
	s.mu.Unlock()
	if !ok {
		return store.RPCResult{}, fmt.Errorf("stored procedure %q does not exist", name)
	}
	return fn(params)
}

func (s *Store) RawQuery(_ context.Context, _ string, _ map[string]any) (store.Rows, error) {
	return store.Rows{}, nil
}

func (s *Store) TryAdvisoryLock(_ context.Context, key int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}

func (s *Store) AdvisoryUnlock(_ context.Context, key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

func (s *Store) Close() error { return nil }
