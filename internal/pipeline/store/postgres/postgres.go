// Package postgres implements store.Port on top of database/sql with the
// lib/pq driver and jmoiron/sqlx for named-parameter queries and struct
// scanning — the teacher's own persistence stack (pkg/storage/crud.go,
// pkg/storage/postgres/base_store.go), generalized here from its
// account/entity CRUD semantics to the pipeline's stage/document
// semantics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/domain"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// Store implements store.Port against PostgreSQL.
type Store struct {
	db       *sqlx.DB
	schema   string
	hasProcs bool
}

// Open connects to dsn, probes information_schema.routines for the
// pipeline's stored procedures, and returns a ready Store.
func Open(ctx context.Context, dsn, schemaPrefix string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{db: db, schema: schemaPrefix}
	s.hasProcs = s.probeStoredProcedures(ctx)
	return s, nil
}

func (s *Store) probeStoredProcedures(ctx context.Context) bool {
	var count int
	q := `SELECT COUNT(*) FROM information_schema.routines WHERE routine_schema = $1`
	if err := s.db.GetContext(ctx, &count, q, s.schema); err != nil {
		return false
	}
	return count > 0
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// classifyErr maps *pq.Error and context errors to store.Error.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &store.Error{Kind: store.ErrNotFound, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &store.Error{Kind: store.ErrTimeout, Err: err}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return &store.Error{Kind: store.ErrConstraintViolation, Err: err}
		case "08": // connection exception
			return &store.Error{Kind: store.ErrConnectionLost, Err: err}
		}
	}
	return &store.Error{Kind: store.ErrOther, Err: err}
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	var d domain.Document
	q := fmt.Sprintf(`SELECT id, file_path, file_hash, file_size, manufacturer, model, series, version,
		source_type, status, created_at, updated_at FROM %s WHERE id = $1`, s.table("documents"))
	row := s.db.QueryRowxContext(ctx, q, id)
	var sourceType, status string
	if err := row.Scan(&d.ID, &d.FilePath, &d.FileHash, &d.FileSize, &d.Manufacturer, &d.Model, &d.Series,
		&d.Version, &sourceType, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, classifyErr(err)
	}
	d.SourceType = domain.ParseSourceType(sourceType)
	d.Status = domain.ParseDocumentStatus(status)
	return &d, nil
}

func (s *Store) UpsertDocument(ctx context.Context, doc *domain.Document) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, file_path, file_hash, file_size, manufacturer, model, series,
		version, source_type, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (id) DO UPDATE SET file_path=EXCLUDED.file_path, file_hash=EXCLUDED.file_hash,
		file_size=EXCLUDED.file_size, status=EXCLUDED.status, updated_at=now()`, s.table("documents"))
	_, err := s.db.ExecContext(ctx, q, doc.ID, doc.FilePath, doc.FileHash, doc.FileSize, doc.Manufacturer,
		doc.Model, doc.Series, doc.Version, string(doc.SourceType), string(doc.Status))
	return classifyErr(err)
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus) error {
	q := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`, s.table("documents"))
	res, err := s.db.ExecContext(ctx, q, id, string(status))
	if err != nil {
		return classifyErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &store.Error{Kind: store.ErrNotFound, Err: fmt.Errorf("document %s not found", id)}
	}
	return nil
}

func (s *Store) CreateChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.BatchOutcome, error) {
	outcomes := make([]domain.BatchOutcome, len(chunks))
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, index, text, token_count) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO NOTHING`, s.table("chunks"))
	for i, c := range chunks {
		_, err := s.db.ExecContext(ctx, q, c.ID, c.DocumentID, c.Index, c.Text, c.TokenCount)
		outcomes[i] = domain.BatchOutcome{Index: i, Err: err}
	}
	return outcomes, nil
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	q := fmt.Sprintf(`SELECT id, document_id, index, text, token_count FROM %s WHERE document_id = $1 ORDER BY index`,
		s.table("chunks"))
	if err := s.db.SelectContext(ctx, &chunks, q, documentID); err != nil {
		return nil, classifyErr(err)
	}
	return chunks, nil
}

func (s *Store) CreateImages(ctx context.Context, images []domain.Image) ([]domain.BatchOutcome, error) {
	outcomes := make([]domain.BatchOutcome, len(images))
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, url, caption) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO NOTHING`, s.table("images"))
	for i, img := range images {
		_, err := s.db.ExecContext(ctx, q, img.ID, img.DocumentID, img.URL, img.Caption)
		outcomes[i] = domain.BatchOutcome{Index: i, Err: err}
	}
	return outcomes, nil
}

func (s *Store) CreateLinks(ctx context.Context, links []domain.Link) ([]domain.BatchOutcome, error) {
	outcomes := make([]domain.BatchOutcome, len(links))
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, url, text) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO NOTHING`, s.table("links"))
	for i, l := range links {
		_, err := s.db.ExecContext(ctx, q, l.ID, l.DocumentID, l.URL, l.Text)
		outcomes[i] = domain.BatchOutcome{Index: i, Err: err}
	}
	return outcomes, nil
}

func (s *Store) CreateVideos(ctx context.Context, videos []domain.Video) ([]domain.BatchOutcome, error) {
	outcomes := make([]domain.BatchOutcome, len(videos))
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, url) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO NOTHING`, s.table("videos"))
	for i, v := range videos {
		_, err := s.db.ExecContext(ctx, q, v.ID, v.DocumentID, v.URL)
		outcomes[i] = domain.BatchOutcome{Index: i, Err: err}
	}
	return outcomes, nil
}

// vectorLiteral formats a vector as a pgvector literal string, e.g.
// "[0.1,0.2,0.3]". The store owns this encoding so callers never format
// vectors themselves.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func (s *Store) CreateBatch(ctx context.Context, embeddings []domain.Embedding) ([]domain.BatchOutcome, error) {
	outcomes := make([]domain.BatchOutcome, len(embeddings))
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, chunk_id, embedding) VALUES ($1,$2,$3,$4::vector)
		ON CONFLICT (id) DO NOTHING`, s.table("embeddings"))
	for i, e := range embeddings {
		_, err := s.db.ExecContext(ctx, q, e.ID, e.DocumentID, e.ChunkID, vectorLiteral(e.Vector))
		outcomes[i] = domain.BatchOutcome{Index: i, Err: err}
	}
	return outcomes, nil
}

func (s *Store) GetOrCreateManufacturer(ctx context.Context, name string) (*domain.Manufacturer, error) {
	var m domain.Manufacturer
	q := fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`, s.table("manufacturers"))
	if err := s.db.QueryRowxContext(ctx, q, name).Scan(&m.ID, &m.Name); err != nil {
		return nil, classifyErr(err)
	}
	return &m, nil
}

func (s *Store) GetOrCreateProduct(ctx context.Context, manufacturerID, name string) (*domain.Product, error) {
	var p domain.Product
	q := fmt.Sprintf(`INSERT INTO %s (manufacturer_id, name) VALUES ($1,$2)
		ON CONFLICT (manufacturer_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, manufacturer_id`, s.table("products"))
	if err := s.db.QueryRowxContext(ctx, q, manufacturerID, name).Scan(&p.ID, &p.Name, &p.ManufacturerID); err != nil {
		return nil, classifyErr(err)
	}
	return &p, nil
}

func (s *Store) GetOrCreateSeries(ctx context.Context, productID, name string) (*domain.Series, error) {
	var se domain.Series
	q := fmt.Sprintf(`INSERT INTO %s (product_id, name) VALUES ($1,$2)
		ON CONFLICT (product_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, product_id`, s.table("series"))
	if err := s.db.QueryRowxContext(ctx, q, productID, name).Scan(&se.ID, &se.Name, &se.ProductID); err != nil {
		return nil, classifyErr(err)
	}
	return &se, nil
}

func (s *Store) GetErrorCode(ctx context.Context, code string) (*domain.ErrorCode, error) {
	var ec domain.ErrorCode
	q := fmt.Sprintf(`SELECT code, description, category FROM %s WHERE code = $1`, s.table("error_codes"))
	if err := s.db.GetContext(ctx, &ec, q, code); err != nil {
		return nil, classifyErr(err)
	}
	return &ec, nil
}

func (s *Store) GetCompletionMarker(ctx context.Context, documentID, stage string) (*store.CompletionMarker, error) {
	var m store.CompletionMarker
	q := fmt.Sprintf(`SELECT document_id, stage, context_hash, status, processing_time_ms, retry_count,
		processor_version, created_at, updated_at FROM %s WHERE document_id = $1 AND stage = $2`,
		s.table("completion_markers"))
	var ms int64
	row := s.db.QueryRowxContext(ctx, q, documentID, stage)
	if err := row.Scan(&m.DocumentID, &m.Stage, &m.ContextHash, &m.Status, &ms, &m.RetryCount,
		&m.ProcessorVersion, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyErr(err)
	}
	m.ProcessingTime = time.Duration(ms) * time.Millisecond
	return &m, nil
}

func (s *Store) UpsertCompletionMarker(ctx context.Context, m *store.CompletionMarker) error {
	q := fmt.Sprintf(`INSERT INTO %s (document_id, stage, context_hash, status, processing_time_ms,
		retry_count, processor_version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		ON CONFLICT (document_id, stage) DO UPDATE SET context_hash=EXCLUDED.context_hash,
		status=EXCLUDED.status, processing_time_ms=EXCLUDED.processing_time_ms,
		retry_count=EXCLUDED.retry_count, processor_version=EXCLUDED.processor_version, updated_at=now()`,
		s.table("completion_markers"))
	_, err := s.db.ExecContext(ctx, q, m.DocumentID, m.Stage, m.ContextHash, m.Status,
		m.ProcessingTime.Milliseconds(), m.RetryCount, m.ProcessorVersion)
	return classifyErr(err)
}

func (s *Store) DeleteCompletionMarker(ctx context.Context, documentID, stage string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1 AND stage = $2`, s.table("completion_markers"))
	_, err := s.db.ExecContext(ctx, q, documentID, stage)
	return classifyErr(err)
}

func (s *Store) CleanupOldMarkers(ctx context.Context, olderThan time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1`, s.table("completion_markers"))
	res, err := s.db.ExecContext(ctx, q, olderThan)
	if err != nil {
		return 0, classifyErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetStageStatus(ctx context.Context, documentID, stage string) (*store.StageStatus, error) {
	q := fmt.Sprintf(`SELECT document_id, stage, status, progress, started_at, updated_at FROM %s
		WHERE document_id = $1 AND stage = $2`, s.table("stage_statuses"))
	var st store.StageStatus
	row := s.db.QueryRowxContext(ctx, q, documentID, stage)
	if err := row.Scan(&st.DocumentID, &st.Stage, &st.Status, &st.Progress, &st.StartedAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyErr(err)
	}
	return &st, nil
}

func (s *Store) UpsertStageStatus(ctx context.Context, st *store.StageStatus) error {
	q := fmt.Sprintf(`INSERT INTO %s (document_id, stage, status, progress, started_at, updated_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (document_id, stage) DO UPDATE SET status=EXCLUDED.status,
		progress=EXCLUDED.progress, started_at=COALESCE(%s.started_at, EXCLUDED.started_at), updated_at=now()`,
		s.table("stage_statuses"), s.table("stage_statuses"))
	_, err := s.db.ExecContext(ctx, q, st.DocumentID, st.Stage, st.Status, st.Progress, st.StartedAt)
	return classifyErr(err)
}

func (s *Store) ListStageStatuses(ctx context.Context, documentID string) ([]store.StageStatus, error) {
	var out []store.StageStatus
	q := fmt.Sprintf(`SELECT document_id, stage, status, progress, started_at, updated_at FROM %s
		WHERE document_id = $1`, s.table("stage_statuses"))
	if err := s.db.SelectContext(ctx, &out, q, documentID); err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}

func (s *Store) ListAlertRules(ctx context.Context) ([]store.AlertRule, error) {
	var out []store.AlertRule
	q := fmt.Sprintf(`SELECT id, name, metric_key, threshold_operator, threshold, severity,
		error_types, stages, aggregation_window_minutes, enabled FROM %s WHERE enabled = true`,
		s.table("alert_rules"))
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}

func (s *Store) UpsertAlertRule(ctx context.Context, r *store.AlertRule) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, name, metric_key, threshold_operator, threshold, severity,
		error_types, stages, aggregation_window_minutes, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, metric_key=EXCLUDED.metric_key,
		threshold_operator=EXCLUDED.threshold_operator, threshold=EXCLUDED.threshold,
		severity=EXCLUDED.severity, error_types=EXCLUDED.error_types, stages=EXCLUDED.stages,
		aggregation_window_minutes=EXCLUDED.aggregation_window_minutes, enabled=EXCLUDED.enabled`,
		s.table("alert_rules"))
	_, err := s.db.ExecContext(ctx, q, r.ID, r.Name, r.MetricKey, r.ThresholdOperator, r.Threshold,
		r.Severity, pq.Array(r.ErrorTypes), pq.Array(r.Stages), r.AggregationWindowMinutes, r.Enabled)
	return classifyErr(err)
}

func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("alert_rules"))
	_, err := s.db.ExecContext(ctx, q, id)
	return classifyErr(err)
}

func (s *Store) ListActiveAlerts(ctx context.Context, filter map[string]string) ([]store.AlertInstance, error) {
	q := fmt.Sprintf(`SELECT id, rule_id, aggregation_key, aggregation_count, severity, message,
		acknowledged, dismissed, first_occurrence, last_occurrence FROM %s WHERE dismissed = false`,
		s.table("alert_instances"))
	args := []any{}
	if sev, ok := filter["severity"]; ok && sev != "" {
		q += " AND severity = $1"
		args = append(args, sev)
	}
	var out []store.AlertInstance
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, classifyErr(err)
	}
	return out, nil
}

func (s *Store) UpsertAlertInstance(ctx context.Context, a *store.AlertInstance) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, rule_id, aggregation_key, aggregation_count, severity,
		message, acknowledged, dismissed, first_occurrence, last_occurrence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET aggregation_count=EXCLUDED.aggregation_count,
		acknowledged=EXCLUDED.acknowledged, dismissed=EXCLUDED.dismissed,
		last_occurrence=EXCLUDED.last_occurrence`, s.table("alert_instances"))
	_, err := s.db.ExecContext(ctx, q, a.ID, a.RuleID, a.AggregationKey, a.AggregationCount, a.Severity,
		a.Message, a.Acknowledged, a.Dismissed, a.FirstOccurrence, a.LastOccurrence)
	return classifyErr(err)
}

func (s *Store) UpsertBaseline(ctx context.Context, b *store.PerformanceBaseline) error {
	q := fmt.Sprintf(`INSERT INTO %s (name, measurement_date, avg, p50, p95, p99, sample_size)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name, measurement_date) DO UPDATE SET avg=EXCLUDED.avg, p50=EXCLUDED.p50,
		p95=EXCLUDED.p95, p99=EXCLUDED.p99, sample_size=EXCLUDED.sample_size`, s.table("performance_baselines"))
	_, err := s.db.ExecContext(ctx, q, b.Name, b.MeasurementDate, b.Avg, b.P50, b.P95, b.P99, b.SampleSize)
	return classifyErr(err)
}

func (s *Store) HasStoredProcedures() bool { return s.hasProcs }

func (s *Store) ExecuteRPC(ctx context.Context, name string, params map[string]any) (store.RPCResult, error) {
	names := make([]string, 0, len(params))
	args := make([]any, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		args = append(args, v)
	}
	placeholders := make([]string, len(names))
	for i, n := range names {
		placeholders[i] = n + " => $" + strconv.Itoa(i+1)
	}
	q := fmt.Sprintf(`SELECT * FROM %s.%s(%s)`, s.schema, name, strings.Join(placeholders, ", "))
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return store.RPCResult{}, classifyErr(err)
	}
	defer rows.Close()
	var result store.RPCResult
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return store.RPCResult{}, classifyErr(err)
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// RawQuery normalizes ":param" placeholders to positional "$N" args,
// generalizing the teacher's QueryBuilder/Querier abstraction
// (pkg/storage/crud.go) to support both placeholder styles.
func (s *Store) RawQuery(ctx context.Context, query string, args map[string]any) (store.Rows, error) {
	normalized, positional, err := sqlx.Named(query, args)
	if err != nil {
		return store.Rows{}, classifyErr(err)
	}
	normalized = s.db.Rebind(normalized)
	rows, err := s.db.QueryxContext(ctx, normalized, positional...)
	if err != nil {
		return store.Rows{}, classifyErr(err)
	}
	defer rows.Close()
	cols, _ := rows.Columns()
	var out store.Rows
	out.Columns = cols
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return store.Rows{}, classifyErr(err)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	if err := s.db.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock($1)`, key); err != nil {
		return false, classifyErr(err)
	}
	return acquired, nil
}

func (s *Store) AdvisoryUnlock(ctx context.Context, key int64) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return classifyErr(err)
}

func (s *Store) Close() error { return s.db.Close() }
