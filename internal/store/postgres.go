package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-enricher/internal/db"
	"github.com/sells-group/corpus-enricher/internal/model"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to dsn and returns a PostgresStore owning the pool.
func NewPostgres(ctx context.Context, dsn string, opts db.PoolOptions) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, dsn, opts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close is a no-op; the caller
// owns the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that share it (the
// postgres dispatch queue).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_progress (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id          TEXT NOT NULL REFERENCES batch_jobs(id),
	batch_number    INTEGER NOT NULL CHECK (batch_number >= 0),
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	items_processed INTEGER NOT NULL DEFAULT 0,
	data            JSONB NOT NULL DEFAULT '{}',
	last_checkpoint JSONB,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	heartbeat_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, batch_number)
);

CREATE INDEX IF NOT EXISTS idx_batch_progress_pending
	ON batch_progress(job_id, batch_number) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_batch_progress_status_heartbeat
	ON batch_progress(status, heartbeat_at);

CREATE TABLE IF NOT EXISTS source_items (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	section    TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_source_items_order ON source_items(created_at, id);

CREATE TABLE IF NOT EXISTS enrichment_records (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_item_id  TEXT NOT NULL REFERENCES source_items(id),
	version_tag     TEXT NOT NULL,
	facet_hash      TEXT NOT NULL,
	category        TEXT NOT NULL,
	subcategory     TEXT NOT NULL DEFAULT '',
	primary_topic   TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL,
	keywords        TEXT[] NOT NULL DEFAULT '{}',
	technical_level INTEGER NOT NULL CHECK (technical_level BETWEEN 1 AND 5),
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	fields          JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_item_id, version_tag, facet_hash)
);

CREATE INDEX IF NOT EXISTS idx_enrichment_records_item_version
	ON enrichment_records(source_item_id, version_tag);

CREATE TABLE IF NOT EXISTS failed_items (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id         TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	source_item_id TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'permanent',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failed_items_batch ON failed_items(batch_id);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	tags       TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	tsv        tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_tsv ON knowledge_chunks USING GIN(tsv);

CREATE TABLE IF NOT EXISTS dispatch_queue (
	id           BIGSERIAL PRIMARY KEY,
	queue        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	locked_until TIMESTAMPTZ,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dispatch_queue_ready ON dispatch_queue(queue, id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job metadata")
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO batch_jobs (id, name, metadata) VALUES ($1, $2, $3) RETURNING created_at`,
		job.ID, job.Name, meta,
	).Scan(&job.CreatedAt)
	return eris.Wrapf(err, "postgres: create job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	var job model.BatchJob
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, metadata, created_at FROM batch_jobs WHERE id = $1`, jobID,
	).Scan(&job.ID, &job.Name, &meta, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job metadata")
		}
	}
	return &job, nil
}

// EnsureJob inserts the job when absent. An existing job keeps its
// original name and metadata.
func (s *PostgresStore) EnsureJob(ctx context.Context, job *model.BatchJob) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, name, metadata) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Name, meta,
	)
	return eris.Wrapf(err, "postgres: ensure job %s", job.ID)
}

// Batches

const batchColumns = `id, job_id, batch_number, status, items_processed, data, last_checkpoint,
	started_at, completed_at, heartbeat_at, created_at, updated_at`

// EnsureBatch inserts a pending batch row when (jobID, batchNumber) is
// absent and returns the row as stored. An existing row is never modified.
func (s *PostgresStore) EnsureBatch(ctx context.Context, jobID string, batchNumber int, data model.ProgressData) (*model.BatchProgress, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal batch data")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO batch_progress (id, job_id, batch_number, status, data)
		 VALUES ($1, $2, $3, 'pending', $4)
		 ON CONFLICT (job_id, batch_number) DO NOTHING`,
		uuid.New().String(), jobID, batchNumber, raw,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure batch %s/%d", jobID, batchNumber)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_progress WHERE job_id = $1 AND batch_number = $2`,
		jobID, batchNumber,
	)
	b, err := scanBatch(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load batch %s/%d", jobID, batchNumber)
	}
	return b, nil
}

// PlanBatches creates every pending row needed to cover total items and
// returns how many rows were newly created.
func (s *PostgresStore) PlanBatches(ctx context.Context, jobID string, total, batchSize int) (int, error) {
	n := PlanSize(total, batchSize)
	if n == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO batch_progress (job_id, batch_number, status, data)
		 SELECT $1, g.n, 'pending', jsonb_build_object('batch_size', $2::int, 'start_from', g.n * $2::int)
		 FROM generate_series(0, $3::int - 1) AS g(n)
		 ON CONFLICT (job_id, batch_number) DO NOTHING`,
		jobID, batchSize, n,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: plan batches for job %s", jobID)
	}
	return int(tag.RowsAffected()), nil
}

// NextPendingBatch returns the lowest-numbered pending batch of the job,
// or nil when none remain.
func (s *PostgresStore) NextPendingBatch(ctx context.Context, jobID string) (*model.BatchProgress, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_progress
		 WHERE job_id = $1 AND status = 'pending'
		 ORDER BY batch_number LIMIT 1`,
		jobID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: next pending batch for job %s", jobID)
	}
	return b, nil
}

// ClaimBatch moves a pending batch to processing. Exactly one concurrent
// caller wins; the rest get ErrClaimLost.
func (s *PostgresStore) ClaimBatch(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE batch_progress
		 SET status = 'processing', started_at = now(), heartbeat_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+batchColumns,
		batchID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim batch %s", batchID)
	}
	return b, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, batchID string, data model.ProgressData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch data")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_progress SET data = $2, heartbeat_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		batchID, raw,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: heartbeat batch %s", batchID)
	}
	return expectProcessing(tag.RowsAffected(), batchID)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, batchID string, cp model.Checkpoint, data model.ProgressData) error {
	cpRaw, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal checkpoint")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch data")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_progress
		 SET last_checkpoint = $2, data = $3, items_processed = $4, heartbeat_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		batchID, cpRaw, raw, cp.Count,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: checkpoint batch %s", batchID)
	}
	return expectProcessing(tag.RowsAffected(), batchID)
}

func (s *PostgresStore) CompleteBatch(ctx context.Context, batchID string, itemsProcessed int, data model.ProgressData) error {
	return s.finish(ctx, batchID, model.BatchStatusCompleted, itemsProcessed, data)
}

func (s *PostgresStore) FailBatch(ctx context.Context, batchID string, data model.ProgressData) error {
	return s.finish(ctx, batchID, model.BatchStatusFailed, -1, data)
}

// finish moves a processing batch to a terminal status. A negative
// itemsProcessed keeps the stored count.
func (s *PostgresStore) finish(ctx context.Context, batchID string, status model.BatchStatus, itemsProcessed int, data model.ProgressData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch data")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_progress
		 SET status = $2, data = $3,
		     items_processed = CASE WHEN $4::int < 0 THEN items_processed ELSE $4::int END,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		batchID, string(status), raw, itemsProcessed,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark batch %s %s", batchID, status)
	}
	return expectProcessing(tag.RowsAffected(), batchID)
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_progress WHERE id = $1`, batchID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchProgress, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_progress WHERE 1=1`
	var args []any

	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += fmt.Sprintf(` AND job_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY job_id, batch_number`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *PostgresStore) CountBatches(ctx context.Context, jobID string) (map[model.BatchStatus]int, error) {
	query := `SELECT status, count(*) FROM batch_progress`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = $1`
		args = append(args, jobID)
	}
	query += ` GROUP BY status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count batches")
	}
	defer rows.Close()

	counts := make(map[model.BatchStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch count")
		}
		counts[model.BatchStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count batches iterate")
}

// StaleBatches returns processing batches whose last heartbeat is older
// than olderThan.
func (s *PostgresStore) StaleBatches(ctx context.Context, olderThan time.Duration) ([]model.BatchProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batch_progress
		 WHERE status = 'processing'
		   AND COALESCE(heartbeat_at, started_at, updated_at) < now() - make_interval(secs => $1)
		 ORDER BY job_id, batch_number`,
		olderThan.Seconds(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stale batches")
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ResetBatch returns a failed or stuck batch to pending. The last
// checkpoint is kept so the next claim resumes after it.
func (s *PostgresStore) ResetBatch(ctx context.Context, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_progress
		 SET status = 'pending', started_at = NULL, completed_at = NULL, heartbeat_at = NULL,
		     data = data - 'error', updated_at = now()
		 WHERE id = $1 AND status IN ('failed', 'processing')`,
		batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset batch %s", batchID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return err
	}
	return eris.Wrapf(ErrNotResettable, "postgres: batch %s", batchID)
}

// Source items

const itemColumns = `id, title, section, content, created_at`

// ItemsByIDs loads the given items in the order of ids. Unknown ids are
// skipped.
func (s *PostgresStore) ItemsByIDs(ctx context.Context, ids []string) ([]model.SourceItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM source_items WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: items by ids")
	}
	defer rows.Close()
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(items, ids), nil
}

// ItemsPage returns one page of the job-scoped list, ordered by creation.
func (s *PostgresStore) ItemsPage(ctx context.Context, ids []string, offset, limit int) ([]model.SourceItem, error) {
	if len(ids) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM source_items
		 WHERE id = ANY($1)
		 ORDER BY created_at, id OFFSET $2 LIMIT $3`,
		ids, offset, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: items page")
	}
	defer rows.Close()
	return collectItems(rows)
}

// GlobalItemsPage returns one page of every real source item, skipping the
// sentinel placeholder rows.
func (s *PostgresStore) GlobalItemsPage(ctx context.Context, offset, limit int) ([]model.SourceItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM source_items
		 WHERE title <> $1
		 ORDER BY created_at, id OFFSET $2 LIMIT $3`,
		model.SentinelItemTitle, offset, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: global items page")
	}
	defer rows.Close()
	return collectItems(rows)
}

// ImportItems bulk-loads source items. Re-importing an id replaces its
// title, section and content but keeps its position in the ordering.
func (s *PostgresStore) ImportItems(ctx context.Context, items []model.SourceItem) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		created := it.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{it.ID, it.Title, it.Section, it.Content, created})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "source_items",
		Columns:      []string{"id", "title", "section", "content", "created_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"title", "section", "content"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import items")
}

// Enrichment records

func (s *PostgresStore) HasRecords(ctx context.Context, itemID, versionTag string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrichment_records WHERE source_item_id = $1 AND version_tag = $2)`,
		itemID, versionTag,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has records %s", itemID)
	}
	return exists, nil
}

var recordColumns = []string{
	"id", "source_item_id", "version_tag", "facet_hash", "category", "subcategory",
	"primary_topic", "description", "keywords", "technical_level", "confidence",
	"fields", "created_at", "updated_at",
}

// UpsertRecords writes records keyed by (source_item_id, version_tag,
// facet_hash) and returns how many were newly inserted.
func (s *PostgresStore) UpsertRecords(ctx context.Context, records []model.EnrichmentRecord) (int, error) {
	prepared := prepareRecords(records, time.Now().UTC(), func() string { return uuid.New().String() })
	if len(prepared) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(prepared))
	for _, r := range prepared {
		fields, err := json.Marshal(nonNilFields(r.Fields))
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal record fields")
		}
		rows = append(rows, []any{
			r.ID, r.SourceItemID, r.VersionTag, r.FacetHash, r.Category, r.Subcategory,
			r.PrimaryTopic, r.Description, r.Keywords, r.TechnicalLevel, r.Confidence,
			fields, r.CreatedAt, r.UpdatedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "enrichment_records",
		Columns:      recordColumns,
		ConflictKeys: []string{"source_item_id", "version_tag", "facet_hash"},
		UpdateCols: []string{
			"category", "subcategory", "primary_topic", "description",
			"keywords", "technical_level", "confidence", "fields",
		},
		ExtraSet:      []string{"updated_at = now()"},
		CountInserted: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert records")
	}
	return int(n), nil
}

// CountRecords counts records, optionally narrowed to one item and/or one
// version tag.
func (s *PostgresStore) CountRecords(ctx context.Context, itemID, versionTag string) (int, error) {
	query := `SELECT count(*) FROM enrichment_records WHERE 1=1`
	var args []any
	if itemID != "" {
		args = append(args, itemID)
		query += fmt.Sprintf(` AND source_item_id = $%d`, len(args))
	}
	if versionTag != "" {
		args = append(args, versionTag)
		query += fmt.Sprintf(` AND version_tag = $%d`, len(args))
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count records")
	}
	return int(n), nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, itemID, versionTag string) ([]model.EnrichmentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_item_id, version_tag, facet_hash, category, subcategory, primary_topic,
		        description, keywords, technical_level, confidence, fields, created_at, updated_at
		 FROM enrichment_records WHERE source_item_id = $1 AND version_tag = $2
		 ORDER BY created_at, id`,
		itemID, versionTag,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records for item %s", itemID)
	}
	defer rows.Close()

	var out []model.EnrichmentRecord
	for rows.Next() {
		var r model.EnrichmentRecord
		var fields []byte
		if err := rows.Scan(&r.ID, &r.SourceItemID, &r.VersionTag, &r.FacetHash, &r.Category, &r.Subcategory,
			&r.PrimaryTopic, &r.Description, &r.Keywords, &r.TechnicalLevel, &r.Confidence, &fields,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &r.Fields); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal fields")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

// Failed items

func (s *PostgresStore) RecordFailure(ctx context.Context, f model.FailedItem) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_items (id, job_id, batch_id, source_item_id, error, error_type, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.JobID, f.BatchID, f.SourceItemID, f.Error, f.ErrorType, f.Attempts,
	)
	return eris.Wrapf(err, "postgres: record failure for item %s", f.SourceItemID)
}

func (s *PostgresStore) ListFailures(ctx context.Context, batchID string) ([]model.FailedItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, batch_id, source_item_id, error, error_type, attempts, created_at
		 FROM failed_items WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list failures for batch %s", batchID)
	}
	defer rows.Close()

	var out []model.FailedItem
	for rows.Next() {
		var f model.FailedItem
		if err := rows.Scan(&f.ID, &f.JobID, &f.BatchID, &f.SourceItemID, &f.Error, &f.ErrorType, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed item")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) CountFailures(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM failed_items`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count failures")
	}
	return int(n), nil
}

// Knowledge corpus

// ImportKnowledge replaces the given chunks: existing ids are deleted and
// all chunks are COPYed in.
func (s *PostgresStore) ImportKnowledge(ctx context.Context, chunks []model.KnowledgeChunk) (int64, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	ids := make([]string, 0, len(chunks))
	rows := make([][]any, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		created := c.CreatedAt
		if created.IsZero() {
			created = now
		}
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		ids = append(ids, c.ID)
		rows = append(rows, []any{c.ID, c.SourceID, c.Content, tags, created})
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM knowledge_chunks WHERE id = ANY($1)`, ids); err != nil {
		return 0, eris.Wrap(err, "postgres: clear knowledge chunks")
	}
	n, err := db.CopyFrom(ctx, s.pool, "knowledge_chunks",
		[]string{"id", "source_id", "content", "tags", "created_at"}, rows)
	return n, eris.Wrap(err, "postgres: import knowledge")
}

// SearchKnowledge ranks chunks matching any keyword with ts_rank.
func (s *PostgresStore) SearchKnowledge(ctx context.Context, keywords []string, limit int) ([]model.SearchResult, error) {
	query := websearchQuery(keywords)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, content, ts_rank(tsv, q) AS score
		 FROM knowledge_chunks, websearch_to_tsquery('english', $1) AS q
		 WHERE tsv @@ q
		 ORDER BY score DESC, id
		 LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search knowledge")
	}
	defer rows.Close()

	var out []model.SearchResult
	for rows.Next() {
		var id, sourceID, content string
		var score float32
		if err := rows.Scan(&id, &sourceID, &content, &score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan knowledge row")
		}
		out = append(out, knowledgeResult(id, sourceID, content, float64(score)))
	}
	return out, eris.Wrap(rows.Err(), "postgres: search knowledge iterate")
}

// helpers

func expectProcessing(affected int64, batchID string) error {
	if affected == 0 {
		return eris.Wrapf(ErrNotProcessing, "batch %s", batchID)
	}
	return nil
}

func scanBatch(row pgx.Row) (*model.BatchProgress, error) {
	var b model.BatchProgress
	var status string
	var data, cp []byte
	err := row.Scan(&b.ID, &b.JobID, &b.BatchNumber, &status, &b.ItemsProcessed, &data, &cp,
		&b.StartedAt, &b.CompletedAt, &b.HeartbeatAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	if err := decodeBatchJSON(&b, data, cp); err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBatches(rows pgx.Rows) ([]model.BatchProgress, error) {
	var out []model.BatchProgress
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: batches iterate")
}

func collectItems(rows pgx.Rows) ([]model.SourceItem, error) {
	var out []model.SourceItem
	for rows.Next() {
		var it model.SourceItem
		if err := rows.Scan(&it.ID, &it.Title, &it.Section, &it.Content, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source item")
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: source items iterate")
}

// websearchQuery ORs the keywords together for websearch_to_tsquery.
func websearchQuery(keywords []string) string {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(strings.ReplaceAll(k, `"`, ""))
		if k != "" {
			terms = append(terms, k)
		}
	}
	return strings.Join(terms, " OR ")
}
