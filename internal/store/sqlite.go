package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/corpus-enricher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// runs and the end-to-end tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// PRAGMAs are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_progress (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES batch_jobs(id),
	batch_number    INTEGER NOT NULL CHECK (batch_number >= 0),
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	items_processed INTEGER NOT NULL DEFAULT 0,
	data            TEXT NOT NULL DEFAULT '{}',
	last_checkpoint TEXT,
	started_at      DATETIME,
	completed_at    DATETIME,
	heartbeat_at    DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	UNIQUE (job_id, batch_number)
);

CREATE INDEX IF NOT EXISTS idx_batch_progress_status ON batch_progress(job_id, status, batch_number);

CREATE TABLE IF NOT EXISTS source_items (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	section    TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_items_order ON source_items(created_at, id);

CREATE TABLE IF NOT EXISTS enrichment_records (
	id              TEXT PRIMARY KEY,
	source_item_id  TEXT NOT NULL REFERENCES source_items(id),
	version_tag     TEXT NOT NULL,
	facet_hash      TEXT NOT NULL,
	category        TEXT NOT NULL,
	subcategory     TEXT NOT NULL DEFAULT '',
	primary_topic   TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL,
	keywords        TEXT NOT NULL DEFAULT '[]',
	technical_level INTEGER NOT NULL CHECK (technical_level BETWEEN 1 AND 5),
	confidence      REAL NOT NULL DEFAULT 0,
	fields          TEXT NOT NULL DEFAULT '{}',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	UNIQUE (source_item_id, version_tag, facet_hash)
);

CREATE TABLE IF NOT EXISTS failed_items (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	source_item_id TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'permanent',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failed_items_batch ON failed_items(batch_id);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job metadata")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (id, name, metadata, created_at) VALUES (?, ?, ?, ?)`,
		job.ID, job.Name, string(meta), now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create job %s", job.ID)
	}
	job.CreatedAt = now
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	var job model.BatchJob
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, metadata, created_at FROM batch_jobs WHERE id = ?`, jobID,
	).Scan(&job.ID, &job.Name, &meta, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job metadata")
	}
	return &job, nil
}

func (s *SQLiteStore) EnsureJob(ctx context.Context, job *model.BatchJob) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (id, name, metadata, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Name, string(meta), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: ensure job %s", job.ID)
}

// Batches

const sqliteBatchColumns = `id, job_id, batch_number, status, items_processed, data, last_checkpoint,
	started_at, completed_at, heartbeat_at, created_at, updated_at`

func (s *SQLiteStore) EnsureBatch(ctx context.Context, jobID string, batchNumber int, data model.ProgressData) (*model.BatchProgress, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal batch data")
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_progress (id, job_id, batch_number, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?)
		 ON CONFLICT (job_id, batch_number) DO NOTHING`,
		uuid.New().String(), jobID, batchNumber, string(raw), now, now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure batch %s/%d", jobID, batchNumber)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batch_progress WHERE job_id = ? AND batch_number = ?`,
		jobID, batchNumber,
	)
	b, err := scanSQLiteBatch(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load batch %s/%d", jobID, batchNumber)
	}
	return b, nil
}

func (s *SQLiteStore) PlanBatches(ctx context.Context, jobID string, total, batchSize int) (int, error) {
	n := PlanSize(total, batchSize)
	if n == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin plan")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_progress (id, job_id, batch_number, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?)
		 ON CONFLICT (job_id, batch_number) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare plan")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	created := 0
	for i := 0; i < n; i++ {
		raw, err := json.Marshal(model.ProgressData{BatchSize: batchSize, StartFrom: i * batchSize})
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal batch data")
		}
		res, err := stmt.ExecContext(ctx, uuid.New().String(), jobID, i, string(raw), now, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: plan batch %s/%d", jobID, i)
		}
		affected, _ := res.RowsAffected()
		created += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit plan")
	}
	return created, nil
}

func (s *SQLiteStore) NextPendingBatch(ctx context.Context, jobID string) (*model.BatchProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batch_progress
		 WHERE job_id = ? AND status = 'pending'
		 ORDER BY batch_number LIMIT 1`,
		jobID,
	)
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: next pending batch for job %s", jobID)
	}
	return b, nil
}

func (s *SQLiteStore) ClaimBatch(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_progress
		 SET status = 'processing', started_at = ?, heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now, now, now, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim batch %s", batchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, ErrClaimLost
	}
	return s.GetBatch(ctx, batchID)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, batchID string, data model.ProgressData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch data")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_progress SET data = ?, heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(raw), now, now, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: heartbeat batch %s", batchID)
	}
	return checkProcessing(res, batchID)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, batchID string, cp model.Checkpoint, data model.ProgressData) error {
	cpRaw, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal checkpoint")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch data")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_progress
		 SET last_checkpoint = ?, data = ?, items_processed = ?, heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(cpRaw), string(raw), cp.Count, now, now, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: checkpoint batch %s", batchID)
	}
	return checkProcessing(res, batchID)
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, batchID string, itemsProcessed int, data model.ProgressData) error {
	return s.finish(ctx, batchID, model.BatchStatusCompleted, itemsProcessed, data)
}

func (s *SQLiteStore) FailBatch(ctx context.Context, batchID string, data model.ProgressData) error {
	return s.finish(ctx, batchID, model.BatchStatusFailed, -1, data)
}

func (s *SQLiteStore) finish(ctx context.Context, batchID string, status model.BatchStatus, itemsProcessed int, data model.ProgressData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch data")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_progress
		 SET status = ?, data = ?,
		     items_processed = CASE WHEN ? < 0 THEN items_processed ELSE ? END,
		     completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(status), string(raw), itemsProcessed, itemsProcessed, now, now, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark batch %s %s", batchID, status)
	}
	return checkProcessing(res, batchID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batch_progress WHERE id = ?`, batchID,
	)
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	return b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchProgress, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM batch_progress WHERE 1=1`
	var args []any

	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY job_id, batch_number`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()
	return collectSQLiteBatches(rows)
}

func (s *SQLiteStore) CountBatches(ctx context.Context, jobID string) (map[model.BatchStatus]int, error) {
	query := `SELECT status, count(*) FROM batch_progress`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count batches")
	}
	defer rows.Close()

	counts := make(map[model.BatchStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch count")
		}
		counts[model.BatchStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count batches iterate")
}

func (s *SQLiteStore) StaleBatches(ctx context.Context, olderThan time.Duration) ([]model.BatchProgress, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batch_progress
		 WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at, updated_at) < ?
		 ORDER BY job_id, batch_number`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stale batches")
	}
	defer rows.Close()
	return collectSQLiteBatches(rows)
}

func (s *SQLiteStore) ResetBatch(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_progress
		 SET status = 'pending', started_at = NULL, completed_at = NULL, heartbeat_at = NULL,
		     data = json_remove(data, '$.error'), updated_at = ?
		 WHERE id = ? AND status IN ('failed', 'processing')`,
		time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset batch %s", batchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return err
	}
	return eris.Wrapf(ErrNotResettable, "sqlite: batch %s", batchID)
}

// Source items

const sqliteItemColumns = `id, title, section, content, created_at`

func (s *SQLiteStore) ItemsByIDs(ctx context.Context, ids []string) ([]model.SourceItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT `+sqliteItemColumns+` FROM source_items WHERE id IN (%s)`, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: items by ids")
	}
	defer rows.Close()
	items, err := collectSQLiteItems(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(items, ids), nil
}

func (s *SQLiteStore) ItemsPage(ctx context.Context, ids []string, offset, limit int) ([]model.SourceItem, error) {
	if len(ids) == 0 || limit <= 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT `+sqliteItemColumns+` FROM source_items WHERE id IN (%s)
		 ORDER BY created_at, id LIMIT ? OFFSET ?`, ids)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: items page")
	}
	defer rows.Close()
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) GlobalItemsPage(ctx context.Context, offset, limit int) ([]model.SourceItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM source_items
		 WHERE title <> ?
		 ORDER BY created_at, id LIMIT ? OFFSET ?`,
		model.SentinelItemTitle, limit, offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: global items page")
	}
	defer rows.Close()
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) ImportItems(ctx context.Context, items []model.SourceItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import items")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, it := range items {
		created := it.CreatedAt.UTC()
		if it.CreatedAt.IsZero() {
			created = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO source_items (id, title, section, content, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET title = excluded.title, section = excluded.section, content = excluded.content`,
			it.ID, it.Title, it.Section, it.Content, created,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import item %s", it.ID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import items")
	}
	return n, nil
}

// Enrichment records

func (s *SQLiteStore) HasRecords(ctx context.Context, itemID, versionTag string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrichment_records WHERE source_item_id = ? AND version_tag = ?)`,
		itemID, versionTag,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has records %s", itemID)
	}
	return exists, nil
}

func (s *SQLiteStore) UpsertRecords(ctx context.Context, records []model.EnrichmentRecord) (int, error) {
	prepared := prepareRecords(records, time.Now().UTC(), func() string { return uuid.New().String() })
	if len(prepared) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert records")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for _, r := range prepared {
		keywords, err := json.Marshal(r.Keywords)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal keywords")
		}
		fields, err := json.Marshal(nonNilFields(r.Fields))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal record fields")
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrichment_records
			 WHERE source_item_id = ? AND version_tag = ? AND facet_hash = ?)`,
			r.SourceItemID, r.VersionTag, r.FacetHash,
		).Scan(&exists); err != nil {
			return 0, eris.Wrap(err, "sqlite: check record")
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrichment_records (id, source_item_id, version_tag, facet_hash, category, subcategory,
			     primary_topic, description, keywords, technical_level, confidence, fields, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source_item_id, version_tag, facet_hash) DO UPDATE SET
			     category = excluded.category, subcategory = excluded.subcategory,
			     primary_topic = excluded.primary_topic, description = excluded.description,
			     keywords = excluded.keywords, technical_level = excluded.technical_level,
			     confidence = excluded.confidence, fields = excluded.fields,
			     updated_at = excluded.updated_at`,
			r.ID, r.SourceItemID, r.VersionTag, r.FacetHash, r.Category, r.Subcategory,
			r.PrimaryTopic, r.Description, string(keywords), r.TechnicalLevel, r.Confidence,
			string(fields), r.CreatedAt, r.UpdatedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert record for item %s", r.SourceItemID)
		}
		if !exists {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert records")
	}
	return inserted, nil
}

func (s *SQLiteStore) CountRecords(ctx context.Context, itemID, versionTag string) (int, error) {
	query := `SELECT count(*) FROM enrichment_records WHERE 1=1`
	var args []any
	if itemID != "" {
		query += ` AND source_item_id = ?`
		args = append(args, itemID)
	}
	if versionTag != "" {
		query += ` AND version_tag = ?`
		args = append(args, versionTag)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count records")
	}
	return n, nil
}

// ListRecords returns the stored records of one item and version.
func (s *SQLiteStore) ListRecords(ctx context.Context, itemID, versionTag string) ([]model.EnrichmentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_item_id, version_tag, facet_hash, category, subcategory, primary_topic,
		        description, keywords, technical_level, confidence, fields, created_at, updated_at
		 FROM enrichment_records WHERE source_item_id = ? AND version_tag = ?
		 ORDER BY created_at, id`,
		itemID, versionTag,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records for item %s", itemID)
	}
	defer rows.Close()

	var out []model.EnrichmentRecord
	for rows.Next() {
		var r model.EnrichmentRecord
		var keywords, fields string
		if err := rows.Scan(&r.ID, &r.SourceItemID, &r.VersionTag, &r.FacetHash, &r.Category, &r.Subcategory,
			&r.PrimaryTopic, &r.Description, &keywords, &r.TechnicalLevel, &r.Confidence, &fields,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if err := json.Unmarshal([]byte(keywords), &r.Keywords); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal keywords")
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal fields")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// Failed items

func (s *SQLiteStore) RecordFailure(ctx context.Context, f model.FailedItem) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_items (id, job_id, batch_id, source_item_id, error, error_type, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.BatchID, f.SourceItemID, f.Error, f.ErrorType, f.Attempts, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record failure for item %s", f.SourceItemID)
}

func (s *SQLiteStore) ListFailures(ctx context.Context, batchID string) ([]model.FailedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, batch_id, source_item_id, error, error_type, attempts, created_at
		 FROM failed_items WHERE batch_id = ? ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list failures for batch %s", batchID)
	}
	defer rows.Close()

	var out []model.FailedItem
	for rows.Next() {
		var f model.FailedItem
		if err := rows.Scan(&f.ID, &f.JobID, &f.BatchID, &f.SourceItemID, &f.Error, &f.ErrorType, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed item")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) CountFailures(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM failed_items`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count failures")
	}
	return n, nil
}

// Knowledge corpus

func (s *SQLiteStore) ImportKnowledge(ctx context.Context, chunks []model.KnowledgeChunk) (int64, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import knowledge")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		created := c.CreatedAt.UTC()
		if c.CreatedAt.IsZero() {
			created = now
		}
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal tags")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO knowledge_chunks (id, source_id, content, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.SourceID, c.Content, string(tagsJSON), created,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import chunk %s", c.ID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import knowledge")
	}
	return n, nil
}

// SearchKnowledge scores chunks by the share of keywords their content
// contains. It stands in for the Postgres full-text ranking.
func (s *SQLiteStore) SearchKnowledge(ctx context.Context, keywords []string, limit int) ([]model.SearchResult, error) {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			terms = append(terms, k)
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	conds := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, t := range terms {
		conds[i] = `lower(content) LIKE ?`
		args[i] = "%" + t + "%"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, content FROM knowledge_chunks WHERE `+strings.Join(conds, " OR "),
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search knowledge")
	}
	defer rows.Close()

	type scored struct {
		id  string
		res model.SearchResult
	}
	var hits []scored
	for rows.Next() {
		var id, sourceID, content string
		if err := rows.Scan(&id, &sourceID, &content); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan knowledge row")
		}
		lc := strings.ToLower(content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lc, t) {
				matched++
			}
		}
		score := float64(matched) / float64(len(terms))
		hits = append(hits, scored{id: id, res: knowledgeResult(id, sourceID, content, score)})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: search knowledge iterate")
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].res.Score != hits[j].res.Score {
			return hits[i].res.Score > hits[j].res.Score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.SearchResult, len(hits))
	for i, h := range hits {
		out[i] = h.res
	}
	return out, nil
}

// helpers

func checkProcessing(res sql.Result, batchID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	return expectProcessing(n, batchID)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row scannable) (*model.BatchProgress, error) {
	var b model.BatchProgress
	var status, data string
	var cp sql.NullString
	var started, completed, heartbeat sql.NullTime
	err := row.Scan(&b.ID, &b.JobID, &b.BatchNumber, &status, &b.ItemsProcessed, &data, &cp,
		&started, &completed, &heartbeat, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	b.StartedAt = nullTimePtr(started)
	b.CompletedAt = nullTimePtr(completed)
	b.HeartbeatAt = nullTimePtr(heartbeat)

	var cpRaw []byte
	if cp.Valid {
		cpRaw = []byte(cp.String)
	}
	if err := decodeBatchJSON(&b, []byte(data), cpRaw); err != nil {
		return nil, err
	}
	return &b, nil
}

func collectSQLiteBatches(rows *sql.Rows) ([]model.BatchProgress, error) {
	var out []model.BatchProgress
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: batches iterate")
}

func collectSQLiteItems(rows *sql.Rows) ([]model.SourceItem, error) {
	var out []model.SourceItem
	for rows.Next() {
		var it model.SourceItem
		if err := rows.Scan(&it.ID, &it.Title, &it.Section, &it.Content, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source item")
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: source items iterate")
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// inClause expands a single %s placeholder into one ? per id.
func inClause(query string, ids []string) (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.Replace(query, "%s", marks, 1), args
}
