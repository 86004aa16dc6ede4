// Package metastore is the Postgres-backed source of truth for which
// (platform, code) items have been extracted and embedded. It owns the
// content, extraction_errors and extraction_checkpoint tables from
// spec.md §6, exercised through plain database/sql the way the teacher's
// Coordinator.sendDBMetrics issues raw SQL over *sql.DB rather than an ORM.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
)

// Store wraps a *sql.DB with the queries the batch driver and per-video
// pipeline need against the content/extraction_errors/extraction_checkpoint
// tables.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies it with a Ping. The caller owns the
// returned Store's lifetime and should Close it on shutdown.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfig, fmt.Errorf("open metadata store: %w", err))
	}
	if err := db.Ping(); err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, fmt.Errorf("ping metadata store: %w", err))
	}
	return &Store{db: db}, nil
}

// FromDB wraps an already-open *sql.DB, used by tests with go-sqlmock.
func FromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ContentRow is one row of the content table.
type ContentRow struct {
	ID           string
	Platform     string
	Code         string
	IsDownloaded bool
	IsCropped    bool
	IsExtracted  bool
	IsEmbedded   bool
	CreatedAt    time.Time
}

// Checkpoint is the composite cursor position the batch driver pages from.
type Checkpoint struct {
	LastCreatedAt time.Time
	LastID        string
}

// PendingItems returns up to limit rows with is_extracted=false, ordered by
// (created_at, id) and starting strictly after ckpt, per spec.md §6's
// pagination query. A zero-value ckpt starts from the beginning.
func (s *Store) PendingItems(ctx context.Context, platform string, ckpt Checkpoint, limit int) ([]ContentRow, error) {
	const q = `
		SELECT id, platform, code, is_downloaded, is_cropped, is_extracted, is_embedded, created_at
		FROM content
		WHERE is_extracted = false
		  AND platform = $1
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, q, platform, ckpt.LastCreatedAt, ckpt.LastID, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, fmt.Errorf("query pending content: %w", err))
	}
	defer rows.Close()

	var out []ContentRow
	for rows.Next() {
		var r ContentRow
		if err := rows.Scan(&r.ID, &r.Platform, &r.Code, &r.IsDownloaded, &r.IsCropped, &r.IsExtracted, &r.IsEmbedded, &r.CreatedAt); err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, fmt.Errorf("scan content row: %w", err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkCropped sets is_cropped for id. Nothing in this repository calls it:
// the per-video pipeline reports crop success in ProcessResult.Cropped, but
// neither the pipeline nor the batch driver writes that value to the
// content table.
func (s *Store) MarkCropped(ctx context.Context, id string, cropped bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE content SET is_cropped = $1 WHERE id = $2`, cropped, id)
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("mark cropped: %w", err))
	}
	return nil
}

// MarkExtractedAndEmbedded flips both flags together, the verification step
// in spec.md §5's "Verification and flag flip" paragraph.
func (s *Store) MarkExtractedAndEmbedded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE content SET is_extracted = true, is_embedded = true WHERE id = $1`, id)
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("flip extracted/embedded flags: %w", err))
	}
	return nil
}

// MarkExtractedAndEmbeddedByCode is MarkExtractedAndEmbedded addressed by
// (platform, code) instead of the row's primary key, used by the batch
// driver's verify-and-flip step which only has the WorkItem in hand.
func (s *Store) MarkExtractedAndEmbeddedByCode(ctx context.Context, platform, code string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content SET is_extracted = true, is_embedded = true WHERE platform = $1 AND code = $2`,
		platform, code)
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("flip extracted/embedded flags for %s/%s: %w", platform, code, err))
	}
	return nil
}

// RecordError inserts a terminal-failure row into extraction_errors. Per
// spec.md's scenario 3, a NotFound (missing source) skip must NOT produce
// a row here — callers only invoke RecordError for genuine failures.
func (s *Store) RecordError(ctx context.Context, code string, cause error) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_errors (code, error, occurred_at) VALUES ($1, $2, $3)`,
		code, cause.Error(), time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("record extraction error: %w", err))
	}
	return nil
}

// LatestError returns the ExtractionError model for the most recent failure
// recorded against code, or (zero, false) if none exists.
func (s *Store) LatestError(ctx context.Context, code string) (model.ExtractionError, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, error, occurred_at FROM extraction_errors WHERE code = $1 ORDER BY occurred_at DESC LIMIT 1`, code)

	var e model.ExtractionError
	if err := row.Scan(&e.Code, &e.Error, &e.OccurredAt); err != nil {
		if err == sql.ErrNoRows {
			return model.ExtractionError{}, false, nil
		}
		return model.ExtractionError{}, false, apierr.Wrap(apierr.KindTransient, fmt.Errorf("load extraction error: %w", err))
	}
	return e, true, nil
}

// LoadCheckpoint reads the single extraction_checkpoint row. A fresh
// database with no row yet returns the zero Checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_created_at, last_id FROM extraction_checkpoint WHERE id = 1`)

	var ckpt Checkpoint
	if err := row.Scan(&ckpt.LastCreatedAt, &ckpt.LastID); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, apierr.Wrap(apierr.KindTransient, fmt.Errorf("load checkpoint: %w", err))
	}
	return ckpt, nil
}

// SaveCheckpoint upserts the single checkpoint row atomically. The caller
// (the batch driver) is responsible for only ever advancing the checkpoint,
// which is what gives "checkpoint monotonicity" (spec.md §8) its meaning.
func (s *Store) SaveCheckpoint(ctx context.Context, ckpt Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_checkpoint (id, last_created_at, last_id, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_created_at = $1, last_id = $2, updated_at = $3`,
		ckpt.LastCreatedAt, ckpt.LastID, time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("save checkpoint: %w", err))
	}
	return nil
}

// CountByPlatformCode reports how many content rows exist for platform/code,
// used by tests and the reconciliation pass to sanity-check identity before
// trusting the vector store's count_by_code.
func (s *Store) CountByPlatformCode(ctx context.Context, platform, code string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM content WHERE platform = $1 AND code = $2`, platform, code)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apierr.Wrap(apierr.KindTransient, fmt.Errorf("count content: %w", err))
	}
	return n, nil
}

// Schema is the DDL for the three tables this package owns. It is not run
// automatically (migrations are expected to be applied out of band the way
// the teacher treats its metrics DB schema as externally managed), but is
// kept alongside the queries it backs so the two never drift.
const Schema = `
CREATE TABLE IF NOT EXISTS content (
	id            uuid PRIMARY KEY,
	platform      text NOT NULL,
	code          text NOT NULL,
	is_downloaded boolean NOT NULL DEFAULT false,
	is_cropped    boolean NOT NULL DEFAULT false,
	is_extracted  boolean NOT NULL DEFAULT false,
	is_embedded   boolean NOT NULL DEFAULT false,
	created_at    timestamptz NOT NULL DEFAULT now(),
	UNIQUE (platform, code)
);

CREATE TABLE IF NOT EXISTS extraction_errors (
	id          serial PRIMARY KEY,
	code        text NOT NULL,
	error       text NOT NULL,
	occurred_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_checkpoint (
	id              int PRIMARY KEY,
	last_created_at timestamptz NOT NULL,
	last_id         text NOT NULL,
	updated_at      timestamptz NOT NULL
);
`
