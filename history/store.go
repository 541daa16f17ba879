// Package history keeps a ledger of build runs in SQLite: one row per run
// with its outcome, plus the artifacts each run wrote.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/dbopen"
	"github.com/hazyhaar/pagepack/idgen"
)

// Schema creates the history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
	build_id     TEXT PRIMARY KEY,
	page         TEXT NOT NULL,
	output_dir   TEXT NOT NULL,
	include_all  INTEGER NOT NULL DEFAULT 0,
	minify       INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	failed_stage TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	resources    INTEGER NOT NULL DEFAULT 0,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_builds_started ON builds(started_at);
CREATE TABLE IF NOT EXISTS build_artifacts (
	build_id TEXT NOT NULL REFERENCES builds(build_id) ON DELETE CASCADE,
	stage    TEXT NOT NULL,
	path     TEXT NOT NULL,
	bytes    INTEGER NOT NULL,
	sha256   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_artifacts_build ON build_artifacts(build_id);
`

// Build statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for an unknown build ID.
var ErrNotFound = errors.New("history: build not found")

// Build is one recorded run.
type Build struct {
	ID          string     `json:"id"`
	Page        string     `json:"page"`
	OutputDir   string     `json:"output_dir"`
	IncludeAll  bool       `json:"include_all"`
	Minify      bool       `json:"minify"`
	Status      string     `json:"status"`
	FailedStage string     `json:"failed_stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	Resources   int        `json:"resources"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Outcome is what Finish records about a run.
type Outcome struct {
	Err         error
	FailedStage string
	Resources   int
	Artifacts   []builder.Artifact
}

// Store records builds.
type Store struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the build ID generator. Default: idgen.BuildID.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the history database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps a database that already holds Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, newID: idgen.BuildID, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Start records a run as running and returns its build ID.
func (s *Store) Start(ctx context.Context, page string, opts builder.Options) (string, error) {
	id := s.newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (build_id, page, output_dir, include_all, minify, status, started_at)
		VALUES (?,?,?,?,?,?,?)`,
		id, page, opts.OutputDir, opts.IncludeAll, opts.Minify, StatusRunning, s.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("history: start: %w", err)
	}
	return id, nil
}

// Finish records the outcome of a run and the artifacts it wrote.
func (s *Store) Finish(ctx context.Context, id string, out Outcome) error {
	status, msg := StatusCompleted, ""
	if out.Err != nil {
		status, msg = StatusFailed, out.Err.Error()
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE builds SET status = ?, failed_stage = ?, error = ?, resources = ?, finished_at = ?
			WHERE build_id = ?`,
			status, out.FailedStage, msg, out.Resources, s.now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("history: finish: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for _, a := range out.Artifacts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO build_artifacts (build_id, stage, path, bytes, sha256)
				VALUES (?,?,?,?,?)`,
				id, a.Stage, a.Path, a.Bytes, a.SHA256); err != nil {
				return fmt.Errorf("history: artifact: %w", err)
			}
		}
		return nil
	})
}

// Get returns one build.
func (s *Store) Get(ctx context.Context, id string) (*Build, error) {
	row := s.db.QueryRowContext(ctx, selectBuild+` WHERE build_id = ?`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// Recent lists the latest builds, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectBuild+` ORDER BY started_at DESC, build_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Artifacts lists the artifacts a build wrote, in write order.
func (s *Store) Artifacts(ctx context.Context, id string) ([]builder.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, path, bytes, sha256 FROM build_artifacts
		WHERE build_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("history: artifacts: %w", err)
	}
	defer rows.Close()

	var out []builder.Artifact
	for rows.Next() {
		var a builder.Artifact
		if err := rows.Scan(&a.Stage, &a.Path, &a.Bytes, &a.SHA256); err != nil {
			return nil, fmt.Errorf("history: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes builds started before the cutoff, with their artifacts, and
// returns how many builds went.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	var n int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM build_artifacts WHERE build_id IN
			(SELECT build_id FROM builds WHERE started_at < ?)`, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	if n > 0 {
		s.logger.Info("history: pruned builds", "count", n, "older_than", olderThan)
	}
	return n, nil
}

const selectBuild = `
	SELECT build_id, page, output_dir, include_all, minify, status, failed_stage,
	       error, resources, started_at, finished_at
	FROM builds`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(r scanner) (*Build, error) {
	var (
		b        Build
		started  int64
		finished sql.NullInt64
	)
	if err := r.Scan(&b.ID, &b.Page, &b.OutputDir, &b.IncludeAll, &b.Minify, &b.Status,
		&b.FailedStage, &b.Error, &b.Resources, &started, &finished); err != nil {
		return nil, err
	}
	b.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		b.FinishedAt = &t
	}
	return &b, nil
}
