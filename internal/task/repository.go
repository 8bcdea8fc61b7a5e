package task

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository keeps a history of task records in SQLite so finished downloads
// are still listed after a restart. The in-memory Registry stays authoritative
// for live tasks.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.InitTable(); err != nil {
		return nil, fmt.Errorf("init tasks table: %w", err)
	}
	return r, nil
}

// InitTable creates the tasks table if it doesn't exist
func (r *Repository) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		manifest TEXT NOT NULL,
		language TEXT,
		content TEXT,
		output_dir TEXT,
		status TEXT NOT NULL,
		progress REAL,
		error TEXT,
		error_kind TEXT,
		exit_code INTEGER,
		manifest_path TEXT,
		attempt INTEGER,
		version INTEGER NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		updated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_started_at ON tasks(started_at);
	`
	_, err := r.db.Exec(query)
	return err
}

// Save upserts rec. Writes carrying an older version than the stored row are
// dropped, so snapshots saved out of order never regress the history.
func (r *Repository) Save(ctx context.Context, rec Record) error {
	query := `
	INSERT INTO tasks (id, manifest, language, content, output_dir, status, progress, error, error_kind,
		exit_code, manifest_path, attempt, version, started_at, ended_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		manifest = excluded.manifest,
		language = excluded.language,
		content = excluded.content,
		output_dir = excluded.output_dir,
		status = excluded.status,
		progress = excluded.progress,
		error = excluded.error,
		error_kind = excluded.error_kind,
		exit_code = excluded.exit_code,
		manifest_path = excluded.manifest_path,
		attempt = excluded.attempt,
		version = excluded.version,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at,
		updated_at = excluded.updated_at
	WHERE excluded.version > tasks.version`

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	var endedAt sql.NullTime
	if rec.EndedAt != nil {
		endedAt = sql.NullTime{Time: *rec.EndedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ManifestRef, rec.Language, rec.Content, rec.OutputDir, string(rec.Status), rec.Progress,
		rec.Error, string(rec.ErrorKind), exitCode, rec.ManifestPath, rec.Attempt, rec.Version,
		rec.StartedAt, endedAt, rec.UpdatedAt)
	return err
}

const selectColumns = `SELECT id, manifest, language, content, output_dir, status, progress, error, error_kind,
	exit_code, manifest_path, attempt, version, started_at, ended_at, updated_at FROM tasks`

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns every stored task, newest first.
func (r *Repository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec                           Record
		status, kind                  string
		language, content, outputDir  sql.NullString
		errMsg, manifestPath          sql.NullString
		progress                      sql.NullFloat64
		exitCode, attempt             sql.NullInt64
		startedAt, endedAt, updatedAt sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.ManifestRef, &language, &content, &outputDir, &status, &progress,
		&errMsg, &kind, &exitCode, &manifestPath, &attempt, &rec.Version, &startedAt, &endedAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}

	rec.Language = language.String
	rec.Content = content.String
	rec.OutputDir = outputDir.String
	rec.Status = Status(status)
	rec.Progress = progress.Float64
	rec.Error = errMsg.String
	rec.ErrorKind = ErrorKind(kind)
	rec.ManifestPath = manifestPath.String
	rec.Attempt = int(attempt.Int64)
	rec.StartedAt = startedAt.Time
	rec.UpdatedAt = updatedAt.Time
	rec.Speed = NoSpeed
	rec.ETA = NoETA
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}
