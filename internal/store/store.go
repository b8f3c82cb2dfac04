// Package store keeps the history of pipeline runs started from the web UI
// in SQLite: the job inputs, the streamed log and the final status.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var ErrNotFound = errors.New("run not found")

// Run is one pipeline invocation.
type Run struct {
	ID           string
	Kind         string
	Project      string
	OutputDir    string
	Region       string
	DeployMethod string
	Status       string
	ExitCode     int
	Log          string
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// Done reports whether the run has finished.
func (r *Run) Done() bool {
	return r.Status != StatusRunning
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL DEFAULT 'run',
	project       TEXT NOT NULL DEFAULT '',
	output_dir    TEXT NOT NULL DEFAULT '',
	region        TEXT NOT NULL DEFAULT '',
	deploy_method TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	exit_code     INTEGER NOT NULL DEFAULT 0,
	log           TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	finished_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts r as running. An empty ID gets a new UUID; the stored run
// is returned.
func (s *Store) Create(ctx context.Context, r Run) (*Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Kind == "" {
		r.Kind = "run"
	}
	r.Status = StatusRunning
	r.CreatedAt = s.now().UTC()
	r.FinishedAt = nil
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, project, output_dir, region, deploy_method, status, log, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Project, r.OutputDir, r.Region, r.DeployMethod, r.Status, r.Log, r.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &r, nil
}

// AppendLog appends chunk to the run's log.
func (s *Store) AppendLog(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET log = log || ? WHERE id = ?`, chunk, id)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return expectOne(res, id)
}

// Finish records the final status and exit code.
func (s *Store) Finish(ctx context.Context, id, status string, exitCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		status, exitCode, s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return expectOne(res, id)
}

func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns the newest runs first, without their logs.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		r.Log = ""
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Delete removes a run record.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectOne(res, id)
}

const columns = `id, kind, project, output_dir, region, deploy_method, status, exit_code, log, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (*Run, error) {
	var (
		r        Run
		created  int64
		finished sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Kind, &r.Project, &r.OutputDir, &r.Region, &r.DeployMethod,
		&r.Status, &r.ExitCode, &r.Log, &created, &finished); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
