// Package history keeps a local SQLite record of download runs and the
// outcome of every student in them.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ligustah/harvest/internal/manifest"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("history: run not found")

// Run summarizes one download run.
type Run struct {
	ID              string
	Assignment      string
	Started         time.Time
	Finished        time.Time
	DryRun          bool
	Sections        int
	SectionFailures int
	OK              int
	Warning         int
	Failed          int
	Bytes           int64
}

// Total is the number of students attempted.
func (r Run) Total() int { return r.OK + r.Warning + r.Failed }

// Outcome is one student's result within a run.
type Outcome struct {
	Section string
	Slug    string
	CodioID string
	Status  manifest.Status
	Error   string
}

// Store is a run history backed by modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens (creating if needed) the history database at dsn, a file path
// or a "file:" URI, and migrates its schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            assignment TEXT NOT NULL,
            started_at TEXT NOT NULL,
            finished_at TEXT NOT NULL,
            dry_run INTEGER NOT NULL,
            sections INTEGER NOT NULL,
            section_failures INTEGER NOT NULL,
            ok INTEGER NOT NULL,
            warning INTEGER NOT NULL,
            failed INTEGER NOT NULL,
            bytes INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS outcomes (
            run_id TEXT NOT NULL REFERENCES runs(id),
            section TEXT NOT NULL,
            slug TEXT NOT NULL,
            codio_id TEXT NOT NULL,
            status TEXT NOT NULL,
            error TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS outcomes_run ON outcomes(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("exec migrate: %w", err)
		}
	}
	return nil
}

// Record stores run together with the outcome of every result in m. The
// status counts of run are derived from m.
func (s *Store) Record(ctx context.Context, run Run, m manifest.Manifest) (err error) {
	if run.ID == "" {
		return errors.New("history: run id required")
	}
	run.OK, run.Warning, run.Failed = 0, 0, 0
	for i := range m {
		switch m[i].Status() {
		case manifest.StatusFailed:
			run.Failed++
		case manifest.StatusWarning:
			run.Warning++
		default:
			run.OK++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id, assignment, started_at, finished_at, dry_run,
            sections, section_failures, ok, warning, failed, bytes)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Assignment, formatTime(run.Started), formatTime(run.Finished), run.DryRun,
		run.Sections, run.SectionFailures, run.OK, run.Warning, run.Failed, run.Bytes)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	for i := range m {
		r := &m[i]
		var msg sql.NullString
		if len(r.Errors) > 0 {
			msg = sql.NullString{String: r.Errors[0], Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO outcomes(run_id, section, slug, codio_id, status, error)
            VALUES(?,?,?,?,?,?)`,
			run.ID, r.Section, r.Slug, r.CodioID, string(r.Status()), msg)
		if err != nil {
			return fmt.Errorf("insert outcome %s/%s: %w", r.Section, r.Slug, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const runColumns = `id, assignment, started_at, finished_at, dry_run, sections, section_failures,
        ok, warning, failed, bytes`

// Runs returns the most recent runs, newest first. A limit of 0 or less
// returns all runs.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Run returns a single run.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Outcomes returns the student outcomes of a run ordered by section and slug.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT section, slug, codio_id, status, COALESCE(error,'')
        FROM outcomes WHERE run_id = ? ORDER BY section, slug`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var status string
		if err := rows.Scan(&o.Section, &o.Slug, &o.CodioID, &status, &o.Error); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = manifest.Status(status)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                 Run
		started, finished string
	)
	err := sc.Scan(&r.ID, &r.Assignment, &started, &finished, &r.DryRun,
		&r.Sections, &r.SectionFailures, &r.OK, &r.Warning, &r.Failed, &r.Bytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if r.Started, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if r.Finished, err = parseTime(finished); err != nil {
		return Run{}, err
	}
	return r, nil
}

// Times are stored as fixed-width UTC text so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
