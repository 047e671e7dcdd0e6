// Package index keeps a queryable SQLite index of the traces written by
// every run: which test, which file, which outcome.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"calltrace/internal/core"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 10 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
	timestampLayout          = "2006-01-02T15:04:05.000000000Z07:00"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id       TEXT PRIMARY KEY,
    started_at   TEXT NOT NULL,
    project_root TEXT NOT NULL,
    framework    TEXT NOT NULL,
    workers      INTEGER NOT NULL,
    max_tests    INTEGER,
    random       INTEGER NOT NULL,
    seed         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS traces (
    run_id      TEXT NOT NULL REFERENCES runs(run_id),
    test_id     TEXT NOT NULL,
    file        TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    events      INTEGER NOT NULL,
    worker      INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    written_at  TEXT NOT NULL,
    PRIMARY KEY (run_id, test_id)
);
CREATE INDEX IF NOT EXISTS traces_test_id ON traces(test_id);
`

// Entry is one indexed trace.
type Entry struct {
	RunID     string
	TestID    core.TestID
	File      string
	Outcome   core.Outcome
	Duration  time.Duration
	Events    int
	Worker    int
	Error     string
	WrittenAt time.Time
}

// Index is a SQLite database of runs and their traces.
type Index struct {
	Path string
	db   *sql.DB
	// SQLite allows one writer at a time; writes are serialized here so
	// concurrent callers do not contend on SQLITE_BUSY.
	writeMu sync.Mutex
	now     func() time.Time
}

// Open opens or creates the index at path.
func Open(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("index path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", path, err)
	}
	idx := &Index{Path: path, db: db, now: time.Now}
	if err := idx.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure index schema: %w", err)
	}
	return idx, nil
}

func (x *Index) configure() error {
	if _, err := x.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := x.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := x.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// RecordRun inserts or replaces the row describing run.
func (x *Index) RecordRun(ctx context.Context, run core.RunManifest) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	var maxTests any
	if run.MaxTests != nil {
		maxTests = *run.MaxTests
	}
	err := retrySQLiteBusy(ctx, func() error {
		_, err := x.db.ExecContext(ctx, `
INSERT INTO runs (run_id, started_at, project_root, framework, workers, max_tests, random, seed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    project_root = excluded.project_root,
    framework    = excluded.framework,
    workers      = excluded.workers,
    max_tests    = excluded.max_tests,
    random       = excluded.random,
    seed         = excluded.seed`,
			run.RunID, x.now().UTC().Format(timestampLayout), run.ProjectRoot, run.Framework,
			run.Workers, maxTests, run.Random, run.Seed)
		return err
	})
	if err != nil {
		return fmt.Errorf("record run %q: %w", run.RunID, err)
	}
	return nil
}

// RecordResults indexes the results of run in one transaction. A result
// recorded twice for the same test replaces the earlier row.
func (x *Index) RecordResults(ctx context.Context, runID string, results []core.Result) error {
	if len(results) == 0 {
		return nil
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	writtenAt := x.now().UTC().Format(timestampLayout)
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := x.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin index transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO traces (run_id, test_id, file, outcome, duration_ms, events, worker, error, written_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare index insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range results {
			errText := ""
			if r.Err != nil {
				errText = r.Err.Error()
			}
			if _, err := stmt.ExecContext(ctx,
				runID, string(r.TestID), r.File, string(r.Outcome),
				r.Duration.Milliseconds(), r.Events, r.Worker, errText, writtenAt,
			); err != nil {
				return fmt.Errorf("index %q: %w", r.TestID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("record results of run %q: %w", runID, err)
	}
	return nil
}

const entryColumns = `run_id, test_id, file, outcome, duration_ms, events, worker, error, written_at`

// Latest returns the most recently written entry for id.
func (x *Index) Latest(ctx context.Context, id core.TestID) (Entry, bool, error) {
	row := x.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM traces
WHERE test_id = ? ORDER BY written_at DESC, rowid DESC LIMIT 1`, string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %q: %w", id, err)
	}
	return e, true, nil
}

// Run lists the entries of one run ordered by test id.
func (x *Index) Run(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM traces
WHERE run_id = ? ORDER BY test_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run %q: %w", runID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list run %q: %w", runID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OutcomeCounts returns the number of traces per outcome in a run.
func (x *Index) OutcomeCounts(ctx context.Context, runID string) (map[core.Outcome]int, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM traces WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("count outcomes of run %q: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[core.Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[core.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e          Entry
		testID     string
		outcome    string
		durationMS int64
		writtenAt  string
	)
	if err := s.Scan(&e.RunID, &testID, &e.File, &outcome, &durationMS, &e.Events, &e.Worker, &e.Error, &writtenAt); err != nil {
		return Entry{}, err
	}
	e.TestID = core.TestID(testID)
	e.Outcome = core.Outcome(outcome)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	t, err := time.Parse(timestampLayout, writtenAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse written_at %q: %w", writtenAt, err)
	}
	e.WrittenAt = t
	return e, nil
}

// retrySQLiteBusy retries transient lock contention with capped backoff.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	var err error
	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
