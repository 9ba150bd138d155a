// Package trace persists a queryable record of debug runs: when sessions
// started and ended, where breakpoints bound, and every stop the debuggee
// made. The store is SQLite, so past runs survive restarts and can be
// inspected from the CLI.
package trace

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Event kinds recorded per run.
const (
	KindInitialized = "initialized"
	KindBinding     = "binding"
	KindUnbound     = "unbound"
	KindHit         = "hit"
	KindStopped     = "stopped"
	KindOutput      = "output"
	KindTerminated  = "terminated"
	KindExited      = "exited"
)

// Run is one recorded debug session.
type Run struct {
	ID        string
	Name      string
	Adapter   string
	StartedAt time.Time
	EndedAt   time.Time // zero while the run is live
	ExitCode  int
}

// Event is one recorded occurrence within a run.
type Event struct {
	ID        int64
	RunID     string
	Kind      string
	Location  string
	Detail    string
	Timestamp time.Time
}

// Store is the SQLite-backed trace log.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// NewStore opens (or creates) the trace database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
	}

	// WAL keeps concurrent recorder writes and CLI reads from blocking
	// each other.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize trace schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		adapter TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		exit_code INTEGER
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		location TEXT,
		detail TEXT,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a debug session and returns its run id.
func (s *Store) BeginRun(name, adapter string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, name, adapter, started_at) VALUES (?, ?, ?, ?)`,
		runID, name, adapter, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return runID, nil
}

// EndRun records the end of a run with the debuggee's exit code.
func (s *Store) EndRun(runID string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE runs SET ended_at = ?, exit_code = ? WHERE run_id = ?`,
		time.Now().UnixMilli(), exitCode, runID,
	)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	return nil
}

// Record appends one event to a run.
func (s *Store) Record(runID, kind, location, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO events (run_id, kind, location, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		runID, kind, location, detail, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	return nil
}

// Run returns one run by id.
func (s *Store) Run(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, name, adapter, started_at, ended_at, exit_code FROM runs WHERE run_id = ?`,
		runID,
	)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, name, adapter, started_at, ended_at, exit_code
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunEvents returns a run's events in order.
func (s *Store) RunEvents(runID string) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, kind, location, detail, timestamp
		 FROM events WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var ts int64
		var location, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &location, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Location = location.String
		e.Detail = detail.String
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Prune deletes runs older than ttl along with their events. Returns the
// number of runs removed.
func (s *Store) Prune(ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	// The foreign key cascade only runs with foreign_keys on; delete
	// orphans explicitly.
	if _, err := s.db.Exec(`DELETE FROM events WHERE run_id NOT IN (SELECT run_id FROM runs)`); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var started int64
	var ended, exit sql.NullInt64
	if err := row.Scan(&r.ID, &r.Name, &r.Adapter, &started, &ended, &exit); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		r.EndedAt = time.UnixMilli(ended.Int64)
	}
	if exit.Valid {
		r.ExitCode = int(exit.Int64)
	}
	return &r, nil
}
