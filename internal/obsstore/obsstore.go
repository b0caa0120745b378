// Package obsstore provides local, best-effort diagnostic history for the
// coordinator: sweeps, claims, and training outcomes. It holds no
// coordination state — ZooKeeper remains the sole source of truth for
// I2-I5 — and its unavailability never blocks a tick.
package obsstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed sink for coordinator observability records.
type Store struct {
	db *sql.DB
}

// Sweep records one LEADER tick's model enumeration.
type Sweep struct {
	ID          int64
	SweptAt     time.Time
	ModelCount  int
	QueuedCount int
	Requeued    int
	Node        string
}

// ClaimEvent is one follower's claim/release/abandon event, or a leader's
// recovery of an abandoned claim.
type ClaimEvent struct {
	ID        int64
	Model     string
	Node      string
	Event     string // claimed, released, abandoned, requeued
	OccurredAt time.Time
	Detail    string
}

// TrainingOutcome is the result of one Training Job invocation.
type TrainingOutcome struct {
	ID          int64
	Model       string
	Node        string
	StartedAt   time.Time
	CompletedAt time.Time
	Success     bool
	Error       string
}

const schema = `
CREATE TABLE IF NOT EXISTS sweeps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	swept_at DATETIME NOT NULL DEFAULT (datetime('now')),
	model_count INTEGER NOT NULL DEFAULT 0,
	queued_count INTEGER NOT NULL DEFAULT 0,
	requeued INTEGER NOT NULL DEFAULT 0,
	node TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claims (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	node TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	occurred_at DATETIME NOT NULL DEFAULT (datetime('now')),
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_claims_model ON claims(model);

CREATE TABLE IF NOT EXISTS training_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	node TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	success INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_training_outcomes_model ON training_outcomes(model);
`

// Open creates (if needed) and opens the observability database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("obsstore: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("obsstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSweep appends a sweep record for one LEADER tick.
func (s *Store) RecordSweep(sweep Sweep) error {
	_, err := s.db.Exec(
		`INSERT INTO sweeps (model_count, queued_count, requeued, node) VALUES (?, ?, ?, ?)`,
		sweep.ModelCount, sweep.QueuedCount, sweep.Requeued, sweep.Node,
	)
	if err != nil {
		return fmt.Errorf("obsstore: record sweep: %w", err)
	}
	return nil
}

// RecordClaim appends a claim lifecycle event.
func (s *Store) RecordClaim(model, node, event, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO claims (model, node, event, detail) VALUES (?, ?, ?, ?)`,
		model, node, event, detail,
	)
	if err != nil {
		return fmt.Errorf("obsstore: record claim: %w", err)
	}
	return nil
}

// RecordTrainingOutcome appends the result of one Training Job invocation.
func (s *Store) RecordTrainingOutcome(outcome TrainingOutcome) error {
	_, err := s.db.Exec(
		`INSERT INTO training_outcomes (model, node, started_at, completed_at, success, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		outcome.Model, outcome.Node, outcome.StartedAt, outcome.CompletedAt, outcome.Success, outcome.Error,
	)
	if err != nil {
		return fmt.Errorf("obsstore: record training outcome: %w", err)
	}
	return nil
}

// RecentSweeps returns the most recent n sweep records, newest first.
func (s *Store) RecentSweeps(n int) ([]Sweep, error) {
	rows, err := s.db.Query(
		`SELECT id, swept_at, model_count, queued_count, requeued, node
		 FROM sweeps ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("obsstore: recent sweeps: %w", err)
	}
	defer rows.Close()

	var out []Sweep
	for rows.Next() {
		var sw Sweep
		if err := rows.Scan(&sw.ID, &sw.SweptAt, &sw.ModelCount, &sw.QueuedCount, &sw.Requeued, &sw.Node); err != nil {
			return nil, fmt.Errorf("obsstore: scan sweep: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// ListClaimsForModel returns claim events for model, oldest first.
func (s *Store) ListClaimsForModel(model string) ([]ClaimEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, model, node, event, occurred_at, detail
		 FROM claims WHERE model = ? ORDER BY id ASC`, model,
	)
	if err != nil {
		return nil, fmt.Errorf("obsstore: list claims for %s: %w", model, err)
	}
	defer rows.Close()

	var out []ClaimEvent
	for rows.Next() {
		var c ClaimEvent
		if err := rows.Scan(&c.ID, &c.Model, &c.Node, &c.Event, &c.OccurredAt, &c.Detail); err != nil {
			return nil, fmt.Errorf("obsstore: scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentTrainingOutcomes returns the most recent n training outcomes for
// model, newest first. If model is empty, returns outcomes across all
// models.
func (s *Store) RecentTrainingOutcomes(model string, n int) ([]TrainingOutcome, error) {
	var rows *sql.Rows
	var err error
	if model == "" {
		rows, err = s.db.Query(
			`SELECT id, model, node, started_at, completed_at, success, error
			 FROM training_outcomes ORDER BY id DESC LIMIT ?`, n,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, model, node, started_at, completed_at, success, error
			 FROM training_outcomes WHERE model = ? ORDER BY id DESC LIMIT ?`, model, n,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("obsstore: recent training outcomes: %w", err)
	}
	defer rows.Close()

	var out []TrainingOutcome
	for rows.Next() {
		var o TrainingOutcome
		if err := rows.Scan(&o.ID, &o.Model, &o.Node, &o.StartedAt, &o.CompletedAt, &o.Success, &o.Error); err != nil {
			return nil, fmt.Errorf("obsstore: scan training outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
