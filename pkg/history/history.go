// Operation journal
//
// The journal records every finished controller operation in a SQLite
// table so printer history survives restarts.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ercf-go/pkg/ercf"
	hosterrors "ercf-go/pkg/errors"
	"ercf-go/pkg/log"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one finished operation.
type Record struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	Tool      int           `json:"tool"`
	Gate      int           `json:"gate"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	EncoderMM float64       `json:"encoder_mm"`
}

// Query filters List. Zero values select everything.
type Query struct {
	Limit     int
	Operation string
	Gate      *int
	Failed    bool
	Since     time.Time
}

// Summary aggregates the journal per operation.
type Summary struct {
	Operation string        `json:"operation"`
	Count     int           `json:"count"`
	Failures  int           `json:"failures"`
	Mean      time.Duration `json:"mean_ns"`
}

// Journal stores records in SQLite and implements ercf.Observer.
type Journal struct {
	db  *sql.DB
	log *log.Logger

	mu      sync.Mutex
	lastErr error
}

// Open opens or creates the journal database at path. Use ":memory:" for
// a private in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, hosterrors.StorageError(err, "create journal directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, hosterrors.StorageError(err, "open journal")
	}
	// One connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, hosterrors.StorageError(err, "ping journal")
	}
	j := &Journal{db: db, log: log.New("history")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, hosterrors.StorageError(err, "migrate journal")
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		op TEXT NOT NULL,
		tool INTEGER NOT NULL,
		gate INTEGER NOT NULL,
		started TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		encoder_mm REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started DESC);
	CREATE INDEX IF NOT EXISTS idx_operations_gate ON operations(gate);
	`)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SetLogger replaces the journal logger.
func (j *Journal) SetLogger(l *log.Logger) {
	j.log = l
}

// Observe implements ercf.Observer. Failures to write are logged and kept
// for Err.
func (j *Journal) Observe(e ercf.Event) {
	if e.Kind != ercf.EventOperation {
		return
	}
	rec := Record{
		ID:        e.OpID,
		Operation: e.Operation,
		Tool:      e.Tool,
		Gate:      e.Gate,
		Started:   e.Time.Add(-e.Duration),
		Duration:  e.Duration,
		Outcome:   ercf.Outcome(e.Err),
		EncoderMM: e.EncoderMM,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	err := j.Add(context.Background(), rec)
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
	if err != nil {
		j.log.Warn("Failed to journal %s: %v", rec.Operation, err)
	}
}

// Err returns the last write error seen by Observe.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Add inserts a record, replacing any with the same ID.
func (j *Journal) Add(ctx context.Context, r Record) error {
	if r.ID == "" {
		return hosterrors.InvalidParameter("id", "record id must not be empty")
	}
	_, err := j.db.ExecContext(ctx, `
	INSERT INTO operations (id, op, tool, gate, started, duration_ms, outcome, error, encoder_mm)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		duration_ms = excluded.duration_ms,
		outcome = excluded.outcome,
		error = excluded.error,
		encoder_mm = excluded.encoder_mm
	`,
		r.ID, r.Operation, r.Tool, r.Gate,
		r.Started.UTC().Format(timeLayout),
		r.Duration.Milliseconds(), r.Outcome, r.Error, r.EncoderMM,
	)
	if err != nil {
		return hosterrors.StorageError(err, "insert operation")
	}
	return nil
}

// List returns matching records, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Record, error) {
	var where []string
	var args []any
	if q.Operation != "" {
		where = append(where, "op = ?")
		args = append(args, q.Operation)
	}
	if q.Gate != nil {
		where = append(where, "gate = ?")
		args = append(args, *q.Gate)
	}
	if q.Failed {
		where = append(where, "outcome != 'ok'")
	}
	if !q.Since.IsZero() {
		where = append(where, "started >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	query := "SELECT id, op, tool, gate, started, duration_ms, outcome, error, encoder_mm FROM operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, hosterrors.StorageError(err, "query operations")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started string
		var ms int64
		if err := rows.Scan(&r.ID, &r.Operation, &r.Tool, &r.Gate, &started, &ms, &r.Outcome, &r.Error, &r.EncoderMM); err != nil {
			return nil, hosterrors.StorageError(err, "scan operation")
		}
		if r.Started, err = time.Parse(timeLayout, started); err != nil {
			return nil, hosterrors.StorageError(err, "parse started")
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, hosterrors.StorageError(err, "iterate operations")
	}
	return out, nil
}

// Summarize aggregates count, failures and mean duration per operation.
func (j *Journal) Summarize(ctx context.Context) ([]Summary, error) {
	rows, err := j.db.QueryContext(ctx, `
	SELECT op, COUNT(*), SUM(CASE WHEN outcome = 'ok' THEN 0 ELSE 1 END), AVG(duration_ms)
	FROM operations
	GROUP BY op
	ORDER BY op
	`)
	if err != nil {
		return nil, hosterrors.StorageError(err, "summarize operations")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var mean float64
		if err := rows.Scan(&s.Operation, &s.Count, &s.Failures, &mean); err != nil {
			return nil, hosterrors.StorageError(err, "scan summary")
		}
		s.Mean = time.Duration(mean * float64(time.Millisecond))
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, hosterrors.StorageError(err, "iterate summary")
	}
	return out, nil
}

// Prune keeps the newest keep records and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
	DELETE FROM operations WHERE id NOT IN (
		SELECT id FROM operations ORDER BY started DESC LIMIT ?
	)`, keep)
	if err != nil {
		return 0, hosterrors.StorageError(err, "prune operations")
	}
	return res.RowsAffected()
}

// Format renders records as an aligned table.
func Format(records []Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-22s %4s %4s %9s %-22s %s\n", "STARTED", "OPERATION", "TOOL", "GATE", "DURATION", "OUTCOME", "ERROR")
	for _, r := range records {
		fmt.Fprintf(&b, "%-20s %-22s %4d %4d %9s %-22s %s\n",
			r.Started.Local().Format("2006-01-02 15:04:05"), r.Operation, r.Tool, r.Gate,
			r.Duration.Round(100*time.Millisecond), r.Outcome, r.Error)
	}
	return b.String()
}
