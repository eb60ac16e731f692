// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jeranaias/chatrelay/internal/relay"
)

// =============================================================================
// SCHEMA
// =============================================================================

const journalSchema = `
CREATE TABLE IF NOT EXISTS relay_calls (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,  -- Unix milliseconds
    request_id TEXT,
    mode TEXT NOT NULL,
    model TEXT,
    outcome TEXT NOT NULL,        -- completed, cancelled, failed
    error_type TEXT,
    status INTEGER NOT NULL,
    chunks INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relay_calls_created_at ON relay_calls(created_at);
CREATE INDEX IF NOT EXISTS idx_relay_calls_outcome ON relay_calls(outcome);
`

// ErrJournalClosed is returned by operations on a closed journal.
var ErrJournalClosed = errors.New("journal is closed")

// =============================================================================
// JOURNAL
// =============================================================================

// Entry is one journal row.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	RequestID  string    `json:"requestId,omitempty"`
	Mode       string    `json:"mode"`
	Model      string    `json:"model,omitempty"`
	Outcome    string    `json:"outcome"`
	ErrorType  string    `json:"errorType,omitempty"`
	Status     int       `json:"status"`
	Chunks     int       `json:"chunks"`
	Bytes      int       `json:"bytes"`
	DurationMS int64     `json:"durationMs"`
}

// EntryFromSummary converts a relay summary into a journal entry.
func EntryFromSummary(sum relay.Summary, at time.Time) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Time:       at,
		RequestID:  sum.RequestID,
		Mode:       sum.Mode,
		Model:      sum.Model,
		Outcome:    string(sum.Outcome),
		ErrorType:  sum.ErrorKind,
		Status:     sum.Status,
		Chunks:     sum.Chunks,
		Bytes:      sum.Bytes,
		DurationMS: sum.Duration.Milliseconds(),
	}
}

// JournalSummary aggregates the whole journal.
type JournalSummary struct {
	Total       int64            `json:"total"`
	ByOutcome   map[string]int64 `json:"byOutcome"`
	ByErrorType map[string]int64 `json:"byErrorType"`
}

// Journal is a SQLite-backed log of relay calls.
type Journal struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) conn() (*sql.DB, error) {
	if j == nil {
		return nil, ErrJournalClosed
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrJournalClosed
	}
	return j.db, nil
}

// Record inserts one entry. An empty ID is filled with a new UUID.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	db, err := j.conn()
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO relay_calls
			(id, created_at, request_id, mode, model, outcome, error_type, status, chunks, bytes, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixMilli(), e.RequestID, e.Mode, e.Model, e.Outcome,
		e.ErrorType, e.Status, e.Chunks, e.Bytes, e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record relay call: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	db, err := j.conn()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Entry{}, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, created_at, request_id, mode, model, outcome, error_type, status, chunks, bytes, duration_ms
		FROM relay_calls
		ORDER BY seq DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, n)
	for rows.Next() {
		var (
			e         Entry
			createdAt int64
			requestID sql.NullString
			model     sql.NullString
			errorType sql.NullString
		)
		if err := rows.Scan(&e.ID, &createdAt, &requestID, &e.Mode, &model, &e.Outcome,
			&errorType, &e.Status, &e.Chunks, &e.Bytes, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Time = time.UnixMilli(createdAt)
		e.RequestID = requestID.String
		e.Model = model.String
		e.ErrorType = errorType.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary counts all entries by outcome and by error type.
func (j *Journal) Summary(ctx context.Context) (JournalSummary, error) {
	sum := JournalSummary{
		ByOutcome:   make(map[string]int64),
		ByErrorType: make(map[string]int64),
	}
	db, err := j.conn()
	if err != nil {
		return sum, err
	}

	collect := func(query string, into map[string]int64) error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to summarize journal: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				return fmt.Errorf("failed to scan journal summary: %w", err)
			}
			into[key] = count
		}
		return rows.Err()
	}

	if err := collect(`SELECT outcome, COUNT(*) FROM relay_calls GROUP BY outcome`, sum.ByOutcome); err != nil {
		return sum, err
	}
	if err := collect(`SELECT error_type, COUNT(*) FROM relay_calls
		WHERE error_type IS NOT NULL AND error_type != '' GROUP BY error_type`, sum.ByErrorType); err != nil {
		return sum, err
	}
	for _, n := range sum.ByOutcome {
		sum.Total += n
	}
	return sum, nil
}

// Close closes the database. Further calls return ErrJournalClosed.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
