// Package gpclient provides the connection lifecycle manager for GP Manager.
// This file contains the connection history store. Every attempt is
// recorded so users can review when and why connections failed.
package gpclient

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/gp-manager/common"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS attempts (
	id         TEXT PRIMARY KEY,
	gateway    TEXT NOT NULL,
	username   TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP,
	outcome    TEXT NOT NULL DEFAULT 'pending',
	reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at DESC);
`

// Attempt is one recorded connection attempt.
type Attempt struct {
	ID        string
	Gateway   string
	Username  string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
	Reason    string
}

// History persists connection attempts to a local SQLite database.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if necessary) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, common.WrapError(err, "failed to open history database")
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, common.WrapError(err, "failed to initialize history schema")
	}
	return &History{db: db}, nil
}

// Begin records the start of a connection attempt.
func (h *History) Begin(id, gateway, username string, startedAt time.Time) error {
	_, err := h.db.Exec(
		`INSERT INTO attempts (id, gateway, username, started_at) VALUES (?, ?, ?, ?)`,
		id, gateway, username, startedAt.UTC(),
	)
	return err
}

// Finish records the terminal outcome of an attempt. Outcomes are
// "disconnected", "failed", or "interrupted".
func (h *History) Finish(id, outcome, reason string, endedAt time.Time) error {
	_, err := h.db.Exec(
		`UPDATE attempts SET outcome = ?, reason = ?, ended_at = ? WHERE id = ?`,
		outcome, reason, endedAt.UTC(), id,
	)
	return err
}

// Recent returns the most recent attempts, newest first.
func (h *History) Recent(limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(
		`SELECT id, gateway, username, started_at, ended_at, outcome, reason
		 FROM attempts ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var ended sql.NullTime
		if err := rows.Scan(&a.ID, &a.Gateway, &a.Username, &a.StartedAt, &ended, &a.Outcome, &a.Reason); err != nil {
			return nil, err
		}
		if ended.Valid {
			a.EndedAt = ended.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}
