// Package catalog persists per-unit processing history to SQLite so a
// batch run can be audited after the fact.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Unit status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Unit is one processing unit's recorded outcome.
type Unit struct {
	ID          string    `json:"id"`
	Left        string    `json:"left"`
	Right       string    `json:"right"`
	Outputs     []string  `json:"outputs"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Catalog is a handle to the history database.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	c := &Catalog{db: db}
	if err := c.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		left_path TEXT NOT NULL,
		right_path TEXT,
		outputs TEXT, -- JSON array
		status TEXT NOT NULL,
		error TEXT,
		created_at TEXT,
		completed_at TEXT
	)`
	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("create units table: %w", err)
	}
	return nil
}

// Record upserts one unit's outcome.
func (c *Catalog) Record(ctx context.Context, u Unit) error {
	outputs, err := json.Marshal(u.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO units
		(id, left_path, right_path, outputs, status, error, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Left, u.Right, string(outputs), u.Status, u.Error,
		u.CreatedAt.Format(time.RFC3339Nano),
		u.CompletedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record unit %s: %w", u.ID, err)
	}
	return nil
}

// Recent returns up to limit units, most recently created first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]Unit, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, left_path, right_path, outputs, status, error, created_at, completed_at
	FROM units ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		var outputs, created, completed string
		if err := rows.Scan(&u.ID, &u.Left, &u.Right, &outputs, &u.Status, &u.Error, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		if outputs != "" {
			if err := json.Unmarshal([]byte(outputs), &u.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs for %s: %w", u.ID, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completed); err == nil {
			u.CompletedAt = t
		}
		units = append(units, u)
	}
	return units, rows.Err()
}
