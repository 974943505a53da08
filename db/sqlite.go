package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run is one prediction request as recorded in the run log.
type Run struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Rows       int       `json:"rows"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunLog persists prediction runs in a local SQLite file. It never stores
// query results.
type RunLog struct {
	db *sql.DB
}

// OpenRunLog opens (and creates if needed) the run log database.
func OpenRunLog(path string) (*RunLog, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS prediction_runs (
        id TEXT PRIMARY KEY,
        query TEXT NOT NULL,
        rows INTEGER DEFAULT 0,
        status TEXT NOT NULL,
        stage TEXT,
        error TEXT,
        duration_ms INTEGER DEFAULT 0,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_prediction_runs_created ON prediction_runs(created_at);
    `
	if _, err := conn.Exec(query); err != nil {
		conn.Close()
		return nil, err
	}
	return &RunLog{db: conn}, nil
}

func (l *RunLog) Close() error { return l.db.Close() }

// Record inserts a run.
func (l *RunLog) Record(ctx context.Context, run Run) error {
	if l == nil || l.db == nil {
		return errors.New("run log not initialized")
	}
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO prediction_runs (id, query, rows, status, stage, error, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Query, run.Rows, run.Status, run.Stage, run.Error, run.DurationMS, run.CreatedAt.UTC())
	return err
}

// Recent returns the latest runs, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]Run, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("run log not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
        SELECT id, query, rows, status, stage, error, duration_ms, created_at
        FROM prediction_runs
        ORDER BY created_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var r Run
		var stage, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.Query, &r.Rows, &r.Status, &stage, &errText, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Stage = stage.String
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
