// Package history persists one row per (task, node) outcome so past runs
// can be inspected after the fact.
package history

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one persisted execution outcome.
type Record struct {
	ID          int64
	RunID       string
	NodeID      int
	NodeName    string
	NodeAddress string
	Kind        string
	Command     string
	Success     bool
	ExitCode    sql.NullInt64
	Stdout      string
	Stderr      string
	Error       string
	Attempts    int
	ElapsedMs   int64
	CreatedAt   time.Time
}

const schema = `CREATE TABLE IF NOT EXISTS task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	node_id INTEGER NOT NULL,
	node_name TEXT NOT NULL,
	node_address TEXT NOT NULL,
	kind TEXT NOT NULL,
	command TEXT NOT NULL,
	success INTEGER NOT NULL,
	exit_code INTEGER,
	stdout TEXT,
	stderr TEXT,
	error TEXT,
	attempts INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_run ON task_history(run_id);`

type Repo struct{ db *sql.DB }

// Open opens (and if needed initializes) the history database.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Insert(rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := r.db.Exec(`INSERT INTO task_history
		(run_id,node_id,node_name,node_address,kind,command,success,exit_code,stdout,stderr,error,attempts,elapsed_ms,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.NodeID, rec.NodeName, rec.NodeAddress, rec.Kind, rec.Command,
		rec.Success, rec.ExitCode, rec.Stdout, rec.Stderr, rec.Error, rec.Attempts,
		rec.ElapsedMs, rec.CreatedAt)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	rec.ID = id
	return nil
}

// ListRecent returns the newest records first.
func (r *Repo) ListRecent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id,run_id,node_id,node_name,node_address,kind,command,success,exit_code,stdout,stderr,error,attempts,elapsed_ms,created_at
		FROM task_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeID, &rec.NodeName, &rec.NodeAddress,
			&rec.Kind, &rec.Command, &rec.Success, &rec.ExitCode, &rec.Stdout, &rec.Stderr,
			&rec.Error, &rec.Attempts, &rec.ElapsedMs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func (r *Repo) Close() error { return r.db.Close() }
