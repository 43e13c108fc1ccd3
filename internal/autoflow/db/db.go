package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that lexical order of stored timestamps
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the canonical storage format (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp written by FormatTime. Zero is returned for
// empty or malformed values.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_tasks (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	ticket_identifier TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 3,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	input_data TEXT NOT NULL DEFAULT '',
	output_data TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	available_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS workflow_tasks_one_active
	ON workflow_tasks(ticket_id) WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS workflow_tasks_pending
	ON workflow_tasks(status, priority, created_at);

CREATE TABLE IF NOT EXISTS execution_tasks (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	ticket_identifier TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 3,
	prompt TEXT NOT NULL DEFAULT '',
	sandbox_path TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	agent_session_id TEXT NOT NULL DEFAULT '',
	pr_creation_retry_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	error_message TEXT NOT NULL DEFAULT '',
	available_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS execution_tasks_one_active
	ON execution_tasks(ticket_id) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS ticket_states (
	ticket_id TEXT PRIMARY KEY,
	ticket_identifier TEXT NOT NULL DEFAULT '',
	current_state TEXT NOT NULL DEFAULT 'new',
	metadata TEXT NOT NULL DEFAULT '{}',
	agent_outputs TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_history (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL REFERENCES ticket_states(ticket_id),
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS awaiting_responses (
	ticket_id TEXT PRIMARY KEY,
	ticket_identifier TEXT NOT NULL DEFAULT '',
	waiting_for TEXT NOT NULL,
	comment_id TEXT NOT NULL DEFAULT '',
	last_checked TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	sandbox_path TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	external_session_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_tickets (
	ticket_id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	cached_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_comments (
	ticket_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	cached_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_labels (
	ticket_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	cached_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_workflow_states (
	team_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	cached_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id TEXT PRIMARY KEY,
	received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);
`

func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".autoflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "autoflow.db"), nil
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying connection pool to the stores that own their
// tables (queue, mirror, statemachine, ...).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed. Transactions are
// opened with BEGIN IMMEDIATE so that read-then-write sequences cannot
// interleave with another writer.
func (db *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}
