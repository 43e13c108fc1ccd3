// Package queue holds the durable Workflow and Execution queues.
//
// Both queues live in SQLite and rely on conditional statements rather
// than in-process locks: enqueue inserts only when the ticket has no
// pending or processing row (backed by a partial unique index), and
// dequeue claims the best eligible row in a single UPDATE ... RETURNING.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/metrics"
	"github.com/uesteibar/autoflow/internal/autoflow/retry"
)

// Options configure a queue.
type Options struct {
	// MaxRetries is stored on each new task. Fail re-queues while
	// retryCount < maxRetries.
	MaxRetries int

	// RetryBackoff delays a re-queued task by Raw(retryCount-1). Zero Base
	// makes it immediately eligible again.
	RetryBackoff retry.Backoff

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// table implements the operations both queues share. name is always one of
// the two constant table names.
type table struct {
	conn    *sql.DB
	name    string
	kind    string
	opts    Options
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newTable(conn *sql.DB, name, kind string, opts Options) table {
	opts = opts.withDefaults()
	return table{
		conn:    conn,
		name:    name,
		kind:    kind,
		opts:    opts,
		now:     time.Now,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

func (t table) complete(ctx context.Context, exec execer, id, output string) error {
	now := db.FormatTime(t.now())
	res, err := exec.ExecContext(ctx, `
		UPDATE `+t.name+` SET status = 'completed', error_message = '', finished_at = ?, updated_at = ?`+t.outputSet()+`
		WHERE id = ? AND status = 'processing'`,
		t.outputArgs(now, output, id)...,
	)
	if err != nil {
		return fmt.Errorf("completing %s task %s: %w", t.kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing %s task %s: %w", t.kind, id, ErrNotProcessing)
	}
	return nil
}

func (t table) outputSet() string {
	if t.name == workflowTable {
		return `, output_data = ?`
	}
	return ``
}

func (t table) outputArgs(now, output, id string) []any {
	if t.name == workflowTable {
		return []any{now, now, output, id}
	}
	return []any{now, now, id}
}

// fail increments retryCount and either re-queues the task or marks it
// permanently failed. final forces the latter.
func (t table) fail(ctx context.Context, id string, cause error, final bool) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retryCount, maxRetries int
	err := t.conn.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM `+t.name+` WHERE id = ? AND status = 'processing'`, id,
	).Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("failing %s task %s: %w", t.kind, id, ErrNotProcessing)
	}
	if err != nil {
		return false, fmt.Errorf("failing %s task %s: %w", t.kind, id, err)
	}

	retryCount++
	now := t.now()
	permanent := final || retryCount >= maxRetries

	if permanent {
		_, err = t.conn.ExecContext(ctx, `
			UPDATE `+t.name+` SET status = 'failed', retry_count = ?, error_message = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			retryCount, msg, db.FormatTime(now), db.FormatTime(now), id,
		)
	} else {
		availableAt := now.Add(t.opts.RetryBackoff.Raw(retryCount - 1))
		_, err = t.conn.ExecContext(ctx, `
			UPDATE `+t.name+` SET status = 'pending', retry_count = ?, error_message = ?, available_at = ?, started_at = '', updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			retryCount, msg, db.FormatTime(availableAt), db.FormatTime(now), id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failing %s task %s: %w", t.kind, id, err)
	}
	return permanent, nil
}

// requeueForRateLimit returns a processing task to pending without touching
// retryCount. It becomes eligible at availableAt.
func (t table) requeueForRateLimit(ctx context.Context, id string, availableAt time.Time) error {
	if err := t.requeue(ctx, id, availableAt); err != nil {
		return err
	}
	t.metrics.TaskRateLimited(t.kind)
	return nil
}

func (t table) requeue(ctx context.Context, id string, availableAt time.Time) error {
	now := t.now()
	if availableAt.Before(now) {
		availableAt = now
	}
	res, err := t.conn.ExecContext(ctx, `
		UPDATE `+t.name+` SET status = 'pending', available_at = ?, started_at = '', updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		db.FormatTime(availableAt), db.FormatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("requeueing %s task %s: %w", t.kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeueing %s task %s: %w", t.kind, id, ErrNotProcessing)
	}
	return nil
}

// recoverOrphans moves every processing row back to pending. Only call it
// at startup, before any consumer runs.
func (t table) recoverOrphans(ctx context.Context) (int, error) {
	now := db.FormatTime(t.now())
	res, err := t.conn.ExecContext(ctx, `
		UPDATE `+t.name+` SET status = 'pending', available_at = ?, started_at = '', updated_at = ?
		WHERE status = 'processing'`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("recovering orphaned %s tasks: %w", t.kind, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		t.logger.Info("recovered orphaned tasks", "queue", t.kind, "count", n)
	}
	return int(n), nil
}

// recentlyProcessed reports whether the ticket has a terminal row that
// finished within window.
func (t table) recentlyProcessed(ctx context.Context, ticketID string, window time.Duration) (bool, error) {
	cutoff := db.FormatTime(t.now().Add(-window))
	var n int
	err := t.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+t.name+`
		WHERE ticket_id = ? AND status IN ('completed', 'failed') AND finished_at >= ?`,
		ticketID, cutoff,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking recent %s tasks: %w", t.kind, err)
	}
	return n > 0, nil
}

// pruneTerminal deletes terminal rows that finished before now-olderThan.
func (t table) pruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := db.FormatTime(t.now().Add(-olderThan))
	res, err := t.conn.ExecContext(ctx, `
		DELETE FROM `+t.name+` WHERE status IN ('completed', 'failed') AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning %s tasks: %w", t.kind, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// counts returns the number of rows per status.
func (t table) counts(ctx context.Context) (map[Status]int, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+t.name+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting %s tasks: %w", t.kind, err)
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 0,
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scanning %s counts: %w", t.kind, err)
		}
		counts[Status(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for s, n := range counts {
		t.metrics.SetQueueDepth(t.kind, string(s), n)
	}
	return counts, nil
}

func listQuery(base string, f Filter) (string, []any) {
	query := base + ` WHERE 1 = 1`
	var args []any
	if f.TicketID != "" {
		query += ` AND ticket_id = ?`
		args = append(args, f.TicketID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return query, args
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}
