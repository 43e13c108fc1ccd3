package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
)

const executionColumns = `id, ticket_id, ticket_identifier, priority, prompt, sandbox_path, branch_name, session_id,
	agent_session_id, pr_creation_retry_count, status, retry_count, max_retries, error_message,
	available_at, created_at, updated_at, started_at, finished_at`

// Execution is the queue of code-generation runs. Dequeue never lets the
// number of processing tasks exceed the configured slot count.
type Execution struct {
	table
}

func NewExecution(conn *sql.DB, opts Options) *Execution {
	return &Execution{table: newTable(conn, executionTable, "execution", opts)}
}

// Enqueue inserts a pending run unless the ticket already has an active
// one, in which case it returns nil, nil.
func (e *Execution) Enqueue(ctx context.Context, in ExecutionInput) (*ExecutionTask, error) {
	if in.TicketID == "" {
		return nil, errors.New("enqueueing execution: missing ticket id")
	}
	priority := in.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	now := e.now()
	task := &ExecutionTask{
		ID:               uuid.New().String(),
		TicketID:         in.TicketID,
		TicketIdentifier: in.TicketIdentifier,
		Priority:         priority,
		Prompt:           in.Prompt,
		SessionID:        in.SessionID,
		Status:           StatusPending,
		MaxRetries:       e.opts.MaxRetries,
		AvailableAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ts := db.FormatTime(now)

	res, err := e.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_tasks
			(id, ticket_id, ticket_identifier, priority, prompt, session_id, status, max_retries, available_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM execution_tasks WHERE ticket_id = ? AND status IN ('pending', 'processing')
		)`,
		task.ID, task.TicketID, task.TicketIdentifier, task.Priority, task.Prompt, task.SessionID, task.MaxRetries, ts, ts, ts,
		task.TicketID,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueueing execution for %s: %w", in.TicketIdentifier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		e.logger.Debug("ticket already has an active execution", "ticket", in.TicketIdentifier)
		return nil, nil
	}
	e.metrics.TaskEnqueued(e.kind, string(TaskExecute))
	return task, nil
}

// Dequeue claims the best eligible run if fewer than slots runs are
// processing. The count and the claim happen in one statement so concurrent
// callers cannot overshoot the cap.
func (e *Execution) Dequeue(ctx context.Context, slots int) (*ExecutionTask, error) {
	if slots <= 0 {
		return nil, nil
	}
	now := db.FormatTime(e.now())
	row := e.conn.QueryRowContext(ctx, `
		UPDATE execution_tasks SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM execution_tasks
			WHERE status = 'pending' AND available_at <= ?
			ORDER BY priority, created_at, rowid
			LIMIT 1
		) AND status = 'pending'
		AND (SELECT COUNT(*) FROM execution_tasks WHERE status = 'processing') < ?
		RETURNING `+executionColumns,
		now, now, now, slots,
	)
	task, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing execution: %w", err)
	}
	return task, nil
}

func (e *Execution) Complete(ctx context.Context, id string) error {
	return e.complete(ctx, e.conn, id, "")
}

// Fail records a failed run. It returns true when the run is now
// permanently failed.
func (e *Execution) Fail(ctx context.Context, id string, cause error) (bool, error) {
	return e.fail(ctx, id, cause, false)
}

func (e *Execution) FailPermanently(ctx context.Context, id string, cause error) error {
	_, err := e.fail(ctx, id, cause, true)
	return err
}

func (e *Execution) RequeueForRateLimit(ctx context.Context, id string, availableAt time.Time) error {
	return e.requeueForRateLimit(ctx, id, availableAt)
}

// Defer puts a processing run back until availableAt without consuming a
// retry. It is used when only the pull request step is left to redo.
func (e *Execution) Defer(ctx context.Context, id string, availableAt time.Time) error {
	return e.requeue(ctx, id, availableAt)
}

func (e *Execution) RecoverOrphans(ctx context.Context) (int, error) {
	return e.recoverOrphans(ctx)
}

func (e *Execution) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.pruneTerminal(ctx, olderThan)
}

func (e *Execution) Counts(ctx context.Context) (map[Status]int, error) {
	return e.counts(ctx)
}

// UpdateExecution persists run details on a task. Nil fields are skipped.
func (e *Execution) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error {
	var sets []string
	var args []any
	if u.SandboxPath != nil {
		sets = append(sets, "sandbox_path = ?")
		args = append(args, *u.SandboxPath)
	}
	if u.BranchName != nil {
		sets = append(sets, "branch_name = ?")
		args = append(args, *u.BranchName)
	}
	if u.AgentSessionID != nil {
		sets = append(sets, "agent_session_id = ?")
		args = append(args, *u.AgentSessionID)
	}
	if u.PRCreationRetryCount != nil {
		sets = append(sets, "pr_creation_retry_count = ?")
		args = append(args, *u.PRCreationRetryCount)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, db.FormatTime(e.now()), id)

	res, err := e.conn.ExecContext(ctx,
		`UPDATE execution_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// Active returns the ticket's pending or processing run, or nil.
func (e *Execution) Active(ctx context.Context, ticketID string) (*ExecutionTask, error) {
	row := e.conn.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM execution_tasks
		WHERE ticket_id = ? AND status IN ('pending', 'processing')`, ticketID)
	task, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active execution for %s: %w", ticketID, err)
	}
	return task, nil
}

func (e *Execution) Get(ctx context.Context, id string) (*ExecutionTask, error) {
	row := e.conn.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_tasks WHERE id = ?`, id)
	task, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return task, nil
}

func (e *Execution) List(ctx context.Context, f Filter) ([]ExecutionTask, error) {
	query, args := listQuery(`SELECT `+executionColumns+` FROM execution_tasks`, f)
	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var tasks []ExecutionTask
	for rows.Next() {
		task, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanExecution(s scanner) (*ExecutionTask, error) {
	var t ExecutionTask
	var status, availableAt, createdAt, updatedAt, startedAt, finishedAt string
	err := s.Scan(&t.ID, &t.TicketID, &t.TicketIdentifier, &t.Priority, &t.Prompt, &t.SandboxPath, &t.BranchName, &t.SessionID,
		&t.AgentSessionID, &t.PRCreationRetryCount, &status, &t.RetryCount, &t.MaxRetries, &t.Error,
		&availableAt, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.AvailableAt = db.ParseTime(availableAt)
	t.CreatedAt = db.ParseTime(createdAt)
	t.UpdatedAt = db.ParseTime(updatedAt)
	t.StartedAt = db.ParseTime(startedAt)
	t.FinishedAt = db.ParseTime(finishedAt)
	return &t, nil
}
