package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
)

const (
	workflowTable  = "workflow_tasks"
	executionTable = "execution_tasks"
)

// ErrNotProcessing is returned when a state change targets a task that is
// not currently claimed.
var ErrNotProcessing = errors.New("task is not processing")

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("task not found")

const workflowColumns = `id, ticket_id, ticket_identifier, task_type, priority, status, retry_count, max_retries,
	input_data, output_data, error_message, available_at, created_at, updated_at, started_at, finished_at`

// Workflow is the queue of ticket-lifecycle steps. At most one pending or
// processing task exists per ticket.
type Workflow struct {
	table
}

func NewWorkflow(conn *sql.DB, opts Options) *Workflow {
	return &Workflow{table: newTable(conn, workflowTable, "workflow", opts)}
}

// Enqueue inserts a pending task unless the ticket already has an active
// one, in which case it returns nil, nil.
func (w *Workflow) Enqueue(ctx context.Context, in WorkflowInput) (*WorkflowTask, error) {
	return w.enqueue(ctx, w.conn, in)
}

func (w *Workflow) enqueue(ctx context.Context, exec execer, in WorkflowInput) (*WorkflowTask, error) {
	if in.Payload == nil {
		return nil, fmt.Errorf("enqueueing task for %s: missing payload", in.TicketIdentifier)
	}
	if in.TicketID == "" {
		return nil, errors.New("enqueueing task: missing ticket id")
	}
	input, err := encodePayload(in.Payload)
	if err != nil {
		return nil, err
	}
	priority := in.Priority
	if priority == 0 {
		priority = PriorityMedium
	}

	now := w.now()
	task := &WorkflowTask{
		ID:               uuid.New().String(),
		TicketID:         in.TicketID,
		TicketIdentifier: in.TicketIdentifier,
		Type:             in.Payload.TaskType(),
		Priority:         priority,
		Status:           StatusPending,
		MaxRetries:       w.opts.MaxRetries,
		Payload:          in.Payload,
		AvailableAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ts := db.FormatTime(now)

	res, err := exec.ExecContext(ctx, `
		INSERT OR IGNORE INTO workflow_tasks
			(id, ticket_id, ticket_identifier, task_type, priority, status, max_retries, input_data, available_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM workflow_tasks WHERE ticket_id = ? AND status IN ('pending', 'processing')
		)`,
		task.ID, task.TicketID, task.TicketIdentifier, string(task.Type), task.Priority, task.MaxRetries, input, ts, ts, ts,
		task.TicketID,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s for %s: %w", task.Type, in.TicketIdentifier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		w.logger.Debug("ticket already has an active task", "ticket", in.TicketIdentifier, "task_type", task.Type)
		return nil, nil
	}
	w.metrics.TaskEnqueued(w.kind, string(task.Type))
	return task, nil
}

// Dequeue claims the eligible pending task with the lowest priority number,
// oldest first. It returns nil, nil when nothing is eligible.
func (w *Workflow) Dequeue(ctx context.Context) (*WorkflowTask, error) {
	now := db.FormatTime(w.now())
	row := w.conn.QueryRowContext(ctx, `
		UPDATE workflow_tasks SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM workflow_tasks
			WHERE status = 'pending' AND available_at <= ?
			ORDER BY priority, created_at, rowid
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+workflowColumns,
		now, now, now,
	)
	task, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing workflow task: %w", err)
	}
	return task, nil
}

// Complete marks a processing task completed with its output.
func (w *Workflow) Complete(ctx context.Context, id, output string) error {
	return w.complete(ctx, w.conn, id, output)
}

// CompleteAndEnqueue completes a task and enqueues the next step for the
// same ticket in one transaction. next may be nil. The returned task is nil
// if next was nil or was deduplicated.
func (w *Workflow) CompleteAndEnqueue(ctx context.Context, id, output string, next *WorkflowInput) (*WorkflowTask, error) {
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := w.complete(ctx, tx, id, output); err != nil {
		return nil, err
	}
	var task *WorkflowTask
	if next != nil {
		if task, err = w.enqueue(ctx, tx, *next); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing completion of %s: %w", id, err)
	}
	return task, nil
}

// Fail records a failed attempt. It returns true when the task is now
// permanently failed.
func (w *Workflow) Fail(ctx context.Context, id string, cause error) (bool, error) {
	return w.fail(ctx, id, cause, false)
}

// FailPermanently fails the task without further retries.
func (w *Workflow) FailPermanently(ctx context.Context, id string, cause error) error {
	_, err := w.fail(ctx, id, cause, true)
	return err
}

// RequeueForRateLimit puts a processing task back without consuming a retry.
func (w *Workflow) RequeueForRateLimit(ctx context.Context, id string, availableAt time.Time) error {
	return w.requeueForRateLimit(ctx, id, availableAt)
}

// RecoverOrphans resets tasks left processing by a previous run.
func (w *Workflow) RecoverOrphans(ctx context.Context) (int, error) {
	return w.recoverOrphans(ctx)
}

// RecentlyProcessed reports whether a task for the ticket reached a terminal
// status within window.
func (w *Workflow) RecentlyProcessed(ctx context.Context, ticketID string, window time.Duration) (bool, error) {
	return w.recentlyProcessed(ctx, ticketID, window)
}

// PruneTerminal removes completed and failed tasks older than olderThan.
func (w *Workflow) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	return w.pruneTerminal(ctx, olderThan)
}

func (w *Workflow) Counts(ctx context.Context) (map[Status]int, error) {
	return w.counts(ctx)
}

// Active returns the ticket's pending or processing task, or nil.
func (w *Workflow) Active(ctx context.Context, ticketID string) (*WorkflowTask, error) {
	row := w.conn.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflow_tasks
		WHERE ticket_id = ? AND status IN ('pending', 'processing')`, ticketID)
	task, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active task for %s: %w", ticketID, err)
	}
	return task, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (*WorkflowTask, error) {
	row := w.conn.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_tasks WHERE id = ?`, id)
	task, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting workflow task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting workflow task %s: %w", id, err)
	}
	return task, nil
}

// List returns tasks newest first.
func (w *Workflow) List(ctx context.Context, f Filter) ([]WorkflowTask, error) {
	query, args := listQuery(`SELECT `+workflowColumns+` FROM workflow_tasks`, f)
	rows, err := w.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflow tasks: %w", err)
	}
	defer rows.Close()

	var tasks []WorkflowTask
	for rows.Next() {
		task, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanWorkflow(s scanner) (*WorkflowTask, error) {
	var t WorkflowTask
	var taskType, status, input, availableAt, createdAt, updatedAt, startedAt, finishedAt string
	err := s.Scan(&t.ID, &t.TicketID, &t.TicketIdentifier, &taskType, &t.Priority, &status, &t.RetryCount, &t.MaxRetries,
		&input, &t.Output, &t.Error, &availableAt, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TaskType(taskType)
	t.Status = Status(status)
	t.AvailableAt = db.ParseTime(availableAt)
	t.CreatedAt = db.ParseTime(createdAt)
	t.UpdatedAt = db.ParseTime(updatedAt)
	t.StartedAt = db.ParseTime(startedAt)
	t.FinishedAt = db.ParseTime(finishedAt)

	payload, err := decodePayload(t.Type, input)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	return &t, nil
}
