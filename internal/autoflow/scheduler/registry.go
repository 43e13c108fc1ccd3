package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
)

// WaitingFor says what kind of human input a ticket is waiting on.
type WaitingFor string

const (
	WaitingQuestions WaitingFor = "questions" // answers to a question comment
	WaitingApproval  WaitingFor = "approval"  // a reaction on a suggested description
	WaitingPlan      WaitingFor = "plan"      // answers to a plan's open questions
)

// Registration marks a ticket as waiting for a human. While registered the
// scheduler leaves the ticket alone.
type Registration struct {
	TicketID         string
	TicketIdentifier string
	WaitingFor       WaitingFor
	CommentID        string // the bot comment awaiting the response
	LastChecked      time.Time
	CreatedAt        time.Time
}

// Registry persists awaiting-response registrations.
type Registry struct {
	conn *sql.DB
	now  func() time.Time
}

func NewRegistry(conn *sql.DB) *Registry {
	return &Registry{conn: conn, now: time.Now}
}

// RegisterAwaitingResponse records or replaces the ticket's registration.
func (r *Registry) RegisterAwaitingResponse(ctx context.Context, reg Registration) error {
	now := db.FormatTime(r.now())
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO awaiting_responses (ticket_id, ticket_identifier, waiting_for, comment_id, last_checked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			ticket_identifier = excluded.ticket_identifier,
			waiting_for = excluded.waiting_for,
			comment_id = excluded.comment_id,
			last_checked = excluded.last_checked`,
		reg.TicketID, reg.TicketIdentifier, string(reg.WaitingFor), reg.CommentID, now, now,
	)
	if err != nil {
		return fmt.Errorf("registering awaiting response for %s: %w", reg.TicketIdentifier, err)
	}
	return nil
}

// ClearAwaitingResponse removes the registration. Clearing an unregistered
// ticket is a no-op.
func (r *Registry) ClearAwaitingResponse(ctx context.Context, ticketID string) error {
	if _, err := r.conn.ExecContext(ctx, `DELETE FROM awaiting_responses WHERE ticket_id = ?`, ticketID); err != nil {
		return fmt.Errorf("clearing awaiting response for %s: %w", ticketID, err)
	}
	return nil
}

func (r *Registry) IsAwaitingResponse(ctx context.Context, ticketID string) (bool, error) {
	reg, err := r.Awaiting(ctx, ticketID)
	return reg != nil, err
}

// Awaiting returns the ticket's registration, or nil.
func (r *Registry) Awaiting(ctx context.Context, ticketID string) (*Registration, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT ticket_id, ticket_identifier, waiting_for, comment_id, last_checked, created_at
		FROM awaiting_responses WHERE ticket_id = ?`, ticketID)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading awaiting response for %s: %w", ticketID, err)
	}
	return reg, nil
}

// ListAwaiting returns every registration, oldest first.
func (r *Registry) ListAwaiting(ctx context.Context) ([]Registration, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT ticket_id, ticket_identifier, waiting_for, comment_id, last_checked, created_at
		FROM awaiting_responses ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing awaiting responses: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning awaiting response: %w", err)
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func scanRegistration(s interface{ Scan(...any) error }) (*Registration, error) {
	var reg Registration
	var waitingFor, lastChecked, createdAt string
	if err := s.Scan(&reg.TicketID, &reg.TicketIdentifier, &waitingFor, &reg.CommentID, &lastChecked, &createdAt); err != nil {
		return nil, err
	}
	reg.WaitingFor = WaitingFor(waitingFor)
	reg.LastChecked = db.ParseTime(lastChecked)
	reg.CreatedAt = db.ParseTime(createdAt)
	return &reg, nil
}
