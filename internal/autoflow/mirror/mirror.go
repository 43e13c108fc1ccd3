// Package mirror is the local, TTL-gated copy of ticket service data.
// Writers overwrite by identity key; readers only accept rows younger than
// the per-type TTL.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

// TTLs bounds how long each cached entity type is trusted.
type TTLs struct {
	Tickets        time.Duration
	Comments       time.Duration
	Labels         time.Duration
	WorkflowStates time.Duration
}

// DefaultTTLs favours freshness for comments and stability for lookups.
func DefaultTTLs() TTLs {
	return TTLs{
		Tickets:        5 * time.Minute,
		Comments:       2 * time.Minute,
		Labels:         time.Hour,
		WorkflowStates: time.Hour,
	}
}

type Mirror struct {
	conn *sql.DB
	ttl  TTLs
	now  func() time.Time
}

func New(conn *sql.DB, ttl TTLs) *Mirror {
	return &Mirror{conn: conn, ttl: ttl, now: time.Now}
}

// --- Tickets ---

// PutTicket stores the ticket and, since it carries them, its labels.
func (m *Mirror) PutTicket(ctx context.Context, issue linear.Issue) error {
	data, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("encoding ticket: %w", err)
	}
	now := db.FormatTime(m.now())
	_, err = m.conn.ExecContext(ctx, `
		INSERT INTO mirror_tickets (ticket_id, identifier, data, cached_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET identifier = excluded.identifier, data = excluded.data, cached_at = excluded.cached_at`,
		issue.ID, issue.Identifier, string(data), now,
	)
	if err != nil {
		return fmt.Errorf("caching ticket %s: %w", issue.Identifier, err)
	}
	if issue.Labels != nil {
		return m.PutLabels(ctx, issue.ID, issue.Labels)
	}
	return nil
}

// Ticket returns the cached ticket if it is within the TTL.
func (m *Mirror) Ticket(ctx context.Context, ticketID string) (linear.Issue, bool, error) {
	var issue linear.Issue
	ok, err := m.read(ctx, `SELECT data, cached_at FROM mirror_tickets WHERE ticket_id = ?`, ticketID, m.ttl.Tickets, &issue)
	return issue, ok, err
}

// AllTickets returns every mirrored ticket regardless of age, ordered by
// identifier.
func (m *Mirror) AllTickets(ctx context.Context) ([]linear.Issue, error) {
	rows, err := m.conn.QueryContext(ctx, `SELECT data FROM mirror_tickets ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("listing mirrored tickets: %w", err)
	}
	defer rows.Close()

	var issues []linear.Issue
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning mirrored ticket: %w", err)
		}
		var issue linear.Issue
		if err := json.Unmarshal([]byte(data), &issue); err != nil {
			return nil, fmt.Errorf("decoding mirrored ticket: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// PruneTicketsBefore drops tickets not refreshed since cutoff, e.g. those
// that left the sync filter.
func (m *Mirror) PruneTicketsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := m.conn.ExecContext(ctx, `DELETE FROM mirror_tickets WHERE cached_at < ?`, db.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning mirrored tickets: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Comments ---

func (m *Mirror) PutComments(ctx context.Context, ticketID string, comments []linear.Comment) error {
	return m.write(ctx, `
		INSERT INTO mirror_comments (ticket_id, data, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at`,
		ticketID, comments)
}

func (m *Mirror) Comments(ctx context.Context, ticketID string) ([]linear.Comment, bool, error) {
	var comments []linear.Comment
	ok, err := m.read(ctx, `SELECT data, cached_at FROM mirror_comments WHERE ticket_id = ?`, ticketID, m.ttl.Comments, &comments)
	return comments, ok, err
}

// InvalidateComments forces the next Comments read to miss.
func (m *Mirror) InvalidateComments(ctx context.Context, ticketID string) error {
	_, err := m.conn.ExecContext(ctx, `DELETE FROM mirror_comments WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return fmt.Errorf("invalidating comments: %w", err)
	}
	return nil
}

// --- Labels ---

func (m *Mirror) PutLabels(ctx context.Context, ticketID string, labels []linear.Label) error {
	return m.write(ctx, `
		INSERT INTO mirror_labels (ticket_id, data, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at`,
		ticketID, labels)
}

func (m *Mirror) Labels(ctx context.Context, ticketID string) ([]linear.Label, bool, error) {
	var labels []linear.Label
	ok, err := m.read(ctx, `SELECT data, cached_at FROM mirror_labels WHERE ticket_id = ?`, ticketID, m.ttl.Labels, &labels)
	return labels, ok, err
}

// --- Workflow states ---

func (m *Mirror) PutWorkflowStates(ctx context.Context, teamID string, states []linear.WorkflowState) error {
	return m.write(ctx, `
		INSERT INTO mirror_workflow_states (team_id, data, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(team_id) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at`,
		teamID, states)
}

func (m *Mirror) WorkflowStates(ctx context.Context, teamID string) ([]linear.WorkflowState, bool, error) {
	var states []linear.WorkflowState
	ok, err := m.read(ctx, `SELECT data, cached_at FROM mirror_workflow_states WHERE team_id = ?`, teamID, m.ttl.WorkflowStates, &states)
	return states, ok, err
}

func (m *Mirror) write(ctx context.Context, query, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}
	if _, err := m.conn.ExecContext(ctx, query, key, string(data), db.FormatTime(m.now())); err != nil {
		return fmt.Errorf("writing cache record %s: %w", key, err)
	}
	return nil
}

func (m *Mirror) read(ctx context.Context, query, key string, ttl time.Duration, out any) (bool, error) {
	var data, cachedAt string
	err := m.conn.QueryRowContext(ctx, query, key).Scan(&data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading cache record %s: %w", key, err)
	}
	if ttl > 0 && m.now().Sub(db.ParseTime(cachedAt)) > ttl {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("decoding cache record %s: %w", key, err)
	}
	return true, nil
}

// Cached reads through the mirror: a fresh hit is returned as-is, otherwise
// fetch is called and its result written back. A write-back failure does
// not fail the read.
func Cached[T any](
	ctx context.Context,
	get func(context.Context) (T, bool, error),
	fetch func(context.Context) (T, error),
	put func(context.Context, T) error,
) (T, error) {
	if v, ok, err := get(ctx); err == nil && ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	_ = put(ctx, v)
	return v, nil
}
