package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ActivityEntry struct {
	ID        string
	TicketID  string
	EventType string
	FromState string
	ToState   string
	Detail    string
	CreatedAt time.Time
}

func (db *DB) LogActivity(ticketID, eventType, fromState, toState, detail string) error {
	return logActivity(context.Background(), db.conn, ticketID, eventType, fromState, toState, detail)
}

// LogActivityTx records activity as part of tx, so it commits or rolls back
// with the change it describes.
func LogActivityTx(ctx context.Context, tx *sql.Tx, ticketID, eventType, fromState, toState, detail string) error {
	return logActivity(ctx, tx, ticketID, eventType, fromState, toState, detail)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func logActivity(ctx context.Context, exec execer, ticketID, eventType, fromState, toState, detail string) error {
	id := uuid.New().String()
	_, err := exec.ExecContext(ctx, `
		INSERT INTO activity_log (id, ticket_id, event_type, from_state, to_state, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ticketID, eventType, fromState, toState, detail, FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// ListActivity returns activity for a ticket, newest first. An empty
// ticketID lists activity across all tickets.
func (db *DB) ListActivity(ticketID string, limit, offset int) ([]ActivityEntry, error) {
	query := `
		SELECT id, ticket_id, event_type, from_state, to_state, detail, created_at
		FROM activity_log`
	var args []any
	if ticketID != "" {
		query += ` WHERE ticket_id = ?`
		args = append(args, ticketID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		err := rows.Scan(&e.ID, &e.TicketID, &e.EventType, &e.FromState, &e.ToState, &e.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.CreatedAt = ParseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
