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

// SessionStatus tracks one code-generation attempt chain.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionResumable SessionStatus = "resumable"
	SessionAbandoned SessionStatus = "abandoned"
)

type Session struct {
	ID                string
	TicketID          string
	Prompt            string
	SandboxPath       string
	BranchName        string
	Status            SessionStatus
	Error             string
	ExternalSessionID string // Claude session id used for resume
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Resumable reports whether the next attempt can continue the previous
// Claude conversation.
func (s Session) Resumable() bool {
	return s.Status == SessionResumable && s.ExternalSessionID != ""
}

const sessionColumns = `id, ticket_id, prompt, sandbox_path, branch_name, status, error_message, external_session_id, created_at, updated_at`

// Sessions persists execution sessions.
type Sessions struct {
	conn *sql.DB
	now  func() time.Time
}

func NewSessions(conn *sql.DB) *Sessions {
	return &Sessions{conn: conn, now: time.Now}
}

func (s *Sessions) Create(ctx context.Context, ticketID, prompt, branch string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:         uuid.New().String(),
		TicketID:   ticketID,
		Prompt:     prompt,
		BranchName: branch,
		Status:     SessionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ts := db.FormatTime(now)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, ticket_id, prompt, branch_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, ticketID, prompt, branch, string(SessionPending), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func (s *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// Latest returns the ticket's most recent session, or nil.
func (s *Sessions) Latest(ctx context.Context, ticketID string) (*Session, error) {
	sess, err := scanSession(s.conn.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE ticket_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest session for %s: %w", ticketID, err)
	}
	return sess, nil
}

// MarkRunning records the sandbox a run is using.
func (s *Sessions) MarkRunning(ctx context.Context, id, sandboxPath string) error {
	return s.update(ctx, id, `status = ?, sandbox_path = ?`, string(SessionRunning), sandboxPath)
}

func (s *Sessions) MarkSucceeded(ctx context.Context, id string) error {
	return s.update(ctx, id, `status = ?, error_message = ''`, string(SessionSucceeded))
}

// MarkResumable records a failed attempt that the next one may continue.
func (s *Sessions) MarkResumable(ctx context.Context, id, errMsg string) error {
	return s.update(ctx, id, `status = ?, error_message = ?`, string(SessionResumable), errMsg)
}

func (s *Sessions) MarkAbandoned(ctx context.Context, id, errMsg string) error {
	return s.update(ctx, id, `status = ?, error_message = ?`, string(SessionAbandoned), errMsg)
}

func (s *Sessions) SetExternalID(ctx context.Context, id, externalID string) error {
	return s.update(ctx, id, `external_session_id = ?`, externalID)
}

func (s *Sessions) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, db.FormatTime(s.now()), id)
	res, err := s.conn.ExecContext(ctx, `UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating session %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSession(s scanner) (*Session, error) {
	var sess Session
	var status, createdAt, updatedAt string
	err := s.Scan(&sess.ID, &sess.TicketID, &sess.Prompt, &sess.SandboxPath, &sess.BranchName, &status,
		&sess.Error, &sess.ExternalSessionID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = db.ParseTime(createdAt)
	sess.UpdatedAt = db.ParseTime(updatedAt)
	return &sess, nil
}
