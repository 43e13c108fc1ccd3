// Package statemachine owns each ticket's workflow state. Every change goes
// through Transition, which validates the move and records it in the same
// transaction as the state update.
package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/metrics"
)

// ErrInvalidTransition is wrapped by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrUnknownTicket is returned for a ticket that was never Ensure'd.
var ErrUnknownTicket = errors.New("ticket has no workflow state")

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// TicketState is the durable workflow record of one ticket.
type TicketState struct {
	TicketID         string
	TicketIdentifier string
	State            State
	Metadata         map[string]string
	Outputs          map[string]json.RawMessage // last output per stage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type HistoryEntry struct {
	ID        string
	TicketID  string
	From      State
	To        State
	Reason    string
	CreatedAt time.Time
}

// Event describes a committed transition.
type Event struct {
	TicketID         string
	TicketIdentifier string
	From             State
	To               State
	Reason           string
}

type Config struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// OnTransition is called after each committed transition.
	OnTransition func(Event)
}

type Machine struct {
	database *db.DB
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(database *db.DB, cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{database: database, cfg: cfg, logger: logger, now: time.Now}
}

// Ensure creates the ticket's record in state new if it does not exist and
// returns the current record.
func (m *Machine) Ensure(ctx context.Context, ticketID, identifier string) (*TicketState, error) {
	now := db.FormatTime(m.now())
	_, err := m.database.Conn().ExecContext(ctx, `
		INSERT INTO ticket_states (ticket_id, ticket_identifier, current_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET ticket_identifier = excluded.ticket_identifier
		WHERE excluded.ticket_identifier != ''`,
		ticketID, identifier, string(StateNew), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring state for %s: %w", identifier, err)
	}
	return m.Get(ctx, ticketID)
}

// Adopt records state for a ticket that is untracked or still new locally
// but carries a workflow label, e.g. after the database was lost. It
// returns false and changes nothing when the ticket already has progress.
func (m *Machine) Adopt(ctx context.Context, ticketID, identifier string, state State) (bool, error) {
	if !ValidState(state) {
		return false, fmt.Errorf("adopting %s: unknown state %q", identifier, state)
	}
	if state == StateNew {
		return false, nil
	}
	if _, err := m.Ensure(ctx, ticketID, identifier); err != nil {
		return false, err
	}

	adopted := false
	err := m.database.Tx(ctx, func(tx *sql.Tx) error {
		now := db.FormatTime(m.now())
		res, err := tx.ExecContext(ctx, `
			UPDATE ticket_states SET current_state = ?, updated_at = ?
			WHERE ticket_id = ? AND current_state = ?`,
			string(state), now, ticketID, string(StateNew),
		)
		if err != nil {
			return fmt.Errorf("adopting state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_history (id, ticket_id, from_state, to_state, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), ticketID, string(StateNew), string(state), "adopted from label", now,
		); err != nil {
			return fmt.Errorf("appending history: %w", err)
		}
		adopted = true
		return db.LogActivityTx(ctx, tx, ticketID, "state_adopted", string(StateNew), string(state), "adopted from label")
	})
	if err != nil {
		return false, err
	}
	if adopted {
		m.logger.Info("ticket state adopted from label", "ticket", identifier, "state", state)
	}
	return adopted, nil
}

// Get returns the ticket's record, or ErrUnknownTicket.
func (m *Machine) Get(ctx context.Context, ticketID string) (*TicketState, error) {
	ts, err := getState(ctx, m.database.Conn(), ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting state for %s: %w", ticketID, ErrUnknownTicket)
	}
	if err != nil {
		return nil, fmt.Errorf("getting state for %s: %w", ticketID, err)
	}
	return ts, nil
}

// Current returns the ticket's state, or StateNew for an untracked ticket.
func (m *Machine) Current(ctx context.Context, ticketID string) (State, error) {
	ts, err := m.Get(ctx, ticketID)
	if errors.Is(err, ErrUnknownTicket) {
		return StateNew, nil
	}
	if err != nil {
		return "", err
	}
	return ts.State, nil
}

// Transition moves the ticket to to. It fails with *InvalidTransitionError,
// leaving everything untouched, unless to is an allowed successor of the
// current state. A non-nil output is stored as the agent output of stage to.
func (m *Machine) Transition(ctx context.Context, ticketID string, to State, reason string, output any) error {
	var raw json.RawMessage
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("encoding %s output: %w", to, err)
		}
		raw = data
	}

	var ev Event
	err := m.database.Tx(ctx, func(tx *sql.Tx) error {
		cur, err := getState(ctx, tx, ticketID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transitioning %s: %w", ticketID, ErrUnknownTicket)
		}
		if err != nil {
			return fmt.Errorf("reading state for %s: %w", ticketID, err)
		}
		if !CanTransition(cur.State, to) {
			return &InvalidTransitionError{From: cur.State, To: to}
		}

		now := db.FormatTime(m.now())
		outputs := cur.Outputs
		if raw != nil {
			outputs[string(to)] = raw
		}
		encoded, err := json.Marshal(outputs)
		if err != nil {
			return fmt.Errorf("encoding outputs: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_history (id, ticket_id, from_state, to_state, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), ticketID, string(cur.State), string(to), reason, now,
		); err != nil {
			return fmt.Errorf("appending history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ticket_states SET current_state = ?, agent_outputs = ?, updated_at = ? WHERE ticket_id = ?`,
			string(to), string(encoded), now, ticketID,
		); err != nil {
			return fmt.Errorf("updating state: %w", err)
		}
		// A registration only outlives transitions into awaiting_response.
		if to != StateAwaitingResponse {
			if _, err := tx.ExecContext(ctx, `DELETE FROM awaiting_responses WHERE ticket_id = ?`, ticketID); err != nil {
				return fmt.Errorf("clearing awaiting response: %w", err)
			}
		}
		if err := db.LogActivityTx(ctx, tx, ticketID, "state_change", string(cur.State), string(to), reason); err != nil {
			return err
		}

		ev = Event{TicketID: ticketID, TicketIdentifier: cur.TicketIdentifier, From: cur.State, To: to, Reason: reason}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("ticket transitioned", "ticket", ev.TicketIdentifier, "from", ev.From, "to", ev.To, "reason", reason)
	m.cfg.Metrics.Transition(string(to))
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(ev)
	}
	return nil
}

// History returns the ticket's transitions, oldest first.
func (m *Machine) History(ctx context.Context, ticketID string) ([]HistoryEntry, error) {
	rows, err := m.database.Conn().QueryContext(ctx, `
		SELECT id, ticket_id, from_state, to_state, reason, created_at
		FROM state_history WHERE ticket_id = ? ORDER BY created_at, rowid`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", ticketID, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var from, to, createdAt string
		if err := rows.Scan(&e.ID, &e.TicketID, &from, &to, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.From, e.To = State(from), State(to)
		e.CreatedAt = db.ParseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Output decodes the last output stored for stage into v. It returns false
// when the stage has no output.
func (m *Machine) Output(ctx context.Context, ticketID string, stage State, v any) (bool, error) {
	ts, err := m.Get(ctx, ticketID)
	if err != nil {
		return false, err
	}
	raw, ok := ts.Outputs[string(stage)]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s output: %w", stage, err)
	}
	return true, nil
}

// SetMetadata stores a free-form key on the ticket's record.
func (m *Machine) SetMetadata(ctx context.Context, ticketID, key, value string) error {
	return m.database.Tx(ctx, func(tx *sql.Tx) error {
		cur, err := getState(ctx, tx, ticketID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("setting metadata on %s: %w", ticketID, ErrUnknownTicket)
		}
		if err != nil {
			return err
		}
		cur.Metadata[key] = value
		encoded, err := json.Marshal(cur.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE ticket_states SET metadata = ?, updated_at = ? WHERE ticket_id = ?`,
			string(encoded), db.FormatTime(m.now()), ticketID)
		return err
	})
}

// List returns every tracked ticket, most recently updated first.
func (m *Machine) List(ctx context.Context) ([]TicketState, error) {
	rows, err := m.database.Conn().QueryContext(ctx, `
		SELECT ticket_id, ticket_identifier, current_state, metadata, agent_outputs, created_at, updated_at
		FROM ticket_states ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing ticket states: %w", err)
	}
	defer rows.Close()

	var states []TicketState
	for rows.Next() {
		ts, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *ts)
	}
	return states, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getState(ctx context.Context, q querier, ticketID string) (*TicketState, error) {
	return scanState(q.QueryRowContext(ctx, `
		SELECT ticket_id, ticket_identifier, current_state, metadata, agent_outputs, created_at, updated_at
		FROM ticket_states WHERE ticket_id = ?`, ticketID))
}

func scanState(s interface{ Scan(...any) error }) (*TicketState, error) {
	var ts TicketState
	var state, metadata, outputs, createdAt, updatedAt string
	if err := s.Scan(&ts.TicketID, &ts.TicketIdentifier, &state, &metadata, &outputs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ts.State = State(state)
	ts.Metadata = map[string]string{}
	ts.Outputs = map[string]json.RawMessage{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &ts.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if outputs != "" {
		if err := json.Unmarshal([]byte(outputs), &ts.Outputs); err != nil {
			return nil, fmt.Errorf("decoding outputs: %w", err)
		}
	}
	ts.CreatedAt = db.ParseTime(createdAt)
	ts.UpdatedAt = db.ParseTime(updatedAt)
	return &ts, nil
}
