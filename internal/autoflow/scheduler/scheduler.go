// Package scheduler decides which tickets get work. It reads only the local
// mirror when reconciling and refreshes the mirror with periodic full syncs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

// Gateway is the subset of the rate-limited gateway the scheduler uses.
type Gateway interface {
	RateLimited() bool
	FetchIssues(ctx context.Context, filter linear.IssueFilter, after string, pageSize int) (linear.IssuePage, error)
	FetchWorkflowStates(ctx context.Context, teamID string) ([]linear.WorkflowState, error)
}

type Config struct {
	TeamID      string
	LabelFilter string

	ReconcileInterval time.Duration // default 30s
	FullSyncInterval  time.Duration // default 10m
	RecentWindow      time.Duration // default 10m
	TerminalRetention time.Duration // default 1h
	PageSize          int           // default 50

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.FullSyncInterval <= 0 {
		c.FullSyncInterval = 10 * time.Minute
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 10 * time.Minute
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the stores the scheduler reads and writes.
type Deps struct {
	Gateway   Gateway
	Mirror    *mirror.Mirror
	Workflow  *queue.Workflow
	Execution *queue.Execution
	Machine   *statemachine.Machine
	Registry  *Registry
}

type Scheduler struct {
	Deps
	cfg    Config
	logger *slog.Logger
}

func New(deps Deps, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{Deps: deps, cfg: cfg, logger: cfg.Logger}
}

// Run syncs immediately, then reconciles and syncs on their intervals until
// ctx is cancelled. Terminal queue rows are pruned after every full sync.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"reconcile_interval", s.cfg.ReconcileInterval, "full_sync_interval", s.cfg.FullSyncInterval)

	s.syncAndPrune(ctx)
	s.reconcile(ctx)

	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	syncTicker := time.NewTicker(s.cfg.FullSyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-syncTicker.C:
			s.syncAndPrune(ctx)
		case <-reconcileTicker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reconcile failed", "error", err)
	}
}

func (s *Scheduler) syncAndPrune(ctx context.Context) {
	if _, err := s.FullSync(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("full sync failed", "error", err)
	}
	if n, err := s.Workflow.PruneTerminal(ctx, s.cfg.TerminalRetention); err != nil {
		s.logger.Warn("pruning workflow tasks", "error", err)
	} else if n > 0 {
		s.logger.Debug("pruned workflow tasks", "count", n)
	}
	if _, err := s.Execution.PruneTerminal(ctx, s.cfg.TerminalRetention); err != nil {
		s.logger.Warn("pruning execution tasks", "error", err)
	}
	if _, err := s.SweepAwaiting(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("sweeping awaiting responses", "error", err)
	}
}

// SweepAwaiting clears registrations, older than the recent window, whose
// ticket is no longer paused on a human. Such a registration is left behind
// when a stage registers and then fails to transition. It returns how many
// it cleared.
func (s *Scheduler) SweepAwaiting(ctx context.Context) (int, error) {
	regs, err := s.Registry.ListAwaiting(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-s.cfg.RecentWindow)
	cleared := 0
	for _, reg := range regs {
		if reg.CreatedAt.After(cutoff) {
			continue
		}
		state, err := s.Machine.Current(ctx, reg.TicketID)
		if err != nil {
			return cleared, err
		}
		if state.Waiting() {
			continue
		}
		if err := s.Registry.ClearAwaitingResponse(ctx, reg.TicketID); err != nil {
			return cleared, err
		}
		cleared++
		s.logger.Info("cleared stale awaiting response",
			"ticket", reg.TicketIdentifier, "state", state, "waiting_for", reg.WaitingFor)
	}
	return cleared, nil
}

// Reconcile enqueues work for mirrored tickets and returns how many tasks
// it enqueued. At most one untracked ticket is started per call; tickets
// whose state maps to a task are re-enqueued without limit so work lost in
// a crash resumes. Nothing happens while rate-limited.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	if s.Gateway.RateLimited() {
		s.logger.Debug("reconcile skipped while rate-limited")
		return 0, nil
	}

	tickets, err := s.Mirror.AllTickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading mirror: %w", err)
	}
	slices.SortStableFunc(tickets, func(a, b linear.Issue) int {
		return queue.PriorityFromLinear(a.Priority) - queue.PriorityFromLinear(b.Priority)
	})

	newBudget := 1
	enqueued := 0
	for _, issue := range tickets {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		state, err := s.stateOf(ctx, issue)
		if err != nil {
			s.logger.Warn("reading ticket state", "ticket", issue.Identifier, "error", err)
			continue
		}
		taskType, ok := statemachine.TaskForState(state)
		if !ok {
			continue
		}
		fresh := state == statemachine.StateNew
		if fresh && newBudget == 0 {
			continue
		}

		skip, err := s.busy(ctx, issue.ID)
		if err != nil {
			s.logger.Warn("checking ticket activity", "ticket", issue.Identifier, "error", err)
			continue
		}
		if skip {
			continue
		}

		payload, err := queue.PayloadFor(taskType)
		if err != nil {
			return enqueued, err
		}
		task, err := s.Workflow.Enqueue(ctx, queue.WorkflowInput{
			TicketID:         issue.ID,
			TicketIdentifier: issue.Identifier,
			Priority:         queue.PriorityFromLinear(issue.Priority),
			Payload:          payload,
		})
		if err != nil {
			return enqueued, err
		}
		if task == nil {
			continue
		}
		enqueued++
		if fresh {
			newBudget--
		}
		s.logger.Info("reconcile enqueued task", "ticket", issue.Identifier, "task_type", taskType, "state", state)
	}

	s.refreshGauges(ctx)
	return enqueued, nil
}

// stateOf returns the local state. An untracked ticket that carries a
// workflow label has its state adopted from the label.
func (s *Scheduler) stateOf(ctx context.Context, issue linear.Issue) (statemachine.State, error) {
	ts, err := s.Machine.Get(ctx, issue.ID)
	if err == nil {
		return ts.State, nil
	}
	if !errors.Is(err, statemachine.ErrUnknownTicket) {
		return "", err
	}

	names := make([]string, len(issue.Labels))
	for i, l := range issue.Labels {
		names[i] = l.Name
	}
	tagged, ok := statemachine.StateFromLabels(names)
	if !ok {
		return statemachine.StateNew, nil
	}
	if _, err := s.Machine.Adopt(ctx, issue.ID, issue.Identifier, tagged); err != nil {
		return "", err
	}
	return tagged, nil
}

// busy reports whether the ticket already has work queued or running, was
// processed recently, or is waiting for a human.
func (s *Scheduler) busy(ctx context.Context, ticketID string) (bool, error) {
	awaiting, err := s.Registry.IsAwaitingResponse(ctx, ticketID)
	if err != nil || awaiting {
		return awaiting, err
	}
	wt, err := s.Workflow.Active(ctx, ticketID)
	if err != nil || wt != nil {
		return wt != nil, err
	}
	et, err := s.Execution.Active(ctx, ticketID)
	if err != nil || et != nil {
		return et != nil, err
	}
	return s.Workflow.RecentlyProcessed(ctx, ticketID, s.cfg.RecentWindow)
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	if _, err := s.Workflow.Counts(ctx); err != nil {
		s.logger.Debug("counting workflow tasks", "error", err)
	}
	if _, err := s.Execution.Counts(ctx); err != nil {
		s.logger.Debug("counting execution tasks", "error", err)
	}
}

// FullSync pages through every matching ticket, writing each one and its
// labels to the mirror, then refreshes the team's workflow states. Tickets
// that no longer match are dropped from the mirror once a sync completes.
func (s *Scheduler) FullSync(ctx context.Context) (int, error) {
	if s.Gateway.RateLimited() {
		s.logger.Debug("full sync skipped while rate-limited")
		return 0, nil
	}

	start := time.Now()
	filter := linear.IssueFilter{TeamID: s.cfg.TeamID, Label: s.cfg.LabelFilter}
	after := ""
	synced := 0
	for {
		page, err := s.Gateway.FetchIssues(ctx, filter, after, s.cfg.PageSize)
		if err != nil {
			return synced, fmt.Errorf("fetching issues: %w", err)
		}
		for _, issue := range page.Issues {
			if err := s.Mirror.PutTicket(ctx, issue); err != nil {
				return synced, err
			}
			synced++
		}
		if !page.HasMore || page.EndCursor == "" {
			break
		}
		after = page.EndCursor
	}

	if s.cfg.TeamID != "" {
		states, err := s.Gateway.FetchWorkflowStates(ctx, s.cfg.TeamID)
		if err != nil {
			return synced, fmt.Errorf("fetching workflow states: %w", err)
		}
		if err := s.Mirror.PutWorkflowStates(ctx, s.cfg.TeamID, states); err != nil {
			return synced, err
		}
	}

	pruned, err := s.Mirror.PruneTicketsBefore(ctx, start)
	if err != nil {
		return synced, err
	}
	s.logger.Info("full sync", "tickets", synced, "dropped", pruned, "duration", time.Since(start))
	return synced, nil
}
