package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/uesteibar/autoflow/internal/autoflow/comments"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

// ticket reads the ticket cache-first.
func (p *Processor) ticket(ctx context.Context, id string) (linear.Issue, error) {
	return mirror.Cached(ctx,
		func(ctx context.Context) (linear.Issue, bool, error) { return p.Mirror.Ticket(ctx, id) },
		func(ctx context.Context) (linear.Issue, error) { return p.Tracker.FetchIssue(ctx, id) },
		p.Mirror.PutTicket,
	)
}

// comments reads the ticket's comments cache-first.
func (p *Processor) comments(ctx context.Context, id string) ([]linear.Comment, error) {
	return mirror.Cached(ctx,
		func(ctx context.Context) ([]linear.Comment, bool, error) { return p.Mirror.Comments(ctx, id) },
		func(ctx context.Context) ([]linear.Comment, error) { return p.Tracker.FetchIssueComments(ctx, id) },
		func(ctx context.Context, cs []linear.Comment) error { return p.Mirror.PutComments(ctx, id, cs) },
	)
}

// freshComments skips the cache, for stages that react to something a
// human just wrote.
func (p *Processor) freshComments(ctx context.Context, id string) ([]linear.Comment, error) {
	cs, err := p.Tracker.FetchIssueComments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching comments: %w", err)
	}
	if err := p.Mirror.PutComments(ctx, id, cs); err != nil {
		p.logger.Debug("caching comments", "ticket_id", id, "error", err)
	}
	return cs, nil
}

func (p *Processor) invalidateComments(ctx context.Context, id string) {
	if err := p.Mirror.InvalidateComments(ctx, id); err != nil {
		p.logger.Debug("invalidating comments", "ticket_id", id, "error", err)
	}
}

// postOnce posts body unless the newest bot comment on the ticket already
// carries the same marker, so a stage that runs twice comments once.
func (p *Processor) postOnce(ctx context.Context, issue linear.Issue, m comments.Marker, body string) (linear.Comment, error) {
	cs, err := p.freshComments(ctx, issue.ID)
	if err != nil {
		return linear.Comment{}, err
	}
	if last, lm, ok := comments.LatestBot(cs); ok && lm == m {
		p.logger.Debug("comment already posted", "ticket", issue.Identifier, "comment_id", last.ID)
		return last, nil
	}

	c, err := p.Tracker.PostComment(ctx, issue.ID, body)
	if err != nil {
		return linear.Comment{}, fmt.Errorf("posting comment: %w", err)
	}
	p.invalidateComments(ctx, issue.ID)
	p.logActivity(issue.ID, "comment_posted", "", "", string(m))
	return c, nil
}

// transition moves the ticket and then re-applies its workflow label. A
// failed label sync is logged; the local state is the source of truth.
func (p *Processor) transition(ctx context.Context, issue linear.Issue, to statemachine.State, reason string, output any) error {
	if err := p.Machine.Transition(ctx, issue.ID, to, reason, output); err != nil {
		return err
	}
	p.syncTag(ctx, issue, to)
	return nil
}

func (p *Processor) syncTag(ctx context.Context, issue linear.Issue, state statemachine.State) {
	if p.Tags == nil {
		return
	}
	teamID := issue.TeamID
	if teamID == "" {
		teamID = p.cfg.TeamID
	}
	if err := p.Tags.Sync(ctx, issue.ID, teamID, state); err != nil {
		p.logger.Warn("syncing workflow tag", "ticket", issue.Identifier, "state", state, "error", err)
	}
}

// moveIssue sets the ticket's tracker workflow state by name. The team's
// states are read cache-first. Failures are logged; the tracker state is
// informational.
func (p *Processor) moveIssue(ctx context.Context, issue linear.Issue, name string) {
	if name == "" || strings.EqualFold(issue.State.Name, name) {
		return
	}
	teamID := issue.TeamID
	if teamID == "" {
		teamID = p.cfg.TeamID
	}
	states, err := mirror.Cached(ctx,
		func(ctx context.Context) ([]linear.WorkflowState, bool, error) { return p.Mirror.WorkflowStates(ctx, teamID) },
		func(ctx context.Context) ([]linear.WorkflowState, error) { return p.Tracker.FetchWorkflowStates(ctx, teamID) },
		func(ctx context.Context, states []linear.WorkflowState) error {
			return p.Mirror.PutWorkflowStates(ctx, teamID, states)
		},
	)
	if err != nil {
		p.logger.Warn("reading workflow states", "ticket", issue.Identifier, "error", err)
		return
	}
	for _, st := range states {
		if !strings.EqualFold(st.Name, name) {
			continue
		}
		if err := p.Tracker.UpdateIssue(ctx, issue.ID, linear.IssueUpdate{StateID: &st.ID}); err != nil {
			p.logger.Warn("moving ticket", "ticket", issue.Identifier, "to", name, "error", err)
			return
		}
		issue.State = st
		if err := p.Mirror.PutTicket(ctx, issue); err != nil {
			p.logger.Debug("caching moved ticket", "ticket", issue.Identifier, "error", err)
		}
		p.logger.Info("moved ticket", "ticket", issue.Identifier, "to", st.Name)
		return
	}
	p.logger.Warn("workflow state not found", "ticket", issue.Identifier, "state", name, "team_id", teamID)
}

// enter moves the ticket into stage unless it is already there. ok is false
// when the ticket has moved on and the task is stale.
func (p *Processor) enter(ctx context.Context, issue linear.Issue, stage statemachine.State, reason string) (bool, error) {
	cur, err := p.Machine.Current(ctx, issue.ID)
	if err != nil {
		return false, err
	}
	if cur == stage {
		return true, nil
	}
	if !statemachine.CanTransition(cur, stage) {
		p.logger.Info("stale task skipped", "ticket", issue.Identifier, "state", cur, "wanted", stage)
		return false, nil
	}
	return true, p.transition(ctx, issue, stage, reason, nil)
}

// updateDescription writes a new description (and title) to the ticket and
// the mirror.
func (p *Processor) updateDescription(ctx context.Context, issue linear.Issue, description, title string) error {
	upd := linear.IssueUpdate{Description: &description}
	if title != "" {
		upd.Title = &title
	}
	if err := p.Tracker.UpdateIssue(ctx, issue.ID, upd); err != nil {
		return fmt.Errorf("updating description: %w", err)
	}
	issue.Description = description
	if title != "" {
		issue.Title = title
	}
	if err := p.Mirror.PutTicket(ctx, issue); err != nil {
		p.logger.Debug("caching updated ticket", "ticket", issue.Identifier, "error", err)
	}
	p.logActivity(issue.ID, "description_updated", "", "", "")
	return nil
}

func (p *Processor) logActivity(ticketID, eventType, from, to, detail string) {
	if p.DB == nil {
		return
	}
	if err := p.DB.LogActivity(ticketID, eventType, from, to, detail); err != nil {
		p.logger.Debug("logging activity", "ticket_id", ticketID, "error", err)
	}
}

func (p *Processor) agentActivity(ctx context.Context, sessionID string, typ linear.ActivityType, body string) {
	if sessionID == "" {
		return
	}
	if err := p.Tracker.CreateAgentActivity(ctx, sessionID, typ, body); err != nil {
		p.logger.Debug("recording agent activity", "session_id", sessionID, "error", err)
	}
}

func failedNote(stage string, cause error) string {
	return comments.Failed(stage, truncate(cause.Error(), 500))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
