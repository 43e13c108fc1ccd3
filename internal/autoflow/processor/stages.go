package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/uesteibar/autoflow/internal/autoflow/agents"
	"github.com/uesteibar/autoflow/internal/autoflow/comments"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/retry"
	"github.com/uesteibar/autoflow/internal/autoflow/scheduler"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

// metaPlan is the metadata key holding the latest implementation plan.
const metaPlan = "plan"

var skipped = outcome{output: "skipped", skipped: true}

// begin makes sure the ticket is tracked and loads it cache-first.
func (p *Processor) begin(ctx context.Context, task *queue.WorkflowTask) (linear.Issue, statemachine.State, error) {
	ts, err := p.Machine.Ensure(ctx, task.TicketID, task.TicketIdentifier)
	if err != nil {
		return linear.Issue{}, "", err
	}
	issue, err := p.ticket(ctx, task.TicketID)
	if err != nil {
		return linear.Issue{}, "", fmt.Errorf("reading ticket: %w", err)
	}
	return issue, ts.State, nil
}

func (p *Processor) evaluate(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	payload, _ := task.Payload.(queue.EvaluatePayload)
	issue, _, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	if ok, err := p.enter(ctx, issue, statemachine.StateEvaluating, "evaluation started"); err != nil || !ok {
		return skipped, err
	}

	switch payload.EmojiReaction {
	case queue.ReactionApproved:
		if err := p.transition(ctx, issue, statemachine.StateApproved, "approved by reaction", nil); err != nil {
			return outcome{}, err
		}
		return outcome{output: "approved", next: queue.GeneratePromptPayload{}, priority: queue.PriorityUrgent}, nil
	case queue.ReactionRejected:
		if err := p.transition(ctx, issue, statemachine.StateNeedsRefinement, "rejected by reaction", nil); err != nil {
			return outcome{}, err
		}
		return outcome{output: "rejected", next: queue.RefinePayload{}, priority: queue.PriorityUrgent}, nil
	}

	cs, err := p.comments(ctx, issue.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("reading comments: %w", err)
	}
	r, err := p.Agents.Scorer.Score(ctx, issue, cs)
	if err != nil {
		return outcome{}, fmt.Errorf("scoring readiness: %w", err)
	}
	p.logActivity(issue.ID, "readiness_scored", "", "", fmt.Sprintf("score %d, %s: %s", r.Score, r.RecommendedAction, truncate(r.Reasoning, 200)))

	switch {
	case r.RecommendedAction == agents.ActionBlock:
		if _, err := p.postOnce(ctx, issue, comments.MarkerBlocked, comments.Blocked(r.Reasoning)); err != nil {
			return outcome{}, err
		}
		return outcome{output: r.RecommendedAction}, p.transition(ctx, issue, statemachine.StateBlocked, r.Reasoning, r)

	case r.RecommendedAction == agents.ActionProceed && r.Ready:
		if _, err := p.postOnce(ctx, issue, comments.MarkerApproval, comments.ApprovalRequest(r.Score, r.Reasoning)); err != nil {
			return outcome{}, err
		}
		return outcome{output: r.RecommendedAction}, p.transition(ctx, issue, statemachine.StateReadyForApproval,
			fmt.Sprintf("readiness %d", r.Score), r)

	default:
		if err := p.transition(ctx, issue, statemachine.StateNeedsRefinement, r.Reasoning, r); err != nil {
			return outcome{}, err
		}
		return outcome{output: r.RecommendedAction, next: queue.RefinePayload{}, priority: task.Priority}, nil
	}
}

func (p *Processor) refine(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	issue, state, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	// A refine mention can arrive before or after evaluation; walk the
	// ticket into refinement the way the workflow allows.
	switch state {
	case statemachine.StateNew, statemachine.StateReadyForApproval:
		if err := p.transition(ctx, issue, statemachine.StateEvaluating, "refinement requested", nil); err != nil {
			return outcome{}, err
		}
		fallthrough
	case statemachine.StateEvaluating:
		if err := p.transition(ctx, issue, statemachine.StateNeedsRefinement, "refinement requested", nil); err != nil {
			return outcome{}, err
		}
	}
	if ok, err := p.enter(ctx, issue, statemachine.StateRefining, "refinement started"); err != nil || !ok {
		return skipped, err
	}

	var readiness *agents.Readiness
	var r agents.Readiness
	if found, err := p.Machine.Output(ctx, issue.ID, statemachine.StateNeedsRefinement, &r); err == nil && found {
		readiness = &r
	}
	cs, err := p.comments(ctx, issue.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("reading comments: %w", err)
	}
	ref, err := p.Agents.Refiner.Refine(ctx, agents.RefineInput{
		Ticket:          issue,
		Readiness:       readiness,
		Comments:        cs,
		CodebaseContext: p.codebaseContext(),
	})
	if err != nil {
		return outcome{}, fmt.Errorf("refining ticket: %w", err)
	}

	switch ref.Action {
	case agents.RefineReady:
		score := 0
		if readiness != nil {
			score = readiness.Score
		}
		if _, err := p.postOnce(ctx, issue, comments.MarkerApproval,
			comments.ApprovalRequest(score, "Nothing left to clarify.")); err != nil {
			return outcome{}, err
		}
		return outcome{output: ref.Action}, p.transition(ctx, issue, statemachine.StateReadyForApproval, "refinement found the ticket ready", ref)

	case agents.RefineAskQuestions:
		c, err := p.postOnce(ctx, issue, comments.MarkerQuestions, comments.Questions(ref.Questions))
		if err != nil {
			return outcome{}, err
		}
		if err := p.awaitReply(ctx, issue, scheduler.WaitingQuestions, c.ID); err != nil {
			return outcome{}, err
		}
		return outcome{output: ref.Action}, p.transition(ctx, issue, statemachine.StateAwaitingResponse,
			fmt.Sprintf("asked %d questions", len(ref.Questions)), ref)

	case agents.RefineSuggestImprovements:
		c, err := p.postOnce(ctx, issue, comments.MarkerSuggestion, comments.Suggestion(ref.SuggestedDescription))
		if err != nil {
			return outcome{}, err
		}
		if err := p.awaitReply(ctx, issue, scheduler.WaitingApproval, c.ID); err != nil {
			return outcome{}, err
		}
		return outcome{output: ref.Action}, p.transition(ctx, issue, statemachine.StateAwaitingResponse, "suggested a description", ref)

	default: // agents.RefineBlocked
		if _, err := p.postOnce(ctx, issue, comments.MarkerBlocked, comments.Blocked(ref.BlockerReason)); err != nil {
			return outcome{}, err
		}
		return outcome{output: ref.Action}, p.transition(ctx, issue, statemachine.StateBlocked, ref.BlockerReason, ref)
	}
}

func (p *Processor) consolidate(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	payload, _ := task.Payload.(queue.ConsolidatePayload)
	issue, state, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	if state != statemachine.StateAwaitingResponse {
		p.logger.Info("stale task skipped", "ticket", issue.Identifier, "state", state, "task_type", task.Type)
		return skipped, nil
	}

	var summary string
	var output any
	switch payload.Resolution {
	case queue.ReactionApproved:
		desc := payload.SuggestedDescription
		if desc == "" {
			var ref agents.Refinement
			if found, _ := p.Machine.Output(ctx, issue.ID, statemachine.StateAwaitingResponse, &ref); found {
				desc = ref.SuggestedDescription
			}
		}
		if desc == "" {
			return outcome{}, retry.Permanent(errors.New("approved suggestion has no description"))
		}
		if err := p.updateDescription(ctx, issue, desc, ""); err != nil {
			return outcome{}, err
		}
		summary = "suggested description applied"
	case queue.ReactionRejected:
		summary = "suggested description rejected"
	default:
		cs, err := p.freshComments(ctx, issue.ID)
		if err != nil {
			return outcome{}, err
		}
		cons, err := p.Agents.Consolidator.Consolidate(ctx, issue, cs)
		if err != nil {
			return outcome{}, fmt.Errorf("consolidating answers: %w", err)
		}
		if err := p.updateDescription(ctx, issue, cons.ConsolidatedDescription, cons.SuggestedTitle); err != nil {
			return outcome{}, err
		}
		summary, output = "answers folded into the description", cons
	}

	return p.resume(ctx, issue, summary, output)
}

func (p *Processor) plan(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	issue, state, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	cs, err := p.comments(ctx, issue.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("reading comments: %w", err)
	}
	pl, err := p.Agents.Planner.Plan(ctx, agents.PlanInput{Ticket: issue, Comments: cs, CodebaseContext: p.codebaseContext()})
	if err != nil {
		return outcome{}, fmt.Errorf("planning: %w", err)
	}

	c, err := p.postOnce(ctx, issue, comments.MarkerPlan, comments.Plan(pl.Plan, pl.Questions))
	if err != nil {
		return outcome{}, err
	}
	if err := p.Machine.SetMetadata(ctx, issue.ID, metaPlan, pl.Plan); err != nil {
		return outcome{}, err
	}

	if len(pl.Questions) == 0 || !statemachine.CanTransition(state, statemachine.StateAwaitingResponse) {
		return outcome{output: "plan posted"}, nil
	}
	if err := p.awaitReply(ctx, issue, scheduler.WaitingPlan, c.ID); err != nil {
		return outcome{}, err
	}
	return outcome{output: "plan posted with questions"}, p.transition(ctx, issue, statemachine.StateAwaitingResponse,
		fmt.Sprintf("plan has %d open questions", len(pl.Questions)), pl)
}

func (p *Processor) consolidatePlan(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	issue, state, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	if state != statemachine.StateAwaitingResponse {
		p.logger.Info("stale task skipped", "ticket", issue.Identifier, "state", state, "task_type", task.Type)
		return skipped, nil
	}
	ts, err := p.Machine.Get(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}
	cs, err := p.freshComments(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}

	withPlan := issue
	if plan := ts.Metadata[metaPlan]; plan != "" {
		withPlan.Description = issue.Description + "\n\n## Implementation plan\n\n" + plan
	}
	cons, err := p.Agents.Consolidator.Consolidate(ctx, withPlan, cs)
	if err != nil {
		return outcome{}, fmt.Errorf("consolidating plan answers: %w", err)
	}
	if err := p.updateDescription(ctx, issue, cons.ConsolidatedDescription, cons.SuggestedTitle); err != nil {
		return outcome{}, err
	}
	return p.resume(ctx, issue, "plan answers folded into the description", cons)
}

// resume ends a wait for a human: the registration goes, the answered
// comment is resolved, and the ticket is evaluated again ahead of routine
// work.
func (p *Processor) resume(ctx context.Context, issue linear.Issue, reason string, output any) (outcome, error) {
	reg, err := p.Registry.Awaiting(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}
	// The transition clears the registration.
	if err := p.transition(ctx, issue, statemachine.StateEvaluating, reason, output); err != nil {
		return outcome{}, err
	}
	if reg != nil && reg.CommentID != "" {
		if err := p.Tracker.ResolveComment(ctx, reg.CommentID); err != nil {
			p.logger.Warn("resolving answered comment", "ticket", issue.Identifier, "comment_id", reg.CommentID, "error", err)
		}
	}
	return outcome{output: reason, next: queue.EvaluatePayload{}, priority: queue.PriorityUrgent}, nil
}

func (p *Processor) generatePrompt(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	issue, _, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	if ok, err := p.enter(ctx, issue, statemachine.StateGeneratingPrompt, "generating prompt"); err != nil || !ok {
		return skipped, err
	}

	cs, err := p.comments(ctx, issue.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("reading comments: %w", err)
	}
	ts, err := p.Machine.Get(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}
	restart, err := p.restartContext(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}

	gp, err := p.Agents.Prompter.Generate(ctx, agents.PromptInput{
		Ticket:      issue,
		Comments:    cs,
		Plan:        ts.Metadata[metaPlan],
		Constraints: p.cfg.Constraints,
		Restart:     restart,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("generating prompt: %w", err)
	}

	sess, err := p.Sessions.Create(ctx, issue.ID, gp.Prompt, p.Sandboxes.BranchFor(issue.Identifier))
	if err != nil {
		return outcome{}, err
	}
	if _, err := p.Execution.Enqueue(ctx, queue.ExecutionInput{
		TicketID:         issue.ID,
		TicketIdentifier: issue.Identifier,
		Priority:         task.Priority,
		Prompt:           gp.Prompt,
		SessionID:        sess.ID,
	}); err != nil {
		return outcome{}, err
	}
	return outcome{output: "execution queued"}, p.transition(ctx, issue, statemachine.StateExecuting, "prompt generated", gp)
}

// restartContext describes the last failed session, if any.
func (p *Processor) restartContext(ctx context.Context, ticketID string) (*agents.RestartContext, error) {
	sess, err := p.Sessions.Latest(ctx, ticketID)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Status != queue.SessionResumable && sess.Status != queue.SessionAbandoned {
		return nil, nil
	}
	history, err := p.Machine.History(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	attempt := 0
	for _, h := range history {
		if h.To == statemachine.StateGeneratingPrompt {
			attempt++
		}
	}
	return &agents.RestartContext{Attempt: attempt, PreviousError: sess.Error, Branch: sess.BranchName}, nil
}

// execute re-queues the run of a ticket found executing with no run queued,
// e.g. after the database lost its queue but kept sessions.
func (p *Processor) execute(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	issue, state, err := p.begin(ctx, task)
	if err != nil {
		return outcome{}, err
	}
	if state != statemachine.StateExecuting {
		p.logger.Info("stale task skipped", "ticket", issue.Identifier, "state", state, "task_type", task.Type)
		return skipped, nil
	}
	active, err := p.Execution.Active(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}
	if active != nil {
		return skipped, nil
	}

	sess, err := p.Sessions.Latest(ctx, issue.ID)
	if err != nil {
		return outcome{}, err
	}
	if sess == nil || sess.Status == queue.SessionAbandoned {
		return outcome{}, retry.Permanent(errors.New("no session left to resume"))
	}
	if _, err := p.Execution.Enqueue(ctx, queue.ExecutionInput{
		TicketID:         issue.ID,
		TicketIdentifier: issue.Identifier,
		Priority:         task.Priority,
		Prompt:           sess.Prompt,
		SessionID:        sess.ID,
	}); err != nil {
		return outcome{}, err
	}
	return outcome{output: "execution re-queued"}, nil
}

// syncState refreshes the mirror from the live ticket and re-applies the
// workflow label for the current state.
func (p *Processor) syncState(ctx context.Context, task *queue.WorkflowTask) (outcome, error) {
	ts, err := p.Machine.Ensure(ctx, task.TicketID, task.TicketIdentifier)
	if err != nil {
		return outcome{}, err
	}
	issue, err := p.Tracker.FetchIssue(ctx, task.TicketID)
	if err != nil {
		return outcome{}, fmt.Errorf("fetching ticket: %w", err)
	}
	if err := p.Mirror.PutTicket(ctx, issue); err != nil {
		return outcome{}, err
	}
	p.invalidateComments(ctx, issue.ID)

	if p.Tags != nil {
		teamID := issue.TeamID
		if teamID == "" {
			teamID = p.cfg.TeamID
		}
		if err := p.Tags.Sync(ctx, issue.ID, teamID, ts.State); err != nil {
			return outcome{}, err
		}
	}
	return outcome{output: string(ts.State)}, nil
}

func (p *Processor) awaitReply(ctx context.Context, issue linear.Issue, waitingFor scheduler.WaitingFor, commentID string) error {
	return p.Registry.RegisterAwaitingResponse(ctx, scheduler.Registration{
		TicketID:         issue.ID,
		TicketIdentifier: issue.Identifier,
		WaitingFor:       waitingFor,
		CommentID:        commentID,
	})
}

func (p *Processor) codebaseContext() string {
	if p.Codebase == nil {
		return ""
	}
	out, err := p.Codebase.Build()
	if err != nil {
		p.logger.Warn("building codebase context", "error", err)
		return ""
	}
	return out
}
