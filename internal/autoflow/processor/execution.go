package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/comments"
	"github.com/uesteibar/autoflow/internal/autoflow/executor"
	"github.com/uesteibar/autoflow/internal/autoflow/github"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

// dispatchExecution claims one run when a slot is free and starts it on
// the pool.
func (p *Processor) dispatchExecution(ctx context.Context) error {
	if !p.pool.free() {
		return nil
	}
	task, err := p.Execution.Dequeue(ctx, p.cfg.Slots)
	if err != nil || task == nil {
		return err
	}
	p.logger.Info("dispatching execution", "task_id", task.ID, "ticket", task.TicketIdentifier, "attempt", task.RetryCount+1)
	if err := p.pool.dispatch(ctx, task.TicketID, func(ctx context.Context) { p.runExecution(ctx, task) }); err != nil {
		return errors.Join(err, p.Execution.Defer(ctx, task.ID, time.Now()))
	}
	return nil
}

// runExecution drives one claimed run to a settled task: completed,
// re-queued, or failed.
func (p *Processor) runExecution(ctx context.Context, task *queue.ExecutionTask) {
	log := p.logger.With("task_id", task.ID, "ticket", task.TicketIdentifier)
	start := time.Now()

	issue := linear.Issue{ID: task.TicketID, Identifier: task.TicketIdentifier}
	sess, err := p.session(ctx, task)
	if err != nil {
		p.failExecution(ctx, task, nil, issue, err, false)
		return
	}
	if issue, err = p.ticket(ctx, task.TicketID); err != nil {
		p.failExecution(ctx, task, sess, linear.Issue{ID: task.TicketID, Identifier: task.TicketIdentifier},
			fmt.Errorf("reading ticket: %w", err), false)
		return
	}

	agentURL := ""
	// A succeeded session means only the pull request step is left.
	if sess.Status != queue.SessionSucceeded {
		res, err := p.attempt(ctx, task, sess, issue)
		if ctx.Err() != nil {
			log.Info("execution interrupted; it will be recovered at startup")
			if err := p.Sessions.MarkResumable(context.WithoutCancel(ctx), sess.ID, "interrupted by shutdown"); err != nil {
				log.Warn("marking session resumable", "error", err)
			}
			return
		}
		if err != nil {
			p.failExecution(ctx, task, sess, issue, err, false)
			return
		}
		if err := p.Sessions.MarkSucceeded(ctx, sess.ID); err != nil {
			log.Warn("marking session succeeded", "error", err)
		}
		agentURL = res.PRURL
		log.Info("agent run finished", "duration", res.Duration)
	}

	pr, err := p.openPR(ctx, task, issue, agentURL)
	if err != nil {
		p.retryPR(ctx, task, sess, issue, err)
		return
	}
	p.succeed(ctx, task, issue, pr, time.Since(start))
}

// session loads the run's session row, creating one for runs queued
// without it.
func (p *Processor) session(ctx context.Context, task *queue.ExecutionTask) (*queue.Session, error) {
	if task.SessionID != "" {
		return p.Sessions.Get(ctx, task.SessionID)
	}
	return p.Sessions.Create(ctx, task.TicketID, task.Prompt, p.Sandboxes.BranchFor(task.TicketIdentifier))
}

// attempt runs the agent in a fresh sandbox and publishes its branch. The
// sandbox is removed on every path.
func (p *Processor) attempt(ctx context.Context, task *queue.ExecutionTask, sess *queue.Session, issue linear.Issue) (executor.Result, error) {
	log := p.logger.With("task_id", task.ID, "ticket", task.TicketIdentifier)

	if task.AgentSessionID == "" {
		id, err := p.Tracker.CreateAgentSession(ctx, issue.ID)
		switch {
		case err == nil:
			task.AgentSessionID = id
			if err := p.Execution.UpdateExecution(ctx, task.ID, queue.ExecutionUpdate{AgentSessionID: &id}); err != nil {
				log.Warn("saving agent session", "error", err)
			}
		case errors.Is(err, context.Canceled):
			return executor.Result{}, err
		default:
			if _, limited := rateLimitedUntil(err); limited {
				return executor.Result{}, err
			}
			log.Warn("creating agent session", "error", err)
		}
	}
	if task.RetryCount == 0 {
		p.moveIssue(ctx, issue, p.cfg.StartedState)
	}
	p.agentActivity(ctx, task.AgentSessionID, linear.ActivityThought,
		fmt.Sprintf("Starting implementation, attempt %d of %d.", task.RetryCount+1, task.MaxRetries))

	sb, err := p.Sandboxes.Create(ctx, issue.Identifier)
	if err != nil {
		return executor.Result{}, fmt.Errorf("creating sandbox: %w", err)
	}
	defer func() {
		if err := p.Sandboxes.Remove(context.WithoutCancel(ctx), issue.Identifier); err != nil {
			log.Error("removing sandbox", "path", sb.Path, "error", err)
		}
	}()

	task.SandboxPath, task.BranchName = sb.Path, sb.Branch
	if err := p.Execution.UpdateExecution(ctx, task.ID, queue.ExecutionUpdate{
		SandboxPath: &sb.Path,
		BranchName:  &sb.Branch,
	}); err != nil {
		log.Warn("saving sandbox details", "error", err)
	}
	if err := p.Sessions.MarkRunning(ctx, sess.ID, sb.Path); err != nil {
		log.Warn("marking session running", "error", err)
	}

	prompt := task.Prompt
	if prompt == "" {
		prompt = sess.Prompt
	}
	req := executor.Request{Dir: sb.Path, Prompt: prompt}
	if sess.Resumable() {
		req.SessionID = sess.ExternalSessionID
	}
	res, runErr := p.Runner.Run(ctx, req)

	externalID := res.SessionID
	var re *executor.RunError
	if errors.As(runErr, &re) {
		externalID = re.SessionID
	}
	if externalID != "" && externalID != sess.ExternalSessionID {
		if err := p.Sessions.SetExternalID(context.WithoutCancel(ctx), sess.ID, externalID); err != nil {
			log.Warn("saving agent conversation id", "error", err)
		}
		sess.ExternalSessionID = externalID
	}
	if runErr != nil {
		return res, runErr
	}

	p.agentActivity(ctx, task.AgentSessionID, linear.ActivityAction, "Implementation finished; publishing the branch.")
	if res.PRURL == "" && p.Pusher != nil {
		msg := fmt.Sprintf("%s: %s", issue.Identifier, issue.Title)
		if err := p.Pusher.Publish(ctx, sb.Path, sb.Branch, p.Sandboxes.BaseBranch(), msg); err != nil {
			return res, fmt.Errorf("publishing branch: %w", err)
		}
	}
	return res, nil
}

// openPR returns the run's pull request: the one the agent reported, an
// open one for the branch, or a new one. With no GitHub repository
// configured the pushed branch is the deliverable.
func (p *Processor) openPR(ctx context.Context, task *queue.ExecutionTask, issue linear.Issue, agentURL string) (github.PR, error) {
	if agentURL != "" {
		return github.PR{HTMLURL: agentURL}, nil
	}
	if p.PRs == nil || p.cfg.Owner == "" || p.cfg.Repo == "" {
		return github.PR{}, nil
	}
	head := task.BranchName
	if head == "" {
		head = p.Sandboxes.BranchFor(issue.Identifier)
	}
	base := p.Sandboxes.BaseBranch()

	existing, err := p.PRs.FindOpenPR(ctx, p.cfg.Owner, p.cfg.Repo, head, base)
	if err != nil {
		return github.PR{}, fmt.Errorf("finding pull request: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}
	pr, err := p.PRs.CreatePullRequest(ctx, p.cfg.Owner, p.cfg.Repo, head, base,
		fmt.Sprintf("%s: %s", issue.Identifier, issue.Title), prBody(issue))
	if err != nil {
		return github.PR{}, fmt.Errorf("creating pull request: %w", err)
	}
	return pr, nil
}

func prBody(issue linear.Issue) string {
	return fmt.Sprintf("Implements %s.\n\n%s", issue.Identifier, truncate(issue.Description, 4000))
}

// retryPR puts the run back for another pull request attempt without
// re-running the agent, up to MaxPRRetries.
func (p *Processor) retryPR(ctx context.Context, task *queue.ExecutionTask, sess *queue.Session, issue linear.Issue, cause error) {
	n := task.PRCreationRetryCount + 1
	if err := p.Execution.UpdateExecution(ctx, task.ID, queue.ExecutionUpdate{PRCreationRetryCount: &n}); err != nil {
		p.logger.Warn("saving pull request retry count", "task_id", task.ID, "error", err)
	}
	if n >= p.cfg.MaxPRRetries {
		p.failExecution(ctx, task, sess, issue, cause, true)
		return
	}
	p.logger.Warn("pull request step failed, will retry", "task_id", task.ID, "ticket", task.TicketIdentifier,
		"attempt", n, "error", cause)
	if err := p.Execution.Defer(ctx, task.ID, time.Now().Add(p.cfg.PRRetryDelay)); err != nil {
		p.logger.Error("deferring execution", "task_id", task.ID, "error", err)
	}
	p.emit(TaskEvent{Queue: "execution", TaskID: task.ID, TicketID: task.TicketID,
		TicketIdentifier: task.TicketIdentifier, TaskType: queue.TaskExecute, Outcome: "retrying", Error: cause.Error()})
}

func (p *Processor) succeed(ctx context.Context, task *queue.ExecutionTask, issue linear.Issue, pr github.PR, took time.Duration) {
	log := p.logger.With("task_id", task.ID, "ticket", task.TicketIdentifier)

	if _, err := p.postOnce(ctx, issue, comments.MarkerCompleted, comments.Completed(pr.HTMLURL)); err != nil {
		if resetAt, ok := rateLimitedUntil(err); ok {
			if err := p.Execution.RequeueForRateLimit(ctx, task.ID, resetAt); err != nil {
				log.Error("requeueing execution", "error", err)
			}
			return
		}
		log.Warn("posting completion comment", "error", err)
	}
	if pr.HTMLURL != "" {
		p.attach(ctx, issue, pr.HTMLURL, "Pull request")
		p.moveIssue(ctx, issue, p.cfg.ReviewState)
	}
	p.agentActivity(ctx, task.AgentSessionID, linear.ActivityResponse, comments.Completed(pr.HTMLURL))

	if err := p.transition(ctx, issue, statemachine.StateCompleted, "implementation finished", pr); err != nil {
		log.Error("moving ticket to completed", "error", err)
	}
	if err := p.Execution.Complete(ctx, task.ID); err != nil {
		log.Error("completing execution", "error", err)
		return
	}
	p.cfg.Metrics.TaskCompleted("execution", string(queue.TaskExecute))
	p.logActivity(issue.ID, "execution_completed", "", "", pr.HTMLURL)
	log.Info("execution completed", "pr", pr.HTMLURL, "duration", took)
	p.emit(TaskEvent{Queue: "execution", TaskID: task.ID, TicketID: task.TicketID,
		TicketIdentifier: task.TicketIdentifier, TaskType: queue.TaskExecute, Outcome: "completed"})
}

// failExecution applies the error policy to a run. Under the retry bound
// the ticket stays executing and the session stays resumable; at the bound
// the ticket fails and the session is abandoned.
func (p *Processor) failExecution(ctx context.Context, task *queue.ExecutionTask, sess *queue.Session, issue linear.Issue, cause error, final bool) {
	log := p.logger.With("task_id", task.ID, "ticket", task.TicketIdentifier)
	ev := TaskEvent{Queue: "execution", TaskID: task.ID, TicketID: task.TicketID,
		TicketIdentifier: task.TicketIdentifier, TaskType: queue.TaskExecute, Error: cause.Error()}
	defer func() { p.emit(ev) }()

	if resetAt, ok := rateLimitedUntil(cause); ok {
		ev.Outcome = "rate_limited"
		if err := p.Execution.RequeueForRateLimit(ctx, task.ID, resetAt); err != nil {
			log.Error("requeueing execution", "error", err)
		}
		return
	}

	var err error
	if final || isPermanent(cause) {
		final = true
		err = p.Execution.FailPermanently(ctx, task.ID, cause)
	} else {
		final, err = p.Execution.Fail(ctx, task.ID, cause)
	}
	if err != nil {
		log.Error("failing execution", "error", err)
		return
	}
	p.cfg.Metrics.TaskFailed("execution", string(queue.TaskExecute), final)

	attempt := task.RetryCount + 1
	reason := truncate(cause.Error(), 500)
	p.logActivity(issue.ID, "execution_failed", "", "", fmt.Sprintf("attempt %d: %s", attempt, reason))

	if !final {
		ev.Outcome = "retrying"
		log.Warn("execution failed, will retry", "attempt", attempt, "error", cause)
		p.postRetrying(ctx, issue, comments.Retrying(attempt, task.MaxRetries, reason))
		if err := p.transition(ctx, issue, statemachine.StateExecuting, fmt.Sprintf("retry after attempt %d", attempt), nil); err != nil {
			log.Warn("recording retry", "error", err)
		}
		if sess != nil {
			if err := p.Sessions.MarkResumable(ctx, sess.ID, reason); err != nil {
				log.Warn("marking session resumable", "error", err)
			}
		}
		return
	}

	ev.Outcome = "failed"
	log.Error("execution failed permanently", "attempt", attempt, "error", cause)
	p.post(ctx, issue, failedNote("execution", cause))
	p.agentActivity(ctx, task.AgentSessionID, linear.ActivityError, reason)
	if err := p.transition(ctx, issue, statemachine.StateFailed, "execution failed: "+reason, nil); err != nil {
		log.Warn("moving ticket to failed", "error", err)
	}
	if sess != nil {
		if err := p.Sessions.MarkAbandoned(ctx, sess.ID, reason); err != nil {
			log.Warn("marking session abandoned", "error", err)
		}
	}
}

// post comments without dedup; failures are logged.
func (p *Processor) post(ctx context.Context, issue linear.Issue, body string) {
	if _, err := p.Tracker.PostComment(ctx, issue.ID, body); err != nil {
		p.logger.Warn("posting comment", "ticket", issue.Identifier, "error", err)
		return
	}
	p.invalidateComments(ctx, issue.ID)
}

// postRetrying edits the previous retry note in place while it is still the
// newest bot comment, so a run that fails repeatedly leaves one note.
func (p *Processor) postRetrying(ctx context.Context, issue linear.Issue, body string) {
	cs, err := p.freshComments(ctx, issue.ID)
	if err != nil {
		p.logger.Debug("reading comments before retry note", "ticket", issue.Identifier, "error", err)
		p.post(ctx, issue, body)
		return
	}
	last, m, ok := comments.LatestBot(cs)
	if !ok || m != comments.MarkerRetrying {
		p.post(ctx, issue, body)
		return
	}
	if err := p.Tracker.UpdateComment(ctx, last.ID, body); err != nil {
		p.logger.Warn("updating retry note", "ticket", issue.Identifier, "comment_id", last.ID, "error", err)
		p.post(ctx, issue, body)
		return
	}
	p.invalidateComments(ctx, issue.ID)
}

// attach links url on the ticket unless an attachment already points there.
func (p *Processor) attach(ctx context.Context, issue linear.Issue, url, title string) {
	existing, err := p.Tracker.FetchAttachments(ctx, issue.ID)
	if err != nil {
		p.logger.Debug("listing attachments", "ticket", issue.Identifier, "error", err)
	}
	for _, a := range existing {
		if a.URL == url {
			return
		}
	}
	if _, err := p.Tracker.CreateAttachment(ctx, issue.ID, url, title); err != nil {
		p.logger.Warn("attaching pull request", "ticket", issue.Identifier, "error", err)
	}
}
