// Package processor consumes both queues. Workflow tasks run one at a time
// on the ticking goroutine; execution tasks are handed to a small pool so a
// long code-generation run never stalls the ticket lifecycle.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/agents"
	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/executor"
	"github.com/uesteibar/autoflow/internal/autoflow/gateway"
	"github.com/uesteibar/autoflow/internal/autoflow/github"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/metrics"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/retry"
	"github.com/uesteibar/autoflow/internal/autoflow/sandbox"
	"github.com/uesteibar/autoflow/internal/autoflow/scheduler"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

// Tracker is the slice of the gateway the stages call.
type Tracker interface {
	RateLimited() bool
	FetchIssue(ctx context.Context, issueID string) (linear.Issue, error)
	FetchIssueComments(ctx context.Context, issueID string) ([]linear.Comment, error)
	PostComment(ctx context.Context, issueID, body string) (linear.Comment, error)
	UpdateComment(ctx context.Context, commentID, body string) error
	ResolveComment(ctx context.Context, commentID string) error
	UpdateIssue(ctx context.Context, issueID string, upd linear.IssueUpdate) error
	FetchWorkflowStates(ctx context.Context, teamID string) ([]linear.WorkflowState, error)
	CreateAgentSession(ctx context.Context, issueID string) (string, error)
	CreateAgentActivity(ctx context.Context, sessionID string, typ linear.ActivityType, body string) error
	FetchAttachments(ctx context.Context, issueID string) ([]linear.Attachment, error)
	CreateAttachment(ctx context.Context, issueID, url, title string) (linear.Attachment, error)
}

// Agents bundles the AI collaborators. *agents.Claude satisfies all five.
type Agents struct {
	Scorer       agents.ReadinessScorer
	Refiner      agents.TicketRefiner
	Consolidator agents.DescriptionConsolidator
	Prompter     agents.PromptGenerator
	Planner      agents.Planner
}

// CodeRunner runs the code-generation agent. *executor.Executor satisfies it.
type CodeRunner interface {
	Run(ctx context.Context, req executor.Request) (executor.Result, error)
}

// Sandboxes creates and destroys per-ticket working copies.
type Sandboxes interface {
	Create(ctx context.Context, identifier string) (sandbox.Sandbox, error)
	Remove(ctx context.Context, identifier string) error
	BranchFor(identifier string) string
	BaseBranch() string
}

// GitPusher publishes the sandbox branch when the agent did not open a PR.
type GitPusher interface {
	Publish(ctx context.Context, dir, branch, base, message string) error
}

// PullRequests finds or opens the pull request for a finished run.
type PullRequests interface {
	FindOpenPR(ctx context.Context, owner, repo, head, base string) (*github.PR, error)
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (github.PR, error)
}

// CodebaseContext summarizes the repository for refinement and planning.
type CodebaseContext interface {
	Build() (string, error)
}

type Config struct {
	TeamID string // fallback when a ticket carries none
	Owner  string // GitHub repository owner
	Repo   string // GitHub repository name

	// Constraints are passed to the prompt generator, e.g. the checks a
	// change must pass.
	Constraints []string

	// StartedState and ReviewState name the tracker workflow states set
	// when a run starts and when it opens a pull request. Empty skips.
	StartedState string
	ReviewState  string

	TickInterval time.Duration // default 5s
	Slots        int           // default 2
	MaxPRRetries int           // default 3
	PRRetryDelay time.Duration // default 1m

	// OnTask is called after a task settles, e.g. to broadcast it.
	OnTask func(TaskEvent)

	// Wake triggers an immediate tick, e.g. after an API retry.
	Wake <-chan struct{}

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.Slots <= 0 {
		c.Slots = 2
	}
	if c.MaxPRRetries <= 0 {
		c.MaxPRRetries = 3
	}
	if c.PRRetryDelay <= 0 {
		c.PRRetryDelay = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the stores and collaborators the processor drives. Codebase,
// Pusher, PRs, and DB are optional.
type Deps struct {
	Tracker   Tracker
	Mirror    *mirror.Mirror
	Workflow  *queue.Workflow
	Execution *queue.Execution
	Sessions  *queue.Sessions
	Machine   *statemachine.Machine
	Tags      *statemachine.TagSyncer
	Registry  *scheduler.Registry
	Agents    Agents
	Codebase  CodebaseContext
	Runner    CodeRunner
	Sandboxes Sandboxes
	Pusher    GitPusher
	PRs       PullRequests
	DB        *db.DB
}

// TaskEvent reports how a task settled.
type TaskEvent struct {
	Queue            string // workflow or execution
	TaskID           string
	TicketID         string
	TicketIdentifier string
	TaskType         queue.TaskType
	Outcome          string // completed, retrying, failed, rate_limited, skipped
	Error            string
}

type Processor struct {
	Deps
	cfg    Config
	logger *slog.Logger
	pool   *pool
}

func New(deps Deps, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	pl := newPool(cfg.Slots, cfg.Logger)
	pl.onChange = cfg.Metrics.SetSlotsInUse
	return &Processor{
		Deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger,
		pool:   pl,
	}
}

// Run ticks until ctx is cancelled. Call Wait afterwards to let running
// executions return.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("processor started", "tick_interval", p.cfg.TickInterval, "slots", p.cfg.Slots)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return
		case <-ticker.C:
		case <-p.cfg.Wake:
		}
	}
}

// Wait blocks until every dispatched execution has returned.
func (p *Processor) Wait() {
	p.pool.wait()
}

// Running reports how many executions are in flight in this process.
func (p *Processor) Running() int {
	return p.pool.activeCount()
}

// Tick runs at most one workflow task to completion and dispatches at most
// one execution task. Nothing is dequeued while the tracker is rate-limited.
func (p *Processor) Tick(ctx context.Context) {
	if p.Tracker.RateLimited() {
		p.logger.Debug("tick skipped while rate-limited")
		return
	}
	if err := p.processWorkflow(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("processing workflow task", "error", err)
	}
	if err := p.dispatchExecution(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("dispatching execution task", "error", err)
	}
}

// outcome is what a stage handler hands back to be settled. next is
// enqueued in the same transaction that completes the task.
type outcome struct {
	output   string
	next     queue.Payload
	priority int
	skipped  bool
}

type handler func(ctx context.Context, task *queue.WorkflowTask) (outcome, error)

// handlerFor maps every task type to its stage.
func (p *Processor) handlerFor(t queue.TaskType) (handler, bool) {
	switch t {
	case queue.TaskEvaluate:
		return p.evaluate, true
	case queue.TaskRefine:
		return p.refine, true
	case queue.TaskConsolidate:
		return p.consolidate, true
	case queue.TaskExecute:
		return p.execute, true
	case queue.TaskPlan:
		return p.plan, true
	case queue.TaskConsolidatePlan:
		return p.consolidatePlan, true
	case queue.TaskGeneratePrompt:
		return p.generatePrompt, true
	case queue.TaskSyncState:
		return p.syncState, true
	}
	return nil, false
}

func (p *Processor) processWorkflow(ctx context.Context) error {
	task, err := p.Workflow.Dequeue(ctx)
	if err != nil || task == nil {
		return err
	}
	log := p.logger.With("task_id", task.ID, "task_type", task.Type, "ticket", task.TicketIdentifier)
	log.Info("processing workflow task", "attempt", task.RetryCount+1)

	h, ok := p.handlerFor(task.Type)
	if !ok {
		return p.settleWorkflow(ctx, task, outcome{}, retry.Permanent(fmt.Errorf("unknown task type %q", task.Type)))
	}
	out, err := h(ctx, task)
	return p.settleWorkflow(ctx, task, out, err)
}

// settleWorkflow applies the error policy: rate limits requeue without
// penalty, validation and permanent errors fail at once, anything else
// consumes a retry. A task that fails for good moves the ticket to failed.
func (p *Processor) settleWorkflow(ctx context.Context, task *queue.WorkflowTask, out outcome, err error) error {
	ev := TaskEvent{Queue: "workflow", TaskID: task.ID, TicketID: task.TicketID,
		TicketIdentifier: task.TicketIdentifier, TaskType: task.Type}
	defer func() { p.emit(ev) }()

	if err == nil {
		var next *queue.WorkflowInput
		if out.next != nil {
			next = &queue.WorkflowInput{
				TicketID:         task.TicketID,
				TicketIdentifier: task.TicketIdentifier,
				Priority:         out.priority,
				Payload:          out.next,
			}
		}
		if _, cerr := p.Workflow.CompleteAndEnqueue(ctx, task.ID, out.output, next); cerr != nil {
			ev.Outcome = "error"
			return cerr
		}
		ev.Outcome = "completed"
		if out.skipped {
			ev.Outcome = "skipped"
		}
		p.cfg.Metrics.TaskCompleted("workflow", string(task.Type))
		return nil
	}

	ev.Error = err.Error()
	if resetAt, ok := rateLimitedUntil(err); ok {
		ev.Outcome = "rate_limited"
		p.logger.Warn("task requeued for rate limit", "task_id", task.ID, "ticket", task.TicketIdentifier, "reset_at", resetAt)
		return p.Workflow.RequeueForRateLimit(ctx, task.ID, resetAt)
	}
	if ctx.Err() != nil {
		// Shutdown: the task stays processing and is recovered at startup.
		ev.Outcome = "interrupted"
		return nil
	}

	var final bool
	if isPermanent(err) {
		final = true
		if ferr := p.Workflow.FailPermanently(ctx, task.ID, err); ferr != nil {
			return ferr
		}
	} else {
		var ferr error
		if final, ferr = p.Workflow.Fail(ctx, task.ID, err); ferr != nil {
			return ferr
		}
	}
	p.cfg.Metrics.TaskFailed("workflow", string(task.Type), final)

	if !final {
		ev.Outcome = "retrying"
		p.logger.Warn("workflow task failed, will retry", "task_id", task.ID, "ticket", task.TicketIdentifier,
			"task_type", task.Type, "attempt", task.RetryCount+1, "error", err)
		return nil
	}
	ev.Outcome = "failed"
	p.logger.Error("workflow task failed permanently", "task_id", task.ID, "ticket", task.TicketIdentifier,
		"task_type", task.Type, "error", err)
	p.giveUp(ctx, task.TicketID, string(task.Type), err)
	return nil
}

// giveUp parks the ticket in failed and posts the failure note. A ticket
// that cannot move to failed, e.g. because it is already parked, gets no
// note, so a task re-enqueued for a broken ticket does not repeat it.
func (p *Processor) giveUp(ctx context.Context, ticketID, stage string, cause error) {
	p.logActivity(ticketID, "task_failed", "", "", fmt.Sprintf("%s: %v", stage, cause))

	ts, err := p.Machine.Get(ctx, ticketID)
	if err != nil {
		p.logger.Warn("reading state after failure", "ticket_id", ticketID, "error", err)
		return
	}
	if !statemachine.CanTransition(ts.State, statemachine.StateFailed) {
		p.logger.Info("ticket not moved to failed", "ticket", ts.TicketIdentifier, "state", ts.State)
		return
	}
	issue := linear.Issue{ID: ticketID, Identifier: ts.TicketIdentifier}
	if cached, ok, _ := p.Mirror.Ticket(ctx, ticketID); ok {
		issue = cached
	}
	if err := p.transition(ctx, issue, statemachine.StateFailed, stage+" failed: "+cause.Error(), nil); err != nil {
		p.logger.Warn("moving ticket to failed", "ticket", ts.TicketIdentifier, "error", err)
		return
	}
	p.post(ctx, issue, failedNote(stage, cause))
}

func (p *Processor) emit(ev TaskEvent) {
	if p.cfg.OnTask != nil && ev.Outcome != "" {
		p.cfg.OnTask(ev)
	}
}

// rateLimitedUntil returns when a rate-limited error clears.
func rateLimitedUntil(err error) (time.Time, bool) {
	var rl *gateway.RateLimitedError
	if !errors.As(err, &rl) {
		return time.Time{}, false
	}
	return rl.ResetAt, true
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	var pe *gateway.PermanentError
	return agents.IsValidation(err) ||
		retry.IsPermanent(err) ||
		errors.As(err, &pe) ||
		errors.Is(err, gateway.ErrUnauthorized) ||
		errors.Is(err, statemachine.ErrInvalidTransition)
}
