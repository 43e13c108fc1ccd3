// Package webhook turns Linear webhook deliveries into mirror updates and
// workflow tasks. Work only starts on an explicit signal: a mention command,
// an approve or reject reaction, or an answer to a question the bot asked.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/comments"
	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/metrics"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/scheduler"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

const maxBody = 1 << 20

// Tracker is the slice of the gateway the router calls.
type Tracker interface {
	FetchIssue(ctx context.Context, issueID string) (linear.Issue, error)
	FetchIssueComments(ctx context.Context, issueID string) ([]linear.Comment, error)
	PostReply(ctx context.Context, issueID, parentID, body string) (linear.Comment, error)
}

// TagSyncer re-applies a ticket's workflow label.
// *statemachine.TagSyncer satisfies it.
type TagSyncer interface {
	Sync(ctx context.Context, ticketID, teamID string, state statemachine.State) error
}

type Config struct {
	// Secret verifies the Linear-Signature header. Empty disables the check.
	Secret string

	BotName   string // the handle users mention, without the @
	BotUserID string // the bot's Linear user id, for ignoring its own events
	TeamID    string // label team for tickets the mirror has no team for

	Deadline      time.Duration // default 4s
	DebounceQuiet time.Duration // default 10s
	MaxAge        time.Duration // default 60s

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 4 * time.Second
	}
	if c.DebounceQuiet <= 0 {
		c.DebounceQuiet = 10 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 60 * time.Second
	}
	if c.BotName == "" {
		c.BotName = "autoflow"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the stores the router feeds. DB holds the delivery log. Tags is
// optional.
type Deps struct {
	Tracker  Tracker
	Mirror   *mirror.Mirror
	Workflow *queue.Workflow
	Machine  *statemachine.Machine
	Tags     TagSyncer
	Registry *scheduler.Registry
	DB       *db.DB
}

// Router is the http.Handler for POST /webhooks/linear.
type Router struct {
	Deps
	cfg       Config
	logger    *slog.Logger
	debouncer *Debouncer
	now       func() time.Time
	inflight  sync.WaitGroup
}

func New(deps Deps, cfg Config) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		Deps:      deps,
		cfg:       cfg,
		logger:    cfg.Logger,
		debouncer: NewDebouncer(cfg.DebounceQuiet),
		now:       time.Now,
	}
}

// Close drops pending debounced actions and waits for handlers that
// outlived their request.
func (rt *Router) Close() {
	rt.debouncer.Stop()
	rt.inflight.Wait()
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !rt.verify(r.Header.Get("Linear-Signature"), body) {
		rt.cfg.Metrics.WebhookEvent("unknown", "bad_signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if rt.stale(ev.WebhookTimestamp) {
		rt.cfg.Metrics.WebhookEvent(ev.Type, "stale")
		http.Error(w, "stale webhook", http.StatusBadRequest)
		return
	}

	delivery := r.Header.Get("Linear-Delivery")
	if delivery != "" {
		fresh, err := rt.claim(r.Context(), delivery)
		if err != nil {
			rt.logger.Error("recording webhook delivery", "delivery", delivery, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !fresh {
			rt.cfg.Metrics.WebhookEvent(ev.Type, "duplicate")
			rt.logger.Debug("duplicate webhook delivery", "delivery", delivery)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	if err := rt.race(r.Context(), ev); err != nil {
		rt.logger.Error("handling webhook", "type", ev.Type, "action", ev.Action, "error", err)
		if delivery != "" {
			// Let Linear's redelivery through.
			rt.release(context.WithoutCancel(r.Context()), delivery)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// race runs Handle detached from the request and waits for it at most
// Deadline. Past the deadline the work carries on and nil is returned.
func (rt *Router) race(ctx context.Context, ev Event) error {
	done := make(chan error, 1)
	rt.inflight.Add(1)
	go func() {
		defer rt.inflight.Done()
		done <- rt.Handle(context.WithoutCancel(ctx), ev)
	}()

	timer := time.NewTimer(rt.cfg.Deadline)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		rt.logger.Warn("webhook handler passed its deadline, answering anyway", "type", ev.Type, "action", ev.Action)
		go func() {
			if err := <-done; err != nil {
				rt.logger.Error("late webhook handler failed", "type", ev.Type, "error", err)
			}
		}()
		return nil
	}
}

// Handle dispatches an event by type and action.
func (rt *Router) Handle(ctx context.Context, ev Event) error {
	var err error
	switch {
	case ev.Type == "Issue":
		err = rt.OnIssueUpdate(ctx, ev)
	case ev.Type == "Comment" && ev.Action == "create":
		err = rt.OnCommentCreate(ctx, ev)
	case ev.Type == "Comment" && ev.Action == "update":
		err = rt.OnCommentUpdate(ctx, ev)
	case ev.Type == "Reaction" && ev.Action == "create":
		err = rt.OnReactionCreate(ctx, ev)
	default:
		rt.cfg.Metrics.WebhookEvent(ev.Type, "ignored")
		return nil
	}
	outcome := "handled"
	if err != nil {
		outcome = "error"
	}
	rt.cfg.Metrics.WebhookEvent(ev.Type, outcome)
	return err
}

// OnIssueUpdate refreshes the mirrored ticket. It never enqueues work.
func (rt *Router) OnIssueUpdate(ctx context.Context, ev Event) error {
	if ev.Action == "remove" {
		return nil
	}
	d, err := decode[issueData](ev)
	if err != nil {
		return err
	}
	if d.ID == "" {
		return errors.New("issue event without id")
	}
	return rt.Mirror.PutTicket(ctx, d.issue())
}

func (rt *Router) OnCommentCreate(ctx context.Context, ev Event) error {
	c, err := decode[commentData](ev)
	if err != nil {
		return err
	}
	issueID := c.issueID()
	if issueID == "" {
		rt.logger.Warn("comment event without issue", "comment_id", c.ID)
		return nil
	}
	rt.invalidate(ctx, issueID)
	if rt.fromBot(c) {
		return nil
	}
	if cmd, ok := comments.Mention(c.Body, rt.cfg.BotName); ok {
		return rt.command(ctx, c, issueID, cmd)
	}
	return rt.reply(ctx, c, issueID)
}

// OnCommentUpdate watches for checkbox answers on the bot's question and
// plan comments. Edits that add a mention run the command once.
func (rt *Router) OnCommentUpdate(ctx context.Context, ev Event) error {
	c, err := decode[commentData](ev)
	if err != nil {
		return err
	}
	issueID := c.issueID()
	if issueID == "" {
		return nil
	}
	rt.invalidate(ctx, issueID)

	if m, ok := comments.Classify(c.Body); ok {
		if m != comments.MarkerQuestions && m != comments.MarkerPlan {
			return nil
		}
		if before, ok := ev.updatedBody(); ok {
			if !comments.CheckboxesChanged(before, c.Body) {
				return nil
			}
		} else if len(ev.UpdatedFrom) > 0 {
			// The body itself was not edited.
			return nil
		}
		rt.debounceAnswers(issueID, c.ID)
		return nil
	}

	if rt.fromBot(c) {
		return nil
	}
	if cmd, ok := comments.Mention(c.Body, rt.cfg.BotName); ok {
		return rt.command(ctx, c, issueID, cmd)
	}
	return nil
}

// OnReactionCreate resolves a pending suggestion, or settles an approval
// request. Reactions on any other comment are ignored.
func (rt *Router) OnReactionCreate(ctx context.Context, ev Event) error {
	d, err := decode[reactionData](ev)
	if err != nil {
		return err
	}
	if rt.cfg.BotUserID != "" && d.UserID == rt.cfg.BotUserID {
		return nil
	}
	var resolution string
	switch {
	case approveEmoji[d.Emoji]:
		resolution = queue.ReactionApproved
	case rejectEmoji[d.Emoji]:
		resolution = queue.ReactionRejected
	default:
		return nil
	}
	issueID := d.issueID()
	if issueID == "" {
		rt.logger.Warn("reaction event without issue", "reaction_id", d.ID)
		return nil
	}

	reg, err := rt.Registry.Awaiting(ctx, issueID)
	if err != nil {
		return err
	}
	if reg != nil && reg.WaitingFor == scheduler.WaitingApproval && reg.CommentID == d.commentID() {
		rt.debouncer.Cancel(issueID)
		return rt.enqueue(ctx, issueID, "", queue.ConsolidatePayload{Resolution: resolution, CommentID: reg.CommentID})
	}

	state, err := rt.Machine.Current(ctx, issueID)
	if err != nil {
		return err
	}
	if state != statemachine.StateReadyForApproval {
		rt.logger.Debug("reaction ignored", "ticket_id", issueID, "state", state, "comment_id", d.commentID())
		return nil
	}
	ok, err := rt.isApprovalRequest(ctx, issueID, d.commentID())
	if err != nil || !ok {
		return err
	}
	return rt.enqueue(ctx, issueID, "", queue.EvaluatePayload{EmojiReaction: resolution})
}

// isApprovalRequest reports whether commentID is the bot's approval request.
func (rt *Router) isApprovalRequest(ctx context.Context, issueID, commentID string) (bool, error) {
	if commentID == "" {
		return false, nil
	}
	cs, err := mirror.Cached(ctx,
		func(ctx context.Context) ([]linear.Comment, bool, error) { return rt.Mirror.Comments(ctx, issueID) },
		func(ctx context.Context) ([]linear.Comment, error) { return rt.Tracker.FetchIssueComments(ctx, issueID) },
		func(ctx context.Context, cs []linear.Comment) error { return rt.Mirror.PutComments(ctx, issueID, cs) },
	)
	if err != nil {
		return false, fmt.Errorf("reading comments: %w", err)
	}
	for _, c := range cs {
		if c.ID == commentID {
			return comments.Has(c.Body, comments.MarkerApproval), nil
		}
	}
	rt.logger.Debug("reaction on unknown comment ignored", "ticket_id", issueID, "comment_id", commentID)
	return false, nil
}

// command runs a mention command at most once per comment.
func (rt *Router) command(ctx context.Context, c commentData, issueID, cmd string) error {
	fresh, err := rt.claim(ctx, "command:"+c.ID)
	if err != nil || !fresh {
		return err
	}
	hint := ""
	if c.Issue != nil {
		hint = c.Issue.Identifier
	}
	rt.logger.Info("mention command", "ticket_id", issueID, "command", cmd, "comment_id", c.ID)
	rt.logActivity(issueID, "mention_command", cmd)

	switch cmd {
	case "evaluate":
		return rt.enqueue(ctx, issueID, hint, queue.EvaluatePayload{})
	case "refine":
		return rt.enqueue(ctx, issueID, hint, queue.RefinePayload{})
	case "plan":
		return rt.enqueue(ctx, issueID, hint, queue.PlanPayload{})
	case "sync":
		return rt.enqueue(ctx, issueID, hint, queue.SyncStatePayload{})
	case "retry":
		return rt.retry(ctx, issueID, hint)
	default:
		thread := c.ID
		if c.ParentID != "" {
			thread = c.ParentID
		}
		if _, err := rt.Tracker.PostReply(ctx, issueID, thread, comments.Help(rt.cfg.BotName)); err != nil {
			return fmt.Errorf("posting help: %w", err)
		}
		return nil
	}
}

// retry puts a failed or blocked ticket back to new and evaluates it.
func (rt *Router) retry(ctx context.Context, issueID, hint string) error {
	ts, err := rt.Machine.Get(ctx, issueID)
	switch {
	case errors.Is(err, statemachine.ErrUnknownTicket):
	case err != nil:
		return err
	case ts.State.Parked():
		if err := rt.Machine.Transition(ctx, issueID, statemachine.StateNew, "retry requested", nil); err != nil {
			return err
		}
		rt.syncTag(ctx, issueID, statemachine.StateNew)
	default:
		rt.logger.Info("retry ignored", "ticket_id", issueID, "state", ts.State)
		return nil
	}
	return rt.enqueue(ctx, issueID, hint, queue.EvaluatePayload{})
}

// reply treats a plain comment as the answer to the bot's open questions.
func (rt *Router) reply(ctx context.Context, c commentData, issueID string) error {
	reg, err := rt.Registry.Awaiting(ctx, issueID)
	if err != nil || reg == nil {
		return err
	}
	var p queue.Payload
	switch reg.WaitingFor {
	case scheduler.WaitingQuestions:
		p = queue.ConsolidatePayload{CommentID: c.ID}
	case scheduler.WaitingPlan:
		p = queue.ConsolidatePlanPayload{CommentID: c.ID}
	default:
		return nil
	}
	rt.debouncer.Cancel(issueID)
	return rt.enqueue(ctx, issueID, reg.TicketIdentifier, p)
}

// debounceAnswers enqueues one consolidation once checkbox edits on the
// ticket have been quiet for DebounceQuiet.
func (rt *Router) debounceAnswers(issueID, commentID string) {
	rt.logger.Debug("checkbox answers changed", "ticket_id", issueID, "comment_id", commentID)
	rt.debouncer.Trigger(issueID, func() {
		rt.cfg.Metrics.DebounceFired()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reg, err := rt.Registry.Awaiting(ctx, issueID)
		if err != nil {
			rt.logger.Error("reading awaiting registration", "ticket_id", issueID, "error", err)
			return
		}
		if reg == nil {
			rt.logger.Debug("checkbox answers arrived after the wait ended", "ticket_id", issueID)
			return
		}
		var p queue.Payload = queue.ConsolidatePayload{CommentID: commentID}
		if reg.WaitingFor == scheduler.WaitingPlan {
			p = queue.ConsolidatePlanPayload{CommentID: commentID}
		}
		if err := rt.enqueue(ctx, issueID, reg.TicketIdentifier, p); err != nil {
			rt.logger.Error("enqueueing consolidation", "ticket_id", issueID, "error", err)
		}
	})
}

func (rt *Router) enqueue(ctx context.Context, issueID, identifier string, p queue.Payload) error {
	if identifier == "" {
		issue, err := mirror.Cached(ctx,
			func(ctx context.Context) (linear.Issue, bool, error) { return rt.Mirror.Ticket(ctx, issueID) },
			func(ctx context.Context) (linear.Issue, error) { return rt.Tracker.FetchIssue(ctx, issueID) },
			rt.Mirror.PutTicket,
		)
		if err != nil {
			return fmt.Errorf("resolving ticket %s: %w", issueID, err)
		}
		identifier = issue.Identifier
	}

	task, err := rt.Workflow.Enqueue(ctx, queue.WorkflowInput{
		TicketID:         issueID,
		TicketIdentifier: identifier,
		Priority:         queue.PriorityUrgent,
		Payload:          p,
	})
	if err != nil {
		return err
	}
	if task == nil {
		rt.logger.Info("ticket already has an active task", "ticket", identifier, "task_type", p.TaskType())
		return nil
	}
	rt.logger.Info("task enqueued from webhook", "ticket", identifier, "task_type", task.Type, "task_id", task.ID)
	return nil
}

// syncTag clears the stale workflow label after a retry. Failures are
// logged; the local state is the source of truth.
func (rt *Router) syncTag(ctx context.Context, issueID string, state statemachine.State) {
	if rt.Tags == nil {
		return
	}
	teamID := rt.cfg.TeamID
	if issue, ok, _ := rt.Mirror.Ticket(ctx, issueID); ok && issue.TeamID != "" {
		teamID = issue.TeamID
	}
	if err := rt.Tags.Sync(ctx, issueID, teamID, state); err != nil {
		rt.logger.Warn("syncing workflow tag", "ticket_id", issueID, "state", state, "error", err)
	}
}

func (rt *Router) fromBot(c commentData) bool {
	if _, marked := comments.Classify(c.Body); marked {
		return true
	}
	a := c.author()
	if rt.cfg.BotUserID != "" && a.ID == rt.cfg.BotUserID {
		return true
	}
	return a.Name != "" && strings.EqualFold(a.Name, rt.cfg.BotName)
}

func (rt *Router) invalidate(ctx context.Context, issueID string) {
	if err := rt.Mirror.InvalidateComments(ctx, issueID); err != nil {
		rt.logger.Debug("invalidating comments", "ticket_id", issueID, "error", err)
	}
}

func (rt *Router) verify(signature string, body []byte) bool {
	if rt.cfg.Secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(rt.cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// stale reports a webhookTimestamp outside MaxAge of now. Unsigned
// deliveries may omit the timestamp.
func (rt *Router) stale(ms int64) bool {
	if ms == 0 {
		return rt.cfg.Secret != ""
	}
	age := rt.now().Sub(time.UnixMilli(ms))
	return age > rt.cfg.MaxAge || age < -rt.cfg.MaxAge
}

func (rt *Router) logActivity(ticketID, eventType, detail string) {
	if err := rt.DB.LogActivity(ticketID, eventType, "", "", detail); err != nil {
		rt.logger.Debug("logging activity", "ticket_id", ticketID, "error", err)
	}
}
