package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/autoflow/internal/autoflow/comments"
	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/scheduler"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

const secret = "s3cret"

var ticket = linear.Issue{ID: "t-1", Identifier: "ENG-1", Title: "Add export", TeamID: "team-1"}

type fakeTracker struct {
	mu       sync.Mutex
	posted   []string
	parents  []string
	comments []linear.Comment
	block    chan struct{}
}

func (f *fakeTracker) FetchIssue(_ context.Context, id string) (linear.Issue, error) {
	if id != ticket.ID {
		return linear.Issue{}, fmt.Errorf("issue %s not found", id)
	}
	return ticket, nil
}

func (f *fakeTracker) FetchIssueComments(context.Context, string) ([]linear.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]linear.Comment(nil), f.comments...), nil
}

func (f *fakeTracker) PostReply(_ context.Context, _, parentID, body string) (linear.Comment, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, body)
	f.parents = append(f.parents, parentID)
	return linear.Comment{ID: fmt.Sprintf("bot-%d", len(f.posted)), Body: body}, nil
}

func (f *fakeTracker) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

type fakeTags struct {
	mu    sync.Mutex
	syncs []statemachine.State
	teams []string
}

func (f *fakeTags) Sync(_ context.Context, _, teamID string, state statemachine.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, state)
	f.teams = append(f.teams, teamID)
	return nil
}

type harness struct {
	rt      *Router
	tracker *fakeTracker
	tags    *fakeTags
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	conn := d.Conn()
	m := mirror.New(conn, mirror.DefaultTTLs())
	require.NoError(t, m.PutTicket(context.Background(), ticket))

	h := &harness{tracker: &fakeTracker{}, tags: &fakeTags{}}
	cfg.Secret = secret
	cfg.BotName = "autoflow"
	cfg.BotUserID = "bot-user"
	h.rt = New(Deps{
		Tracker:  h.tracker,
		Mirror:   m,
		Workflow: queue.NewWorkflow(conn, queue.Options{}),
		Machine:  statemachine.New(d, statemachine.Config{}),
		Tags:     h.tags,
		Registry: scheduler.NewRegistry(conn),
		DB:       d,
	}, cfg)
	t.Cleanup(h.rt.Close)
	return h
}

func event(t *testing.T, typ, action string, data any) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Event{Type: typ, Action: action, Data: raw, WebhookTimestamp: time.Now().UnixMilli()}
}

func comment(id, body string) map[string]any {
	return map[string]any{
		"id":      id,
		"body":    body,
		"issueId": ticket.ID,
		"userId":  "human-1",
		"user":    map[string]any{"id": "human-1", "name": "Dana"},
		"issue":   map[string]any{"id": ticket.ID, "identifier": ticket.Identifier},
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *harness) deliver(t *testing.T, ev Event, delivery string) int {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", bytes.NewReader(body))
	req.Header.Set("Linear-Signature", sign(body))
	if delivery != "" {
		req.Header.Set("Linear-Delivery", delivery)
	}
	rec := httptest.NewRecorder()
	h.rt.ServeHTTP(rec, req)
	return rec.Code
}

func (h *harness) active(t *testing.T) *queue.WorkflowTask {
	t.Helper()
	task, err := h.rt.Workflow.Active(context.Background(), ticket.ID)
	require.NoError(t, err)
	return task
}

// finish settles the ticket's active task so a new one can be enqueued.
func (h *harness) finish(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	task, err := h.rt.Workflow.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, h.rt.Workflow.Complete(ctx, task.ID, "done"))
}

func (h *harness) await(t *testing.T, waitingFor scheduler.WaitingFor, commentID string) {
	t.Helper()
	require.NoError(t, h.rt.Registry.RegisterAwaitingResponse(context.Background(), scheduler.Registration{
		TicketID: ticket.ID, TicketIdentifier: ticket.Identifier, WaitingFor: waitingFor, CommentID: commentID,
	}))
}

// --- transport ---

func TestServeHTTP_RejectsBadSignature(t *testing.T) {
	h := newHarness(t, Config{})
	body, _ := json.Marshal(event(t, "Comment", "create", comment("c-1", "@autoflow evaluate")))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", bytes.NewReader(body))
	req.Header.Set("Linear-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	h.rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, h.active(t))
}

func TestServeHTTP_RejectsStaleTimestamp(t *testing.T) {
	h := newHarness(t, Config{})
	ev := event(t, "Comment", "create", comment("c-1", "@autoflow evaluate"))
	ev.WebhookTimestamp = time.Now().Add(-2 * time.Minute).UnixMilli()

	assert.Equal(t, http.StatusBadRequest, h.deliver(t, ev, "d-1"))
	assert.Nil(t, h.active(t))
}

func TestServeHTTP_RejectsOversizedBody(t *testing.T) {
	h := newHarness(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", strings.NewReader(strings.Repeat("x", maxBody+1)))
	rec := httptest.NewRecorder()
	h.rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServeHTTP_DropsRedeliveries(t *testing.T) {
	h := newHarness(t, Config{})

	require.Equal(t, http.StatusOK, h.deliver(t, event(t, "Comment", "create", comment("c-1", "@autoflow evaluate")), "d-1"))
	require.NotNil(t, h.active(t))
	h.finish(t)

	// Same delivery id, different content: still a redelivery.
	assert.Equal(t, http.StatusOK, h.deliver(t, event(t, "Comment", "create", comment("c-2", "@autoflow evaluate")), "d-1"))
	assert.Nil(t, h.active(t))

	pruned, err := h.rt.PruneDeliveries(context.Background(), -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned, "the delivery and the command claim")
}

func TestServeHTTP_AnswersAtDeadline(t *testing.T) {
	h := newHarness(t, Config{Deadline: 20 * time.Millisecond})
	h.tracker.block = make(chan struct{})

	start := time.Now()
	code := h.deliver(t, event(t, "Comment", "create", comment("c-1", "@autoflow help")), "d-1")

	assert.Equal(t, http.StatusOK, code)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, h.tracker.postedCount())

	close(h.tracker.block)
	assert.Eventually(t, func() bool { return h.tracker.postedCount() == 1 }, time.Second, 5*time.Millisecond,
		"the handler keeps running after the response")
}

// --- comments ---

func TestCommentCreate_MentionCommandsEnqueueUrgentTasks(t *testing.T) {
	tests := []struct {
		body string
		want queue.TaskType
	}{
		{"@autoflow evaluate", queue.TaskEvaluate},
		{"Could you @autoflow refine this?", queue.TaskRefine},
		{"@AutoFlow plan", queue.TaskPlan},
		{"@autoflow sync", queue.TaskSyncState},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			h := newHarness(t, Config{})
			require.NoError(t, h.rt.Handle(context.Background(), event(t, "Comment", "create", comment("c-1", tt.body))))

			task := h.active(t)
			require.NotNil(t, task)
			assert.Equal(t, tt.want, task.Type)
			assert.Equal(t, queue.PriorityUrgent, task.Priority)
			assert.Equal(t, ticket.Identifier, task.TicketIdentifier)
		})
	}
}

func TestCommentCreate_PlainCommentIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Comment", "create", comment("c-1", "Looks good to me"))))

	assert.Nil(t, h.active(t))
	assert.Equal(t, 0, h.tracker.postedCount())
}

func TestCommentCreate_IgnoresTheBot(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	byBot := comment("c-1", "@autoflow evaluate")
	byBot["userId"] = "bot-user"
	require.NoError(t, h.rt.Handle(ctx, event(t, "Comment", "create", byBot)))

	marked := comment("c-2", comments.Blocked("needs design"))
	require.NoError(t, h.rt.Handle(ctx, event(t, "Comment", "create", marked)))

	assert.Nil(t, h.active(t))
}

func TestCommentCreate_HelpOncePerComment(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	ev := event(t, "Comment", "create", comment("c-1", "@autoflow help"))
	require.NoError(t, h.rt.Handle(ctx, ev))
	require.NoError(t, h.rt.Handle(ctx, ev))
	require.NoError(t, h.rt.Handle(ctx, event(t, "Comment", "create", comment("c-2", "@autoflow dance"))))

	require.Equal(t, 2, h.tracker.postedCount())
	assert.True(t, comments.Has(h.tracker.posted[0], comments.MarkerHelp))
	assert.Equal(t, []string{"c-1", "c-2"}, h.tracker.parents, "help replies in the asking thread")
	assert.Nil(t, h.active(t))
}

func TestCommentCreate_HelpRepliesToThreadRoot(t *testing.T) {
	h := newHarness(t, Config{})
	c := comment("c-2", "@autoflow what")
	c["parentId"] = "c-1"

	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Comment", "create", c)))

	assert.Equal(t, []string{"c-1"}, h.tracker.parents)
}

func TestCommentCreate_RetryRestartsFailedTicket(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ok, err := h.rt.Machine.Adopt(ctx, ticket.ID, ticket.Identifier, statemachine.StateFailed)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.rt.Handle(ctx, event(t, "Comment", "create", comment("c-1", "@autoflow retry"))))

	state, err := h.rt.Machine.Current(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StateNew, state)
	task := h.active(t)
	require.NotNil(t, task)
	assert.Equal(t, queue.TaskEvaluate, task.Type)
	assert.Equal(t, []statemachine.State{statemachine.StateNew}, h.tags.syncs, "the failed label is cleared")
	assert.Equal(t, []string{"team-1"}, h.tags.teams)
}

func TestCommentCreate_RetryRestartsBlockedTicket(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ok, err := h.rt.Machine.Adopt(ctx, ticket.ID, ticket.Identifier, statemachine.StateBlocked)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.rt.Handle(ctx, event(t, "Comment", "create", comment("c-1", "@autoflow retry"))))

	state, err := h.rt.Machine.Current(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StateNew, state)
	assert.Equal(t, []statemachine.State{statemachine.StateNew}, h.tags.syncs)
}

func TestCommentCreate_RetryIgnoredWhileWorking(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ok, err := h.rt.Machine.Adopt(ctx, ticket.ID, ticket.Identifier, statemachine.StateExecuting)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.rt.Handle(ctx, event(t, "Comment", "create", comment("c-1", "@autoflow retry"))))

	state, err := h.rt.Machine.Current(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StateExecuting, state)
	assert.Nil(t, h.active(t))
}

func TestCommentCreate_ReplyAnswersOpenQuestions(t *testing.T) {
	tests := []struct {
		waitingFor scheduler.WaitingFor
		want       queue.TaskType
	}{
		{scheduler.WaitingQuestions, queue.TaskConsolidate},
		{scheduler.WaitingPlan, queue.TaskConsolidatePlan},
	}
	for _, tt := range tests {
		t.Run(string(tt.waitingFor), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.await(t, tt.waitingFor, "bot-q")

			require.NoError(t, h.rt.Handle(context.Background(), event(t, "Comment", "create", comment("c-7", "Columns: id, name"))))

			task := h.active(t)
			require.NotNil(t, task)
			assert.Equal(t, tt.want, task.Type)
			assert.Equal(t, queue.PriorityUrgent, task.Priority)
		})
	}
}

func TestCommentCreate_ReplyCarriesCommentID(t *testing.T) {
	h := newHarness(t, Config{})
	h.await(t, scheduler.WaitingQuestions, "bot-q")

	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Comment", "create", comment("c-7", "Columns: id, name"))))

	task := h.active(t)
	require.NotNil(t, task)
	payload, ok := task.Payload.(queue.ConsolidatePayload)
	require.True(t, ok)
	assert.Equal(t, "c-7", payload.CommentID)
}

func TestCommentCreate_ReplyWhileAwaitingApprovalIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.await(t, scheduler.WaitingApproval, "bot-s")

	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Comment", "create", comment("c-7", "Nice"))))
	assert.Nil(t, h.active(t))
}

func TestCommentUpdate_DebouncesCheckboxAnswers(t *testing.T) {
	h := newHarness(t, Config{DebounceQuiet: 40 * time.Millisecond})
	h.await(t, scheduler.WaitingQuestions, "bot-q")
	ctx := context.Background()

	qs := []comments.Question{{Question: "CSV?", Options: []string{"yes", "no"}}}
	before := comments.Questions(qs)
	once := strings.Replace(before, "[ ]", "[x]", 1)
	require.True(t, comments.CheckboxesChanged(before, once))

	from, err := json.Marshal(map[string]string{"body": before})
	require.NoError(t, err)
	for _, body := range []string{once, before, once} {
		ev := event(t, "Comment", "update", comment("bot-q", body))
		ev.UpdatedFrom = from
		require.NoError(t, h.rt.Handle(ctx, ev))
	}
	assert.Nil(t, h.active(t), "nothing before the quiet period")
	assert.Equal(t, 1, h.rt.debouncer.Pending())

	assert.Eventually(t, func() bool { return h.active(t) != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, queue.TaskConsolidate, h.active(t).Type)
	assert.Equal(t, 0, h.rt.debouncer.Pending())
}

func TestCommentUpdate_IgnoresEditsWithoutCheckboxChanges(t *testing.T) {
	h := newHarness(t, Config{DebounceQuiet: 20 * time.Millisecond})
	h.await(t, scheduler.WaitingQuestions, "bot-q")
	ctx := context.Background()

	body := comments.Questions([]comments.Question{{Question: "CSV?"}})
	ev := event(t, "Comment", "update", comment("bot-q", body))
	ev.UpdatedFrom = json.RawMessage(`{"updatedAt":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, h.rt.Handle(ctx, ev))

	assert.Equal(t, 0, h.rt.debouncer.Pending())
}

// --- reactions ---

func reaction(emoji, commentID string) map[string]any {
	return map[string]any{
		"id":        "r-1",
		"emoji":     emoji,
		"userId":    "human-1",
		"commentId": commentID,
		"comment":   map[string]any{"id": commentID, "issueId": ticket.ID},
	}
}

func TestReactionCreate_ResolvesSuggestion(t *testing.T) {
	h := newHarness(t, Config{})
	h.await(t, scheduler.WaitingApproval, "bot-s")

	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Reaction", "create", reaction("✅", "bot-s"))))

	task := h.active(t)
	require.NotNil(t, task)
	assert.Equal(t, queue.TaskConsolidate, task.Type)
	payload, ok := task.Payload.(queue.ConsolidatePayload)
	require.True(t, ok)
	assert.Equal(t, queue.ReactionApproved, payload.Resolution)
}

// awaitApproval puts the ticket in ready_for_approval with the bot's
// approval request as comment "bot-a".
func (h *harness) awaitApproval(t *testing.T) {
	t.Helper()
	ok, err := h.rt.Machine.Adopt(context.Background(), ticket.ID, ticket.Identifier, statemachine.StateReadyForApproval)
	require.NoError(t, err)
	require.True(t, ok)
	h.tracker.comments = []linear.Comment{
		{ID: "human-q", Body: "Should it include headers?"},
		{ID: "bot-a", Body: comments.ApprovalRequest(90, "Clear scope.")},
	}
}

func TestReactionCreate_ReevaluatesWithReaction(t *testing.T) {
	tests := []struct {
		emoji string
		want  string
	}{
		{"+1", queue.ReactionApproved},
		{"thumbsup", queue.ReactionApproved},
		{"white_check_mark", queue.ReactionApproved},
		{"-1", queue.ReactionRejected},
		{"👎", queue.ReactionRejected},
		{"x", queue.ReactionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.emoji, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.awaitApproval(t)
			require.NoError(t, h.rt.Handle(context.Background(), event(t, "Reaction", "create", reaction(tt.emoji, "bot-a"))))

			task := h.active(t)
			require.NotNil(t, task)
			assert.Equal(t, queue.TaskEvaluate, task.Type)
			payload, ok := task.Payload.(queue.EvaluatePayload)
			require.True(t, ok)
			assert.Equal(t, tt.want, payload.EmojiReaction)
		})
	}
}

func TestReactionCreate_IgnoresOtherComments(t *testing.T) {
	h := newHarness(t, Config{})
	h.awaitApproval(t)

	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Reaction", "create", reaction("+1", "human-q"))))
	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Reaction", "create", reaction("+1", "unknown"))))

	assert.Nil(t, h.active(t))
}

func TestReactionCreate_IgnoredOutsideApproval(t *testing.T) {
	for _, state := range []statemachine.State{statemachine.StateNew, statemachine.StateRefining, statemachine.StateExecuting} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t, Config{})
			ctx := context.Background()
			if state != statemachine.StateNew {
				_, err := h.rt.Machine.Adopt(ctx, ticket.ID, ticket.Identifier, state)
				require.NoError(t, err)
			}
			h.tracker.comments = []linear.Comment{{ID: "bot-a", Body: comments.ApprovalRequest(90, "Clear scope.")}}

			require.NoError(t, h.rt.Handle(ctx, event(t, "Reaction", "create", reaction("+1", "bot-a"))))

			assert.Nil(t, h.active(t))
		})
	}
}

func TestReactionCreate_IgnoresOtherEmojiAndTheBot(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.rt.Handle(ctx, event(t, "Reaction", "create", reaction("tada", "bot-a"))))
	byBot := reaction("+1", "bot-a")
	byBot["userId"] = "bot-user"
	require.NoError(t, h.rt.Handle(ctx, event(t, "Reaction", "create", byBot)))

	assert.Nil(t, h.active(t))
}

// --- issues ---

func TestIssueUpdate_RefreshesMirrorOnly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	data := map[string]any{
		"id": ticket.ID, "identifier": ticket.Identifier, "title": "Add CSV export",
		"teamId": "team-1", "priority": 2,
		"state":  map[string]any{"id": "s-1", "name": "Todo", "type": "unstarted"},
		"labels": []map[string]any{{"id": "l-1", "name": "autoflow:refining"}},
	}
	require.NoError(t, h.rt.Handle(ctx, event(t, "Issue", "update", data)))

	got, ok, err := h.rt.Mirror.Ticket(ctx, ticket.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Add CSV export", got.Title)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, []string{"autoflow:refining"}, got.LabelNames())
	assert.Nil(t, h.active(t))
}

func TestHandle_IgnoresUnknownEvents(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.rt.Handle(context.Background(), event(t, "Project", "update", map[string]any{"id": "p-1"})))
	assert.Nil(t, h.active(t))
}
