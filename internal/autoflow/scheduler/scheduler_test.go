package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

type fakeGateway struct {
	mu      sync.Mutex
	limited bool
	pages   []linear.IssuePage
	states  []linear.WorkflowState
	err     error
	cursors []string
}

func (f *fakeGateway) RateLimited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limited
}

func (f *fakeGateway) FetchIssues(_ context.Context, _ linear.IssueFilter, after string, _ int) (linear.IssuePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, after)
	if f.err != nil {
		return linear.IssuePage{}, f.err
	}
	if len(f.pages) == 0 {
		return linear.IssuePage{}, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeGateway) FetchWorkflowStates(context.Context, string) ([]linear.WorkflowState, error) {
	return f.states, nil
}

type harness struct {
	s  *Scheduler
	gw *fakeGateway
	db *db.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	gw := &fakeGateway{}
	conn := d.Conn()
	s := New(Deps{
		Gateway:   gw,
		Mirror:    mirror.New(conn, mirror.DefaultTTLs()),
		Workflow:  queue.NewWorkflow(conn, queue.Options{}),
		Execution: queue.NewExecution(conn, queue.Options{}),
		Machine:   statemachine.New(d, statemachine.Config{}),
		Registry:  NewRegistry(conn),
	}, Config{TeamID: "team-1"})
	return &harness{s: s, gw: gw, db: d}
}

func (h *harness) mirrorTickets(t *testing.T, issues ...linear.Issue) {
	t.Helper()
	for _, is := range issues {
		require.NoError(t, h.s.Mirror.PutTicket(context.Background(), is))
	}
}

func issue(id string, prio int, labels ...string) linear.Issue {
	is := linear.Issue{ID: id, Identifier: "ENG-" + id, Title: "ticket " + id, Priority: prio}
	for _, l := range labels {
		is.Labels = append(is.Labels, linear.Label{ID: "lbl-" + l, Name: l})
	}
	return is
}

func activeTypes(t *testing.T, h *harness) map[string]queue.TaskType {
	t.Helper()
	tasks, err := h.s.Workflow.List(context.Background(), queue.Filter{Status: queue.StatusPending})
	require.NoError(t, err)
	out := map[string]queue.TaskType{}
	for _, task := range tasks {
		out[task.TicketID] = task.Type
	}
	return out
}

// --- Reconcile ---

func TestReconcile_StartsOneNewTicketPerTickByPriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mirrorTickets(t, issue("1", 0), issue("2", 1), issue("3", 3))

	n, err := h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]queue.TaskType{"2": queue.TaskEvaluate}, activeTypes(t, h), "urgent ticket first")

	task, err := h.s.Workflow.Active(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityUrgent, task.Priority)

	n, err = h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, activeTypes(t, h), "3")
}

func TestReconcile_RecoversTaggedTicketsWithoutLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mirrorTickets(t,
		issue("1", 2, statemachine.TagFor(statemachine.StateRefining)),
		issue("2", 2, statemachine.TagFor(statemachine.StateExecuting), "bug"),
		issue("3", 2, statemachine.TagFor(statemachine.StateApproved)),
		issue("4", 2),
	)

	n, err := h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, map[string]queue.TaskType{
		"1": queue.TaskRefine,
		"2": queue.TaskExecute,
		"3": queue.TaskGeneratePrompt,
		"4": queue.TaskEvaluate,
	}, activeTypes(t, h))

	state, err := h.s.Machine.Current(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, statemachine.StateExecuting, state, "state adopted from the label")
}

func TestReconcile_SkipsWaitingTerminalParkedAndBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mirrorTickets(t,
		issue("waiting", 2, statemachine.TagFor(statemachine.StateAwaitingResponse)),
		issue("done", 2, statemachine.TagFor(statemachine.StateCompleted)),
		issue("blocked", 2, statemachine.TagFor(statemachine.StateBlocked)),
		issue("failed", 2, statemachine.TagFor(statemachine.StateFailed)),
		issue("registered", 2, statemachine.TagFor(statemachine.StateRefining)),
		issue("running", 2, statemachine.TagFor(statemachine.StateExecuting)),
	)
	require.NoError(t, h.s.Registry.RegisterAwaitingResponse(ctx, Registration{
		TicketID: "registered", WaitingFor: WaitingQuestions,
	}))
	_, err := h.s.Execution.Enqueue(ctx, queue.ExecutionInput{TicketID: "running", Prompt: "p"})
	require.NoError(t, err)

	n, err := h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_SkipsActiveAndRecentlyProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mirrorTickets(t, issue("1", 2, statemachine.TagFor(statemachine.StateRefining)))

	n, err := h.s.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already active")

	task, err := h.s.Workflow.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, h.s.Workflow.Complete(ctx, task.ID, ""))

	n, err = h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recently processed")
}

func TestReconcile_LocalStateWinsOverLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.s.Machine.Ensure(ctx, "1", "ENG-1")
	require.NoError(t, err)
	h.mirrorTickets(t, issue("1", 2, statemachine.TagFor(statemachine.StateFailed)))

	n, err := h.s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, queue.TaskEvaluate, activeTypes(t, h)["1"])
}

func TestReconcile_SkippedWhileRateLimited(t *testing.T) {
	h := newHarness(t)
	h.gw.limited = true
	h.mirrorTickets(t, issue("1", 2))

	n, err := h.s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- FullSync ---

func TestFullSync_PaginatesAndWritesMirror(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mirrorTickets(t, issue("stale", 2))
	h.gw.pages = []linear.IssuePage{
		{Issues: []linear.Issue{issue("1", 2, "bug")}, EndCursor: "c1", HasMore: true},
		{Issues: []linear.Issue{issue("2", 3)}, EndCursor: "c2", HasMore: false},
	}
	h.gw.states = []linear.WorkflowState{{ID: "s1", Name: "Todo", Type: "unstarted"}}

	n, err := h.s.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"", "c1"}, h.gw.cursors)

	all, err := h.s.Mirror.AllTickets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "stale ticket dropped")

	labels, ok, err := h.s.Mirror.Labels(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bug", labels[0].Name)

	states, ok, err := h.s.Mirror.WorkflowStates(ctx, "team-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Todo", states[0].Name)
}

func TestFullSync_ErrorKeepsMirror(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mirrorTickets(t, issue("kept", 2))
	h.gw.err = errors.New("boom")

	_, err := h.s.FullSync(ctx)
	require.Error(t, err)

	all, err := h.s.Mirror.AllTickets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRun_SyncsThenReconcilesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.gw.pages = []linear.IssuePage{{Issues: []linear.Issue{issue("1", 2)}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		task, err := h.s.Workflow.Active(context.Background(), "1")
		return err == nil && task != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// --- Registry ---

func TestRegistry_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.s.Registry

	ok, err := r.IsAwaitingResponse(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.RegisterAwaitingResponse(ctx, Registration{
		TicketID: "1", TicketIdentifier: "ENG-1", WaitingFor: WaitingQuestions, CommentID: "c1",
	}))
	require.NoError(t, r.RegisterAwaitingResponse(ctx, Registration{
		TicketID: "1", TicketIdentifier: "ENG-1", WaitingFor: WaitingApproval, CommentID: "c2",
	}))
	require.NoError(t, r.RegisterAwaitingResponse(ctx, Registration{
		TicketID: "2", TicketIdentifier: "ENG-2", WaitingFor: WaitingPlan,
	}))

	reg, err := r.Awaiting(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, WaitingApproval, reg.WaitingFor, "re-registering replaces")
	assert.Equal(t, "c2", reg.CommentID)

	all, err := r.ListAwaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, r.ClearAwaitingResponse(ctx, "1"))
	require.NoError(t, r.ClearAwaitingResponse(ctx, "1"))
	reg, err = r.Awaiting(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, reg)
}

// --- Awaiting sweep ---

func TestSweepAwaiting_ClearsOnlyStaleRegistrationsOfMovedTickets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.s.Machine

	_, err := m.Adopt(ctx, "waiting", "ENG-1", statemachine.StateAwaitingResponse)
	require.NoError(t, err)
	_, err = m.Adopt(ctx, "moved", "ENG-2", statemachine.StateRefining)
	require.NoError(t, err)
	_, err = m.Adopt(ctx, "fresh", "ENG-3", statemachine.StateRefining)
	require.NoError(t, err)

	h.s.Registry.now = func() time.Time { return time.Now().Add(-time.Hour) }
	for _, id := range []string{"waiting", "moved"} {
		require.NoError(t, h.s.Registry.RegisterAwaitingResponse(ctx, Registration{
			TicketID: id, WaitingFor: WaitingQuestions, CommentID: "c-" + id,
		}))
	}
	h.s.Registry.now = time.Now
	require.NoError(t, h.s.Registry.RegisterAwaitingResponse(ctx, Registration{
		TicketID: "fresh", WaitingFor: WaitingQuestions,
	}))

	n, err := h.s.SweepAwaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	regs, err := h.s.Registry.ListAwaiting(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range regs {
		ids = append(ids, r.TicketID)
	}
	assert.ElementsMatch(t, []string{"waiting", "fresh"}, ids)
}
