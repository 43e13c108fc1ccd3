package statemachine

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sort"
	"testing"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
	"github.com/uesteibar/autoflow/internal/autoflow/queue"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testMachine(t *testing.T) (*Machine, *db.DB) {
	t.Helper()
	d := testDB(t)
	return New(d, Config{}), d
}

// --- States ---

func TestValidState_AllKnownStates(t *testing.T) {
	for _, s := range AllStates() {
		if !ValidState(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if ValidState("nonexistent") {
		t.Error("expected unknown state to be invalid")
	}
}

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNew, StateEvaluating, true},
		{StateNew, StateApproved, false},
		{StateEvaluating, StateApproved, true},
		{StateEvaluating, StateExecuting, false},
		{StateRefining, StateEvaluating, true},
		{StateAwaitingResponse, StateEvaluating, true},
		{StateAwaitingResponse, StateApproved, false},
		{StateReadyForApproval, StateAwaitingResponse, true},
		{StateExecuting, StateExecuting, true},
		{StateGeneratingPrompt, StateFailed, true},
		{StateRefining, StateFailed, true},
		{StateNew, StateFailed, true},
		{StateBlocked, StateFailed, false},
		{StateCompleted, StateNew, false},
		{StateBlocked, StateNew, true},
		{StateFailed, StateNew, true},
		{StateFailed, StateEvaluating, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateClassification(t *testing.T) {
	if !StateFailed.Parked() || !StateBlocked.Parked() {
		t.Error("failed and blocked are parked")
	}
	if StateCompleted.Parked() || StateExecuting.Parked() {
		t.Error("completed and executing are not parked")
	}
	if !StateAwaitingResponse.Waiting() || !StateReadyForApproval.Waiting() || StateRefining.Waiting() {
		t.Error("unexpected waiting classification")
	}
}

// --- Tags ---

func TestTagFor_RoundTripsEveryTaggedState(t *testing.T) {
	for _, s := range AllStates() {
		tag := TagFor(s)
		if s == StateNew {
			if tag != "" {
				t.Errorf("new must be untagged, got %q", tag)
			}
			continue
		}
		got, ok := StateForTag(tag)
		if !ok || got != s {
			t.Errorf("StateForTag(%q) = %q, %v; want %q", tag, got, ok, s)
		}
	}
}

func TestTagFor_Format(t *testing.T) {
	if got := TagFor(StateReadyForApproval); got != "autoflow:ready-for-approval" {
		t.Errorf("got %q", got)
	}
}

func TestStateForTag_RejectsForeignLabels(t *testing.T) {
	for _, l := range []string{"bug", "autoflow:", "autoflow:bogus", "autoflow:new", "ralph:refining"} {
		if _, ok := StateForTag(l); ok {
			t.Errorf("expected %q to be rejected", l)
		}
	}
}

func TestStateFromLabels_FurthestWins(t *testing.T) {
	s, ok := StateFromLabels([]string{"bug", "autoflow:evaluating", "autoflow:executing"})
	if !ok || s != StateExecuting {
		t.Errorf("got %q, %v", s, ok)
	}
	if _, ok := StateFromLabels([]string{"bug"}); ok {
		t.Error("expected no workflow state")
	}
}

func TestTaskForState(t *testing.T) {
	tests := []struct {
		state State
		task  queue.TaskType
		ok    bool
	}{
		{StateEvaluating, queue.TaskEvaluate, true},
		{StateRefining, queue.TaskRefine, true},
		{StateApproved, queue.TaskGeneratePrompt, true},
		{StateExecuting, queue.TaskExecute, true},
		{StateAwaitingResponse, "", false},
		{StateReadyForApproval, "", false},
		{StateCompleted, "", false},
		{StateFailed, "", false},
		{StateBlocked, "", false},
	}
	for _, tt := range tests {
		task, ok := TaskForState(tt.state)
		if task != tt.task || ok != tt.ok {
			t.Errorf("TaskForState(%s) = %q, %v; want %q, %v", tt.state, task, ok, tt.task, tt.ok)
		}
	}
}

// --- Machine ---

func TestEnsure_CreatesNewOnce(t *testing.T) {
	m, _ := testMachine(t)
	ctx := context.Background()

	ts, err := m.Ensure(ctx, "t1", "ENG-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if ts.State != StateNew {
		t.Errorf("state = %q, want new", ts.State)
	}

	if err := m.Transition(ctx, "t1", StateEvaluating, "start", nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	ts, err = m.Ensure(ctx, "t1", "ENG-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if ts.State != StateEvaluating {
		t.Errorf("Ensure must not reset state, got %q", ts.State)
	}
}

func TestTransition_RecordsHistoryOutputAndActivity(t *testing.T) {
	m, d := testMachine(t)
	ctx := context.Background()
	var events []Event
	m.cfg.OnTransition = func(e Event) { events = append(events, e) }

	if _, err := m.Ensure(ctx, "t1", "ENG-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, "t1", StateEvaluating, "picked up", nil); err != nil {
		t.Fatal(err)
	}
	output := map[string]any{"score": 85, "ready": true}
	if err := m.Transition(ctx, "t1", StateReadyForApproval, "score 85", output); err != nil {
		t.Fatal(err)
	}

	history, err := m.History(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[1].From != StateEvaluating || history[1].To != StateReadyForApproval || history[1].Reason != "score 85" {
		t.Errorf("unexpected history entry: %+v", history[1])
	}

	var stored struct {
		Score int  `json:"score"`
		Ready bool `json:"ready"`
	}
	ok, err := m.Output(ctx, "t1", StateReadyForApproval, &stored)
	if err != nil || !ok {
		t.Fatalf("Output: %v, %v", ok, err)
	}
	if stored.Score != 85 || !stored.Ready {
		t.Errorf("stored output = %+v", stored)
	}

	activity, err := d.ListActivity("t1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(activity) != 2 || activity[0].ToState != string(StateReadyForApproval) {
		t.Errorf("unexpected activity: %+v", activity)
	}

	if len(events) != 2 || events[1].TicketIdentifier != "ENG-1" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestTransition_InvalidLeavesEverythingUntouched(t *testing.T) {
	m, _ := testMachine(t)
	ctx := context.Background()
	if _, err := m.Ensure(ctx, "t1", "ENG-1"); err != nil {
		t.Fatal(err)
	}

	err := m.Transition(ctx, "t1", StateExecuting, "skip ahead", map[string]string{"x": "y"})

	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("expected to match ErrInvalidTransition")
	}
	if ite.From != StateNew || ite.To != StateExecuting {
		t.Errorf("unexpected error fields: %+v", ite)
	}

	ts, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if ts.State != StateNew || len(ts.Outputs) != 0 {
		t.Errorf("state mutated: %+v", ts)
	}
	history, _ := m.History(ctx, "t1")
	if len(history) != 0 {
		t.Errorf("history mutated: %+v", history)
	}
}

func TestTransition_UnknownTicket(t *testing.T) {
	m, _ := testMachine(t)
	err := m.Transition(context.Background(), "ghost", StateEvaluating, "", nil)
	if !errors.Is(err, ErrUnknownTicket) {
		t.Errorf("expected ErrUnknownTicket, got %v", err)
	}
}

func awaitingRows(t *testing.T, d *db.DB, ticketID string) int {
	t.Helper()
	var n int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM awaiting_responses WHERE ticket_id = ?`, ticketID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func registerAwaiting(t *testing.T, d *db.DB, ticketID string) {
	t.Helper()
	if _, err := d.Conn().Exec(`
		INSERT INTO awaiting_responses (ticket_id, ticket_identifier, waiting_for, comment_id, last_checked, created_at)
		VALUES (?, 'ENG-1', 'questions', 'c-1', '', '')`, ticketID); err != nil {
		t.Fatal(err)
	}
}

func TestTransition_LeavingAwaitingResponseClearsRegistration(t *testing.T) {
	m, d := testMachine(t)
	ctx := context.Background()
	if _, err := m.Adopt(ctx, "t1", "ENG-1", StateAwaitingResponse); err != nil {
		t.Fatal(err)
	}
	registerAwaiting(t, d, "t1")

	if err := m.Transition(ctx, "t1", StateEvaluating, "approved by reaction", nil); err != nil {
		t.Fatal(err)
	}
	if n := awaitingRows(t, d, "t1"); n != 0 {
		t.Errorf("registration survived leaving awaiting_response: %d rows", n)
	}
}

func TestTransition_IntoAwaitingResponseKeepsRegistration(t *testing.T) {
	m, d := testMachine(t)
	ctx := context.Background()
	if _, err := m.Adopt(ctx, "t1", "ENG-1", StateRefining); err != nil {
		t.Fatal(err)
	}
	registerAwaiting(t, d, "t1")

	if err := m.Transition(ctx, "t1", StateAwaitingResponse, "questions posted", nil); err != nil {
		t.Fatal(err)
	}
	if n := awaitingRows(t, d, "t1"); n != 1 {
		t.Errorf("expected registration kept, got %d rows", n)
	}
	if err := m.Transition(ctx, "t1", StateFailed, "gave up", nil); err != nil {
		t.Fatal(err)
	}
	if n := awaitingRows(t, d, "t1"); n != 0 {
		t.Errorf("expected registration cleared on failure, got %d rows", n)
	}
}

func TestTransition_NewCanFail(t *testing.T) {
	m, _ := testMachine(t)
	ctx := context.Background()
	if _, err := m.Ensure(ctx, "t1", "ENG-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, "t1", StateFailed, "ticket not found", nil); err != nil {
		t.Fatalf("new -> failed: %v", err)
	}
}

func TestTransition_ExecutingRetryAndEscape(t *testing.T) {
	m, _ := testMachine(t)
	ctx := context.Background()
	if _, err := m.Ensure(ctx, "t1", "ENG-1"); err != nil {
		t.Fatal(err)
	}
	for _, to := range []State{
		StateEvaluating, StateApproved, StateGeneratingPrompt,
		StateExecuting, StateExecuting, StateFailed, StateNew,
	} {
		if err := m.Transition(ctx, "t1", to, "step", nil); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	cur, err := m.Current(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur != StateNew {
		t.Errorf("current = %q, want new", cur)
	}
}

func TestAdopt_OnlyFromNew(t *testing.T) {
	m, _ := testMachine(t)
	ctx := context.Background()

	adopted, err := m.Adopt(ctx, "t1", "ENG-1", StateRefining)
	if err != nil || !adopted {
		t.Fatalf("Adopt = %v, %v", adopted, err)
	}
	if s, _ := m.Current(ctx, "t1"); s != StateRefining {
		t.Fatalf("state = %s, want refining", s)
	}
	hist, err := m.History(ctx, "t1")
	if err != nil || len(hist) != 1 || hist[0].From != StateNew || hist[0].To != StateRefining {
		t.Fatalf("unexpected history %+v, %v", hist, err)
	}

	adopted, err = m.Adopt(ctx, "t1", "ENG-1", StateExecuting)
	if err != nil || adopted {
		t.Fatalf("second Adopt = %v, %v; want false", adopted, err)
	}
	if s, _ := m.Current(ctx, "t1"); s != StateRefining {
		t.Errorf("state changed to %s", s)
	}

	if _, err := m.Adopt(ctx, "t2", "ENG-2", "bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestCurrent_UntrackedIsNew(t *testing.T) {
	m, _ := testMachine(t)
	cur, err := m.Current(context.Background(), "ghost")
	if err != nil || cur != StateNew {
		t.Errorf("got %q, %v", cur, err)
	}
}

func TestSetMetadataAndList(t *testing.T) {
	m, _ := testMachine(t)
	ctx := context.Background()
	if _, err := m.Ensure(ctx, "t1", "ENG-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetMetadata(ctx, "t1", "team_id", "team-1"); err != nil {
		t.Fatal(err)
	}
	all, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Metadata["team_id"] != "team-1" {
		t.Errorf("unexpected list: %+v", all)
	}
	if err := m.SetMetadata(ctx, "ghost", "k", "v"); !errors.Is(err, ErrUnknownTicket) {
		t.Errorf("expected ErrUnknownTicket, got %v", err)
	}
}

// --- TagSyncer ---

type fakeLabels struct {
	byIssue map[string][]linear.Label
	created map[string]string
	calls   int
	fetches int
	lookups int
}

func newFakeLabels() *fakeLabels {
	return &fakeLabels{byIssue: map[string][]linear.Label{}, created: map[string]string{}}
}

func (f *fakeLabels) FetchIssueLabels(_ context.Context, issueID string) ([]linear.Label, error) {
	f.calls++
	f.fetches++
	return slices.Clone(f.byIssue[issueID]), nil
}

func (f *fakeLabels) FindOrCreateLabel(_ context.Context, _, name string) (string, error) {
	f.calls++
	f.lookups++
	if id, ok := f.created[name]; ok {
		return id, nil
	}
	id := "lbl-" + name
	f.created[name] = id
	return id, nil
}

func (f *fakeLabels) AddLabel(_ context.Context, issueID, labelID string) error {
	f.calls++
	for _, l := range f.byIssue[issueID] {
		if l.ID == labelID {
			return nil
		}
	}
	name := labelID[len("lbl-"):]
	f.byIssue[issueID] = append(f.byIssue[issueID], linear.Label{ID: labelID, Name: name})
	return nil
}

func (f *fakeLabels) RemoveLabel(_ context.Context, issueID, labelID string) error {
	f.calls++
	f.byIssue[issueID] = slices.DeleteFunc(f.byIssue[issueID], func(l linear.Label) bool { return l.ID == labelID })
	return nil
}

func (f *fakeLabels) names(issueID string) []string {
	var out []string
	for _, l := range f.byIssue[issueID] {
		out = append(out, l.Name)
	}
	sort.Strings(out)
	return out
}

func TestTagSyncer_ReplacesWorkflowTagsKeepsOthers(t *testing.T) {
	f := newFakeLabels()
	f.byIssue["t1"] = []linear.Label{
		{ID: "bug", Name: "bug"},
		{ID: "lbl-autoflow:evaluating", Name: "autoflow:evaluating"},
		{ID: "lbl-autoflow:refining", Name: "autoflow:refining"},
	}
	s := NewTagSyncer(f, nil, nil)

	if err := s.Sync(context.Background(), "t1", "team-1", StateReadyForApproval); err != nil {
		t.Fatal(err)
	}

	want := []string{"autoflow:ready-for-approval", "bug"}
	if got := f.names("t1"); !slices.Equal(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
}

func TestTagSyncer_Idempotent(t *testing.T) {
	f := newFakeLabels()
	f.byIssue["t1"] = []linear.Label{{ID: "bug", Name: "bug"}}
	s := NewTagSyncer(f, nil, nil)
	ctx := context.Background()

	if err := s.Sync(ctx, "t1", "team-1", StateExecuting); err != nil {
		t.Fatal(err)
	}
	once := f.names("t1")
	if err := s.Sync(ctx, "t1", "team-1", StateExecuting); err != nil {
		t.Fatal(err)
	}
	if twice := f.names("t1"); !slices.Equal(once, twice) {
		t.Errorf("sync not idempotent: %v then %v", once, twice)
	}
}

func TestTagSyncer_NewClearsTagsAndCachesLabels(t *testing.T) {
	f := newFakeLabels()
	f.byIssue["t1"] = []linear.Label{{ID: "lbl-autoflow:failed", Name: "autoflow:failed"}}
	cache := mirror.New(testDB(t).Conn(), mirror.DefaultTTLs())
	s := NewTagSyncer(f, cache, nil)
	ctx := context.Background()

	if err := s.Sync(ctx, "t1", "team-1", StateNew); err != nil {
		t.Fatal(err)
	}
	if got := f.names("t1"); len(got) != 0 {
		t.Errorf("expected no labels, got %v", got)
	}
	cached, ok, err := cache.Labels(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("expected cached labels, got ok=%v err=%v", ok, err)
	}
	if len(cached) != 0 {
		t.Errorf("expected empty cached set, got %v", cached)
	}
}

func TestTagSyncer_ReadsLabelsFromCache(t *testing.T) {
	f := newFakeLabels()
	f.byIssue["t1"] = []linear.Label{{ID: "bug", Name: "bug"}}
	cache := mirror.New(testDB(t).Conn(), mirror.DefaultTTLs())
	ctx := context.Background()
	if err := cache.PutLabels(ctx, "t1", f.byIssue["t1"]); err != nil {
		t.Fatal(err)
	}
	s := NewTagSyncer(f, cache, nil)

	for _, state := range []State{StateEvaluating, StateNeedsRefinement, StateRefining} {
		if err := s.Sync(ctx, "t1", "team-1", state); err != nil {
			t.Fatal(err)
		}
	}

	if f.fetches != 0 {
		t.Errorf("expected labels read from cache, got %d live fetches", f.fetches)
	}
	if f.lookups != 3 {
		t.Errorf("expected one lookup per distinct tag, got %d", f.lookups)
	}
	want := []string{"autoflow:refining", "bug"}
	if got := f.names("t1"); !slices.Equal(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
	cached, _, _ := cache.Labels(ctx, "t1")
	var names []string
	for _, l := range cached {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	if !slices.Equal(names, want) {
		t.Errorf("cached labels = %v, want %v", names, want)
	}
}

func TestTagSyncer_CachesLabelIDsPerTeam(t *testing.T) {
	f := newFakeLabels()
	s := NewTagSyncer(f, nil, nil)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if err := s.Sync(ctx, id, "team-1", StateExecuting); err != nil {
			t.Fatal(err)
		}
	}
	if f.lookups != 1 {
		t.Errorf("expected one label lookup, got %d", f.lookups)
	}
}
