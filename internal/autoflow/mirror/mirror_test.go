package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func testMirror(t *testing.T) (*Mirror, *clock) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	c := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := New(d.Conn(), DefaultTTLs())
	m.now = c.now
	return m, c
}

func issue(id, ident string, prio int, labels ...string) linear.Issue {
	i := linear.Issue{ID: id, Identifier: ident, Title: "t " + ident, Priority: prio, TeamID: "team-1"}
	for _, l := range labels {
		i.Labels = append(i.Labels, linear.Label{ID: "id-" + l, Name: l})
	}
	return i
}

func TestTicket_HitWithinTTLMissAfter(t *testing.T) {
	m, c := testMirror(t)
	ctx := context.Background()

	require.NoError(t, m.PutTicket(ctx, issue("i1", "ENG-1", 2)))

	got, ok, err := m.Ticket(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ENG-1", got.Identifier)

	c.add(6 * time.Minute)
	_, ok, err = m.Ticket(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, ok, "stale ticket must miss")
}

func TestTicket_MissingIsMiss(t *testing.T) {
	m, _ := testMirror(t)
	_, ok, err := m.Ticket(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutTicket_OverwritesAndStoresLabels(t *testing.T) {
	m, _ := testMirror(t)
	ctx := context.Background()

	require.NoError(t, m.PutTicket(ctx, issue("i1", "ENG-1", 2)))
	updated := issue("i1", "ENG-1", 1, "autoflow:evaluating")
	updated.Title = "renamed"
	require.NoError(t, m.PutTicket(ctx, updated))

	got, ok, err := m.Ticket(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Title)

	labels, ok, err := m.Labels(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, labels, 1)
	assert.Equal(t, "autoflow:evaluating", labels[0].Name)
}

func TestAllTickets_IgnoresTTL(t *testing.T) {
	m, c := testMirror(t)
	ctx := context.Background()

	require.NoError(t, m.PutTicket(ctx, issue("i2", "ENG-2", 3)))
	require.NoError(t, m.PutTicket(ctx, issue("i1", "ENG-1", 3)))
	c.add(24 * time.Hour)

	all, err := m.AllTickets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ENG-1", all[0].Identifier)
}

func TestPruneTicketsBefore(t *testing.T) {
	m, c := testMirror(t)
	ctx := context.Background()

	require.NoError(t, m.PutTicket(ctx, issue("old", "ENG-1", 3)))
	c.add(time.Minute)
	cutoff := c.t
	require.NoError(t, m.PutTicket(ctx, issue("fresh", "ENG-2", 3)))

	n, err := m.PruneTicketsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := m.AllTickets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].ID)
}

func TestComments_TTLAndInvalidate(t *testing.T) {
	m, c := testMirror(t)
	ctx := context.Background()

	require.NoError(t, m.PutComments(ctx, "i1", []linear.Comment{{ID: "c1", Body: "hi"}}))
	got, ok, err := m.Comments(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 1)

	require.NoError(t, m.InvalidateComments(ctx, "i1"))
	_, ok, _ = m.Comments(ctx, "i1")
	assert.False(t, ok)

	require.NoError(t, m.PutComments(ctx, "i1", nil))
	c.add(3 * time.Minute)
	_, ok, _ = m.Comments(ctx, "i1")
	assert.False(t, ok, "comments TTL is two minutes")
}

func TestWorkflowStates(t *testing.T) {
	m, c := testMirror(t)
	ctx := context.Background()

	states := []linear.WorkflowState{{ID: "s1", Name: "Todo", Type: "unstarted"}}
	require.NoError(t, m.PutWorkflowStates(ctx, "team-1", states))

	c.add(59 * time.Minute)
	got, ok, err := m.WorkflowStates(ctx, "team-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, states, got)
}

// --- Cached ---

func TestCached_HitSkipsFetch(t *testing.T) {
	m, _ := testMirror(t)
	ctx := context.Background()
	require.NoError(t, m.PutTicket(ctx, issue("i1", "ENG-1", 2)))

	got, err := Cached(ctx,
		func(ctx context.Context) (linear.Issue, bool, error) { return m.Ticket(ctx, "i1") },
		func(context.Context) (linear.Issue, error) {
			t.Fatal("fetch should not be called on a hit")
			return linear.Issue{}, nil
		},
		m.PutTicket,
	)
	require.NoError(t, err)
	assert.Equal(t, "ENG-1", got.Identifier)
}

func TestCached_MissFetchesAndWritesBack(t *testing.T) {
	m, _ := testMirror(t)
	ctx := context.Background()
	fetches := 0

	fetch := func(context.Context) (linear.Issue, error) {
		fetches++
		return issue("i1", "ENG-1", 2), nil
	}
	get := func(ctx context.Context) (linear.Issue, bool, error) { return m.Ticket(ctx, "i1") }

	for range 2 {
		_, err := Cached(ctx, get, fetch, m.PutTicket)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fetches)
}

func TestCached_FetchErrorPropagates(t *testing.T) {
	m, _ := testMirror(t)
	boom := errors.New("boom")

	_, err := Cached(context.Background(),
		func(ctx context.Context) (linear.Issue, bool, error) { return m.Ticket(ctx, "i1") },
		func(context.Context) (linear.Issue, error) { return linear.Issue{}, boom },
		m.PutTicket,
	)
	assert.ErrorIs(t, err, boom)
}
