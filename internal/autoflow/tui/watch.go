package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/uesteibar/autoflow/internal/autoflow/server"
)

const (
	maxLogLines     = 200
	refreshInterval = 5 * time.Second
)

// Source is what the dashboard polls. *Client satisfies it.
type Source interface {
	Status(ctx context.Context) (server.StatusResponse, error)
	Tasks(ctx context.Context, status string) ([]server.TaskResponse, error)
}

// snapshotMsg carries a fresh poll of the API.
type snapshotMsg struct {
	status server.StatusResponse
	tasks  []server.TaskResponse
}

type errMsg struct{ err error }

type refreshMsg struct{}

// FeedMsg is one live feed message delivered with Program.Send.
type FeedMsg server.WSMessage

// FeedHandler forwards live feed messages to the running program.
// p.Send is goroutine-safe.
type FeedHandler struct {
	program *tea.Program
}

func NewFeedHandler(p *tea.Program) *FeedHandler {
	return &FeedHandler{program: p}
}

func (h *FeedHandler) Handle(msg server.WSMessage) {
	if h.program != nil {
		h.program.Send(FeedMsg(msg))
	}
}

var (
	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.AdaptiveColor{Light: "#d8dee4", Dark: "#30363d"}).
			Foreground(lipgloss.AdaptiveColor{Light: "#24292f", Dark: "#e6edf3"}).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
)

// Watch is the BubbleTea model behind `autoflow watch`: active tasks in a
// table, queue counts in the status bar, and a log of live events.
type Watch struct {
	source  Source
	table   table.Model
	spinner spinner.Model

	status  server.StatusResponse
	tasks   []server.TaskResponse
	lines   []string
	err     error
	loading bool

	width  int
	height int
}

func NewWatch(source Source) Watch {
	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	return Watch{
		source:  source,
		table:   t,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		loading: true,
	}
}

func taskColumns(width int) []table.Column {
	ticket := 10
	typ := 16
	queue := 10
	status := 11
	retries := 7
	rest := width - ticket - typ - queue - status - retries - 12
	if rest < 10 {
		rest = 10
	}
	return []table.Column{
		{Title: "Ticket", Width: ticket},
		{Title: "Task", Width: typ},
		{Title: "Queue", Width: queue},
		{Title: "Status", Width: status},
		{Title: "Retries", Width: retries},
		{Title: "Error", Width: rest},
	}
}

func (m Watch) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := m.source.Status(ctx)
		if err != nil {
			return errMsg{err}
		}
		var tasks []server.TaskResponse
		for _, status := range []string{"processing", "pending"} {
			ts, err := m.source.Tasks(ctx, status)
			if err != nil {
				return errMsg{err}
			}
			tasks = append(tasks, ts...)
		}
		return snapshotMsg{status: st, tasks: tasks}
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m Watch) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), scheduleRefresh())
}

func (m Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetColumns(taskColumns(msg.Width))
		if h := msg.Height/2 - 4; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil
	case snapshotMsg:
		m.loading = false
		m.err = nil
		m.status = msg.status
		m.tasks = msg.tasks
		m.table.SetRows(taskRows(msg.tasks))
		return m, nil
	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nil
	case refreshMsg:
		return m, tea.Batch(m.fetch(), scheduleRefresh())
	case FeedMsg:
		m.appendLine(describe(server.WSMessage(msg)))
		if msg.Type == server.MsgTaskSettled {
			return m, m.fetch()
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Watch) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

func taskRows(tasks []server.TaskResponse) []table.Row {
	rows := make([]table.Row, len(tasks))
	for i, t := range tasks {
		rows[i] = table.Row{
			t.TicketIdentifier,
			t.Type,
			t.Queue,
			t.Status,
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			t.Error,
		}
	}
	return rows
}

func (m Watch) View() string {
	var b strings.Builder
	b.WriteString(m.statusBar() + "\n")

	b.WriteString(sectionStyle.Render("Active tasks") + "\n")
	if len(m.tasks) == 0 && !m.loading {
		b.WriteString(labelStyle.Render("  nothing queued") + "\n")
	} else {
		b.WriteString(m.table.View() + "\n")
	}

	b.WriteString(sectionStyle.Render("Events") + "\n")
	logHeight := 10
	if m.height > 0 {
		if h := m.height - m.table.Height() - 8; h > 3 {
			logHeight = h
		}
	}
	lines := m.lines
	if len(lines) > logHeight {
		lines = lines[len(lines)-logHeight:]
	}
	if len(lines) == 0 {
		b.WriteString(labelStyle.Render("  waiting for events") + "\n")
	}
	for _, l := range lines {
		b.WriteString("  " + l + "\n")
	}

	b.WriteString(labelStyle.Render("r refresh · ↑/↓ scroll · q quit"))
	return b.String()
}

func (m Watch) statusBar() string {
	var parts []string
	if m.loading {
		parts = append(parts, m.spinner.View()+" loading")
	}
	if m.err != nil {
		parts = append(parts, failStyle.Render("error: "+m.err.Error()))
	} else {
		parts = append(parts, "up "+m.status.Uptime)
	}
	for _, name := range []string{"workflow", "execution"} {
		if c, ok := m.status.Queues[name]; ok {
			parts = append(parts, fmt.Sprintf("%s %d pending %d running", name, c["pending"], c["processing"]))
		}
	}
	if s := m.status.Slots; s != nil {
		parts = append(parts, fmt.Sprintf("slots %d/%d", s.InUse, s.Total))
	}
	if rl := m.status.RateLimit; rl != nil && rl.Limited {
		parts = append(parts, warnStyle.Render("rate limited until "+rl.ResetAt))
	}
	return statusBarStyle.Render(strings.Join(parts, " │ "))
}

// Tasks returns the tasks from the latest snapshot.
func (m Watch) Tasks() []server.TaskResponse { return m.tasks }

// Lines returns the event log.
func (m Watch) Lines() []string { return m.lines }

// Err returns the last fetch error, if any.
func (m Watch) Err() error { return m.err }
