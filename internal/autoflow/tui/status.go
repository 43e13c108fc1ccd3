// Package tui renders the service's live state in the terminal: a one-shot
// status summary and the interactive watch dashboard.
package tui

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/uesteibar/autoflow/internal/autoflow/server"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#0550ae", Dark: "#58a6ff"})
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#57606a", Dark: "#8b949e"})
	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"})
	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"})
	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"})
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#d0d7de", Dark: "#30363d"}).
			Padding(0, 1)
)

var statusOrder = []string{"pending", "processing", "completed", "failed"}

// RenderStatus formats a status snapshot for `autoflow status`.
func RenderStatus(st server.StatusResponse) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("autoflow") + " " + labelStyle.Render("up "+st.Uptime) + "\n")

	if st.RateLimit != nil {
		b.WriteString(renderRateLimit(*st.RateLimit) + "\n")
	}
	if st.Slots != nil {
		fmt.Fprintf(&b, "%s %d/%d\n", labelStyle.Render("execution slots"), st.Slots.InUse, st.Slots.Total)
	}

	if len(st.Queues) > 0 {
		var boxes []string
		for _, name := range []string{"workflow", "execution"} {
			counts, ok := st.Queues[name]
			if !ok {
				continue
			}
			boxes = append(boxes, boxStyle.Render(renderQueue(name, counts)))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		b.WriteString("\n")
	}
	return b.String()
}

func renderRateLimit(rl server.RateLimitStatus) string {
	if rl.Limited {
		return warnStyle.Render("rate limited until " + rl.ResetAt)
	}
	s := okStyle.Render("linear quota ok")
	if rl.Quota != nil {
		s += labelStyle.Render(fmt.Sprintf(" (%d remaining)", *rl.Quota))
	}
	return s
}

func renderQueue(name string, counts map[string]int) string {
	lines := []string{titleStyle.Render(name)}
	for _, status := range statusOrder {
		n := counts[status]
		value := fmt.Sprintf("%d", n)
		if status == "failed" && n > 0 {
			value = failStyle.Render(value)
		}
		lines = append(lines, fmt.Sprintf("%-11s %s", labelStyle.Render(status), value))
	}
	// Statuses this build does not know about still show up.
	var extra []string
	for status := range counts {
		if !slices.Contains(statusOrder, status) {
			extra = append(extra, status)
		}
	}
	slices.Sort(extra)
	for _, status := range extra {
		lines = append(lines, fmt.Sprintf("%-11s %d", labelStyle.Render(status), counts[status]))
	}
	return strings.Join(lines, "\n")
}

// stateChange and taskSettled decode live feed payloads. Field names match
// the server's events.
type stateChange struct {
	TicketIdentifier string
	From             string
	To               string
	Reason           string
}

type taskSettled struct {
	Queue            string
	TicketIdentifier string
	TaskType         string
	Outcome          string
	Error            string
}

// describe turns a feed message into one log line.
func describe(msg server.WSMessage) string {
	stamp := labelStyle.Render(clock(msg.Timestamp))
	switch msg.Type {
	case server.MsgStateChanged:
		var ev stateChange
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			break
		}
		line := fmt.Sprintf("%s %s %s → %s", stamp, ev.TicketIdentifier, ev.From, ev.To)
		if ev.Reason != "" {
			line += labelStyle.Render(" (" + ev.Reason + ")")
		}
		return line
	case server.MsgTaskSettled:
		var ev taskSettled
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			break
		}
		outcome := ev.Outcome
		switch ev.Outcome {
		case "completed":
			outcome = okStyle.Render(outcome)
		case "failed":
			outcome = failStyle.Render(outcome)
		case "retrying", "rate_limited":
			outcome = warnStyle.Render(outcome)
		}
		line := fmt.Sprintf("%s %s %s %s", stamp, ev.TicketIdentifier, ev.TaskType, outcome)
		if ev.Error != "" {
			line += labelStyle.Render(": " + ev.Error)
		}
		return line
	case server.MsgRateLimited:
		var ev struct {
			ResetAt string `json:"reset_at"`
		}
		_ = json.Unmarshal(msg.Payload, &ev)
		return fmt.Sprintf("%s %s", stamp, warnStyle.Render("rate limited until "+ev.ResetAt))
	}
	return fmt.Sprintf("%s %s", stamp, msg.Type)
}

// clock trims an RFC 3339 timestamp to its time of day.
func clock(ts string) string {
	if i := strings.IndexByte(ts, 'T'); i >= 0 && len(ts) >= i+9 {
		return ts[i+1 : i+9]
	}
	return ts
}
