// Package comments formats the bot's ticket comments and recognizes them
// again when they come back through webhooks or the mirror.
package comments

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

// Marker tags a bot comment with its purpose. Markers are HTML comments, so
// they stay invisible in the rendered ticket.
type Marker string

const (
	MarkerApproval   Marker = "<!-- autoflow: approval -->"
	MarkerQuestions  Marker = "<!-- autoflow: questions -->"
	MarkerSuggestion Marker = "<!-- autoflow: suggestion -->"
	MarkerPlan       Marker = "<!-- autoflow: plan -->"
	MarkerBlocked    Marker = "<!-- autoflow: blocked -->"
	MarkerHelp       Marker = "<!-- autoflow: help -->"
	MarkerCompleted  Marker = "<!-- autoflow: completed -->"
	MarkerRetrying   Marker = "<!-- autoflow: retrying -->"
	MarkerFailed     Marker = "<!-- autoflow: failed -->"
)

var markers = []Marker{
	MarkerApproval, MarkerQuestions, MarkerSuggestion, MarkerPlan, MarkerBlocked,
	MarkerHelp, MarkerCompleted, MarkerRetrying, MarkerFailed,
}

// Has reports whether body carries m.
func Has(body string, m Marker) bool {
	return strings.Contains(body, string(m))
}

// Classify returns the marker a bot comment carries.
func Classify(body string) (Marker, bool) {
	for _, m := range markers {
		if Has(body, m) {
			return m, true
		}
	}
	return "", false
}

// Question is one clarifying question with optional answer choices.
type Question struct {
	Priority string   `json:"priority,omitempty"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

func withMarker(m Marker, body string) string {
	return string(m) + "\n" + strings.TrimSpace(body) + "\n"
}

// ApprovalRequest asks a human to approve the ticket for implementation.
func ApprovalRequest(score int, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This ticket looks ready for implementation (readiness %d/100).\n\n", score)
	if summary != "" {
		b.WriteString(summary + "\n\n")
	}
	b.WriteString("React with 👍 to start implementation, or 👎 to send it back for refinement.")
	return withMarker(MarkerApproval, b.String())
}

// Questions renders every question as a checkbox list in a single comment.
// Questions with options get one checkbox per option; open questions get a
// single checkbox to tick once answered in a reply.
func Questions(qs []Question) string {
	var b strings.Builder
	b.WriteString("A few questions before this can be implemented. Tick the options that apply or reply in a comment.\n")
	for i, q := range qs {
		fmt.Fprintf(&b, "\n**%d. %s**", i+1, q.Question)
		if q.Priority != "" {
			fmt.Fprintf(&b, " _(%s)_", q.Priority)
		}
		b.WriteString("\n")
		if len(q.Options) == 0 {
			b.WriteString("- [ ] Answered in a reply\n")
			continue
		}
		for _, opt := range q.Options {
			fmt.Fprintf(&b, "- [ ] %s\n", opt)
		}
	}
	return withMarker(MarkerQuestions, b.String())
}

// Suggestion proposes a rewritten description for approval.
func Suggestion(description string) string {
	return withMarker(MarkerSuggestion,
		"Suggested description:\n\n---\n\n"+strings.TrimSpace(description)+
			"\n\n---\n\nReact with 👍 to apply it, or 👎 to keep the current description.")
}

// Plan posts an implementation plan, with its open questions when present.
func Plan(plan string, qs []Question) string {
	var b strings.Builder
	b.WriteString("## Implementation plan\n\n" + strings.TrimSpace(plan))
	if len(qs) > 0 {
		b.WriteString("\n\n## Open questions\n")
		for _, q := range qs {
			fmt.Fprintf(&b, "\n- [ ] %s", q.Question)
			for _, opt := range q.Options {
				fmt.Fprintf(&b, "\n  - [ ] %s", opt)
			}
		}
	}
	return withMarker(MarkerPlan, b.String())
}

// Blocked explains why work cannot proceed.
func Blocked(reason string) string {
	return withMarker(MarkerBlocked, "This ticket is blocked: "+strings.TrimSpace(reason))
}

// Completed reports a finished run.
func Completed(prURL string) string {
	if prURL == "" {
		return withMarker(MarkerCompleted, "Implementation finished.")
	}
	return withMarker(MarkerCompleted, "Implementation finished: "+prURL)
}

// Retrying reports a failed attempt that will be retried.
func Retrying(attempt, max int, reason string) string {
	return withMarker(MarkerRetrying,
		fmt.Sprintf("Attempt %d of %d failed: %s\n\nRetrying from where it stopped.", attempt, max, reason))
}

// Failed is the human-readable note posted when a ticket gives up.
func Failed(stage, reason string) string {
	return withMarker(MarkerFailed,
		fmt.Sprintf("Giving up during %s: %s\n\nMention me with `retry` to start over.", stage, reason))
}

// Help lists the mention commands.
func Help(bot string) string {
	return withMarker(MarkerHelp, fmt.Sprintf(`Commands (mention @%[1]s followed by one of):
- `+"`evaluate`"+`: re-check whether the ticket is ready
- `+"`refine`"+`: ask for a refined description
- `+"`plan`"+`: draft an implementation plan
- `+"`sync`"+`: re-apply the workflow label
- `+"`retry`"+`: start over after a failure or block
- `+"`help`"+`: show this message`, bot))
}

var checkboxPattern = regexp.MustCompile(`(?m)^\s*[-*] \[([ xX])\]`)

// Checkboxes returns the checked state of every checkbox in body, in order.
func Checkboxes(body string) []bool {
	matches := checkboxPattern.FindAllStringSubmatch(body, -1)
	out := make([]bool, len(matches))
	for i, m := range matches {
		out[i] = m[1] != " "
	}
	return out
}

// CheckboxesChanged reports whether two bodies differ in their checkbox states.
func CheckboxesChanged(before, after string) bool {
	a, b := Checkboxes(before), Checkboxes(after)
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// FindLatest returns the newest comment carrying m. cs is ordered oldest
// first, as Linear and the mirror return it.
func FindLatest(cs []linear.Comment, m Marker) (linear.Comment, bool) {
	for i := len(cs) - 1; i >= 0; i-- {
		if Has(cs[i].Body, m) {
			return cs[i], true
		}
	}
	return linear.Comment{}, false
}

// LatestBot returns the newest comment carrying any marker, skipping help
// replies, which answer mentions rather than move the ticket along.
func LatestBot(cs []linear.Comment) (linear.Comment, Marker, bool) {
	for i := len(cs) - 1; i >= 0; i-- {
		if m, ok := Classify(cs[i].Body); ok && m != MarkerHelp {
			return cs[i], m, true
		}
	}
	return linear.Comment{}, "", false
}

var mentionPattern = regexp.MustCompile(`(?i)@([\w.-]+)\s+([a-z_-]+)?`)

// Mention extracts the command from the first @bot mention in body. ok is
// false when the bot is not mentioned; command is empty when the mention
// carries no word after it.
func Mention(body, bot string) (command string, ok bool) {
	for _, m := range mentionPattern.FindAllStringSubmatch(body+" ", -1) {
		if strings.EqualFold(m[1], bot) {
			return strings.ToLower(m[2]), true
		}
	}
	return "", false
}
