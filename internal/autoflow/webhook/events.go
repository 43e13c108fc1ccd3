package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

// Event is the envelope Linear posts for every webhook delivery.
type Event struct {
	Action           string          `json:"action"` // create, update, remove
	Type             string          `json:"type"`   // Issue, Comment, Reaction, ...
	Data             json.RawMessage `json:"data"`
	UpdatedFrom      json.RawMessage `json:"updatedFrom,omitempty"`
	WebhookTimestamp int64           `json:"webhookTimestamp"` // unix millis
	WebhookID        string          `json:"webhookId"`
}

type issueRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

type userRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type issueData struct {
	ID          string                `json:"id"`
	Identifier  string                `json:"identifier"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Priority    int                   `json:"priority"`
	TeamID      string                `json:"teamId"`
	State       *linear.WorkflowState `json:"state"`
	Labels      []linear.Label        `json:"labels"`
	UpdatedAt   string                `json:"updatedAt"`
}

func (d issueData) issue() linear.Issue {
	i := linear.Issue{
		ID:          d.ID,
		Identifier:  d.Identifier,
		Title:       d.Title,
		Description: d.Description,
		Priority:    d.Priority,
		TeamID:      d.TeamID,
		Labels:      d.Labels,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.State != nil {
		i.State = *d.State
	}
	return i
}

type commentData struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	IssueID   string    `json:"issueId"`
	ParentID  string    `json:"parentId"`
	UserID    string    `json:"userId"`
	CreatedAt string    `json:"createdAt"`
	User      *userRef  `json:"user"`
	Issue     *issueRef `json:"issue"`
}

func (d commentData) issueID() string {
	if d.IssueID == "" && d.Issue != nil {
		return d.Issue.ID
	}
	return d.IssueID
}

func (d commentData) author() userRef {
	u := userRef{ID: d.UserID}
	if d.User != nil {
		u.Name = d.User.Name
		if u.ID == "" {
			u.ID = d.User.ID
		}
	}
	return u
}

type reactionData struct {
	ID        string `json:"id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	CommentID string `json:"commentId"`
	IssueID   string `json:"issueId"`
	Comment   *struct {
		ID      string `json:"id"`
		IssueID string `json:"issueId"`
	} `json:"comment"`
}

func (d reactionData) commentID() string {
	if d.CommentID == "" && d.Comment != nil {
		return d.Comment.ID
	}
	return d.CommentID
}

func (d reactionData) issueID() string {
	if d.IssueID == "" && d.Comment != nil {
		return d.Comment.IssueID
	}
	return d.IssueID
}

// updatedBody returns the comment body before an update, when Linear sent it.
func (e Event) updatedBody() (string, bool) {
	if len(e.UpdatedFrom) == 0 {
		return "", false
	}
	var from struct {
		Body *string `json:"body"`
	}
	if err := json.Unmarshal(e.UpdatedFrom, &from); err != nil || from.Body == nil {
		return "", false
	}
	return *from.Body, true
}

func decode[T any](e Event) (T, error) {
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decoding %s data: %w", e.Type, err)
	}
	return v, nil
}

var (
	approveEmoji = map[string]bool{"+1": true, "thumbsup": true, "👍": true, "white_check_mark": true, "✅": true}
	rejectEmoji  = map[string]bool{"-1": true, "thumbsdown": true, "👎": true, "x": true, "❌": true}
)
