package linear

import (
	"context"
	"fmt"
)

// ActivityType is the kind of entry posted to an agent session.
type ActivityType string

const (
	ActivityThought  ActivityType = "thought"
	ActivityAction   ActivityType = "action"
	ActivityResponse ActivityType = "response"
	ActivityError    ActivityType = "error"
)

// CreateAgentSession opens an agent session on the issue so the run is
// visible in Linear's UI. Returns the session id.
func (c *Client) CreateAgentSession(ctx context.Context, issueID string) (string, error) {
	const query = `mutation($issueID: String!) {
  agentSessionCreateOnIssue(input: { issueId: $issueID }) {
    success
    agentSession { id }
  }
}`
	var result struct {
		AgentSessionCreateOnIssue struct {
			Success      bool `json:"success"`
			AgentSession struct {
				ID string `json:"id"`
			} `json:"agentSession"`
		} `json:"agentSessionCreateOnIssue"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID}, &result); err != nil {
		return "", fmt.Errorf("creating agent session: %w", err)
	}
	if !result.AgentSessionCreateOnIssue.Success {
		return "", fmt.Errorf("linear reported agent session create as unsuccessful")
	}
	return result.AgentSessionCreateOnIssue.AgentSession.ID, nil
}

// CreateAgentActivity appends a typed activity entry to an agent session.
func (c *Client) CreateAgentActivity(ctx context.Context, sessionID string, typ ActivityType, body string) error {
	const query = `mutation($input: AgentActivityCreateInput!) {
  agentActivityCreate(input: $input) {
    success
  }
}`
	input := map[string]any{
		"agentSessionId": sessionID,
		"content":        map[string]any{"type": string(typ), "body": body},
	}
	if err := c.execute(ctx, query, map[string]any{"input": input}, nil); err != nil {
		return fmt.Errorf("creating agent activity: %w", err)
	}
	return nil
}

// Attachment is a link attached to an issue (e.g. a pull request).
type Attachment struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// FetchAttachments returns the issue's attachments.
func (c *Client) FetchAttachments(ctx context.Context, issueID string) ([]Attachment, error) {
	const query = `query($issueID: String!) {
  issue(id: $issueID) {
    attachments { nodes { id url title } }
  }
}`
	var result struct {
		Issue struct {
			Attachments struct {
				Nodes []Attachment `json:"nodes"`
			} `json:"attachments"`
		} `json:"issue"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID}, &result); err != nil {
		return nil, fmt.Errorf("fetching attachments: %w", err)
	}
	return result.Issue.Attachments.Nodes, nil
}

// CreateAttachment links url to the issue.
func (c *Client) CreateAttachment(ctx context.Context, issueID, url, title string) (Attachment, error) {
	const query = `mutation($issueID: String!, $url: String!, $title: String!) {
  attachmentCreate(input: { issueId: $issueID, url: $url, title: $title }) {
    success
    attachment { id url title }
  }
}`
	var result struct {
		AttachmentCreate struct {
			Success    bool       `json:"success"`
			Attachment Attachment `json:"attachment"`
		} `json:"attachmentCreate"`
	}
	vars := map[string]any{"issueID": issueID, "url": url, "title": title}
	if err := c.execute(ctx, query, vars, &result); err != nil {
		return Attachment{}, fmt.Errorf("creating attachment: %w", err)
	}
	return result.AttachmentCreate.Attachment, nil
}

// RateLimitStatus is the quota reported by the rateLimitStatus query.
type RateLimitStatus struct {
	Type            string `json:"type"`
	RemainingAmount int    `json:"remainingAmount"`
	RequestedAmount int    `json:"requestedAmount"`
	Reset           int64  `json:"reset"` // epoch milliseconds
}

// FetchRateLimitStatus queries the current request quota.
func (c *Client) FetchRateLimitStatus(ctx context.Context) ([]RateLimitStatus, error) {
	const query = `query {
  rateLimitStatus {
    limits { type remainingAmount requestedAmount reset }
  }
}`
	var result struct {
		RateLimitStatus struct {
			Limits []RateLimitStatus `json:"limits"`
		} `json:"rateLimitStatus"`
	}
	if err := c.execute(ctx, query, nil, &result); err != nil {
		return nil, fmt.Errorf("fetching rate limit status: %w", err)
	}
	return result.RateLimitStatus.Limits, nil
}
