package gateway

import (
	"context"

	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

func (g *Gateway) FetchIssues(ctx context.Context, filter linear.IssueFilter, after string, pageSize int) (linear.IssuePage, error) {
	return Call(ctx, g, "fetch_issues", func(ctx context.Context, c *linear.Client) (linear.IssuePage, error) {
		return c.FetchIssues(ctx, filter, after, pageSize)
	})
}

func (g *Gateway) FetchIssue(ctx context.Context, issueID string) (linear.Issue, error) {
	return Call(ctx, g, "fetch_issue", func(ctx context.Context, c *linear.Client) (linear.Issue, error) {
		return c.FetchIssue(ctx, issueID)
	})
}

func (g *Gateway) FetchIssueComments(ctx context.Context, issueID string) ([]linear.Comment, error) {
	return Call(ctx, g, "fetch_comments", func(ctx context.Context, c *linear.Client) ([]linear.Comment, error) {
		return c.FetchIssueComments(ctx, issueID)
	})
}

func (g *Gateway) FetchIssueLabels(ctx context.Context, issueID string) ([]linear.Label, error) {
	return Call(ctx, g, "fetch_labels", func(ctx context.Context, c *linear.Client) ([]linear.Label, error) {
		return c.FetchIssueLabels(ctx, issueID)
	})
}

func (g *Gateway) FetchWorkflowStates(ctx context.Context, teamID string) ([]linear.WorkflowState, error) {
	return Call(ctx, g, "fetch_workflow_states", func(ctx context.Context, c *linear.Client) ([]linear.WorkflowState, error) {
		return c.FetchWorkflowStates(ctx, teamID)
	})
}

func (g *Gateway) PostComment(ctx context.Context, issueID, body string) (linear.Comment, error) {
	return Call(ctx, g, "post_comment", func(ctx context.Context, c *linear.Client) (linear.Comment, error) {
		return c.PostComment(ctx, issueID, body)
	})
}

func (g *Gateway) PostReply(ctx context.Context, issueID, parentID, body string) (linear.Comment, error) {
	return Call(ctx, g, "post_reply", func(ctx context.Context, c *linear.Client) (linear.Comment, error) {
		return c.PostReply(ctx, issueID, parentID, body)
	})
}

func (g *Gateway) UpdateComment(ctx context.Context, commentID, body string) error {
	return g.Do(ctx, "update_comment", func(ctx context.Context, c *linear.Client) error {
		return c.UpdateComment(ctx, commentID, body)
	})
}

func (g *Gateway) ResolveComment(ctx context.Context, commentID string) error {
	return g.Do(ctx, "resolve_comment", func(ctx context.Context, c *linear.Client) error {
		return c.ResolveComment(ctx, commentID)
	})
}

func (g *Gateway) UpdateIssue(ctx context.Context, issueID string, upd linear.IssueUpdate) error {
	return g.Do(ctx, "update_issue", func(ctx context.Context, c *linear.Client) error {
		return c.UpdateIssue(ctx, issueID, upd)
	})
}

func (g *Gateway) FindOrCreateLabel(ctx context.Context, teamID, name string) (string, error) {
	return Call(ctx, g, "find_or_create_label", func(ctx context.Context, c *linear.Client) (string, error) {
		return c.FindOrCreateLabel(ctx, teamID, name)
	})
}

func (g *Gateway) AddLabel(ctx context.Context, issueID, labelID string) error {
	return g.Do(ctx, "add_label", func(ctx context.Context, c *linear.Client) error {
		return c.AddLabel(ctx, issueID, labelID)
	})
}

func (g *Gateway) RemoveLabel(ctx context.Context, issueID, labelID string) error {
	return g.Do(ctx, "remove_label", func(ctx context.Context, c *linear.Client) error {
		return c.RemoveLabel(ctx, issueID, labelID)
	})
}

func (g *Gateway) CreateAgentSession(ctx context.Context, issueID string) (string, error) {
	return Call(ctx, g, "create_agent_session", func(ctx context.Context, c *linear.Client) (string, error) {
		return c.CreateAgentSession(ctx, issueID)
	})
}

func (g *Gateway) CreateAgentActivity(ctx context.Context, sessionID string, typ linear.ActivityType, body string) error {
	return g.Do(ctx, "create_agent_activity", func(ctx context.Context, c *linear.Client) error {
		return c.CreateAgentActivity(ctx, sessionID, typ, body)
	})
}

func (g *Gateway) FetchAttachments(ctx context.Context, issueID string) ([]linear.Attachment, error) {
	return Call(ctx, g, "fetch_attachments", func(ctx context.Context, c *linear.Client) ([]linear.Attachment, error) {
		return c.FetchAttachments(ctx, issueID)
	})
}

func (g *Gateway) CreateAttachment(ctx context.Context, issueID, url, title string) (linear.Attachment, error) {
	return Call(ctx, g, "create_attachment", func(ctx context.Context, c *linear.Client) (linear.Attachment, error) {
		return c.CreateAttachment(ctx, issueID, url, title)
	})
}

func (g *Gateway) FetchViewer(ctx context.Context) (linear.Viewer, error) {
	return Call(ctx, g, "fetch_viewer", func(ctx context.Context, c *linear.Client) (linear.Viewer, error) {
		return c.FetchViewer(ctx)
	})
}

func (g *Gateway) ResolveTeamID(ctx context.Context, identifier string) (string, error) {
	return Call(ctx, g, "resolve_team", func(ctx context.Context, c *linear.Client) (string, error) {
		return c.ResolveTeamID(ctx, identifier)
	})
}
