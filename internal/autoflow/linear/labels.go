package linear

import (
	"context"
	"fmt"
	"strings"
)

// Label represents a Linear issue label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FetchIssueLabels returns the labels currently applied to an issue.
func (c *Client) FetchIssueLabels(ctx context.Context, issueID string) ([]Label, error) {
	const query = `query($issueID: String!) {
  issue(id: $issueID) {
    labels { nodes { id name } }
  }
}`
	var result struct {
		Issue struct {
			Labels struct {
				Nodes []Label `json:"nodes"`
			} `json:"labels"`
		} `json:"issue"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID}, &result); err != nil {
		return nil, fmt.Errorf("fetching issue labels: %w", err)
	}
	return result.Issue.Labels.Nodes, nil
}

// FindOrCreateLabel returns the id of the team label named name, creating
// it when it does not exist.
func (c *Client) FindOrCreateLabel(ctx context.Context, teamID, name string) (string, error) {
	const find = `query($name: String!) {
  issueLabels(filter: { name: { eq: $name } }) {
    nodes { id name team { id } }
  }
}`
	var found struct {
		IssueLabels struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Team *struct {
					ID string `json:"id"`
				} `json:"team"`
			} `json:"nodes"`
		} `json:"issueLabels"`
	}
	if err := c.execute(ctx, find, map[string]any{"name": name}, &found); err != nil {
		return "", fmt.Errorf("finding label %q: %w", name, err)
	}
	for _, n := range found.IssueLabels.Nodes {
		if !strings.EqualFold(n.Name, name) {
			continue
		}
		// Workspace labels (no team) apply to every team.
		if n.Team == nil || n.Team.ID == teamID {
			return n.ID, nil
		}
	}

	const create = `mutation($name: String!, $teamID: String!) {
  issueLabelCreate(input: { name: $name, teamId: $teamID }) {
    success
    issueLabel { id }
  }
}`
	var created struct {
		IssueLabelCreate struct {
			Success    bool  `json:"success"`
			IssueLabel Label `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	if err := c.execute(ctx, create, map[string]any{"name": name, "teamID": teamID}, &created); err != nil {
		return "", fmt.Errorf("creating label %q: %w", name, err)
	}
	if !created.IssueLabelCreate.Success {
		return "", fmt.Errorf("linear reported label create as unsuccessful")
	}
	return created.IssueLabelCreate.IssueLabel.ID, nil
}

// AddLabel applies a label to an issue. Applying an already-present label
// is a no-op on Linear's side.
func (c *Client) AddLabel(ctx context.Context, issueID, labelID string) error {
	const query = `mutation($issueID: String!, $labelID: String!) {
  issueAddLabel(id: $issueID, labelId: $labelID) {
    success
  }
}`
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID, "labelID": labelID}, nil); err != nil {
		return fmt.Errorf("adding label: %w", err)
	}
	return nil
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, issueID, labelID string) error {
	const query = `mutation($issueID: String!, $labelID: String!) {
  issueRemoveLabel(id: $issueID, labelId: $labelID) {
    success
  }
}`
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID, "labelID": labelID}, nil); err != nil {
		return fmt.Errorf("removing label: %w", err)
	}
	return nil
}
