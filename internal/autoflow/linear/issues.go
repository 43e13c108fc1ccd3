package linear

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var uuidRegexp = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Issue represents a Linear issue.
type Issue struct {
	ID          string        `json:"id"`
	Identifier  string        `json:"identifier"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    int           `json:"priority"` // 0 none, 1 urgent .. 4 low
	TeamID      string        `json:"team_id"`
	State       WorkflowState `json:"state"`
	Labels      []Label       `json:"labels"`
	UpdatedAt   string        `json:"updated_at"`
}

// LabelNames returns the names of the issue's labels.
func (i Issue) LabelNames() []string {
	names := make([]string, len(i.Labels))
	for k, l := range i.Labels {
		names[k] = l.Name
	}
	return names
}

// WorkflowState represents a Linear workflow state.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// IssueFilter narrows FetchIssues. Empty fields are not applied.
type IssueFilter struct {
	TeamID string
	Label  string
}

// IssuePage is one page of FetchIssues results.
type IssuePage struct {
	Issues    []Issue
	EndCursor string
	HasMore   bool
}

const issueFields = `
      id
      identifier
      title
      description
      priority
      updatedAt
      team { id }
      state { id name type }
      labels { nodes { id name } }`

// FetchIssues returns one page of open issues matching filter, starting
// after cursor (empty for the first page).
func (c *Client) FetchIssues(ctx context.Context, filter IssueFilter, after string, pageSize int) (IssuePage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	f := map[string]any{
		"state": map[string]any{"type": map[string]any{"nin": []string{"canceled", "completed"}}},
	}
	if filter.TeamID != "" {
		f["team"] = map[string]any{"id": map[string]any{"eq": filter.TeamID}}
	}
	if filter.Label != "" {
		f["labels"] = map[string]any{"name": map[string]any{"eqIgnoreCase": filter.Label}}
	}

	query := `query($filter: IssueFilter, $first: Int!, $after: String) {
  issues(filter: $filter, first: $first, after: $after) {
    nodes {` + issueFields + `
    }
    pageInfo { hasNextPage endCursor }
  }
}`
	vars := map[string]any{"filter": f, "first": pageSize}
	if after != "" {
		vars["after"] = after
	}

	var result struct {
		Issues struct {
			Nodes    []issueNode `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"issues"`
	}
	if err := c.execute(ctx, query, vars, &result); err != nil {
		return IssuePage{}, fmt.Errorf("fetching issues: %w", err)
	}

	page := IssuePage{
		Issues:    make([]Issue, len(result.Issues.Nodes)),
		EndCursor: result.Issues.PageInfo.EndCursor,
		HasMore:   result.Issues.PageInfo.HasNextPage,
	}
	for i, n := range result.Issues.Nodes {
		page.Issues[i] = n.toIssue()
	}
	return page, nil
}

// FetchIssue returns a single issue by id or identifier.
func (c *Client) FetchIssue(ctx context.Context, issueID string) (Issue, error) {
	query := `query($issueID: String!) {
  issue(id: $issueID) {` + issueFields + `
  }
}`
	var result struct {
		Issue issueNode `json:"issue"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID}, &result); err != nil {
		return Issue{}, fmt.Errorf("fetching issue: %w", err)
	}
	return result.Issue.toIssue(), nil
}

// IssueUpdate carries the fields to change. Nil fields are left untouched.
type IssueUpdate struct {
	Title       *string
	Description *string
	StateID     *string
}

// UpdateIssue applies upd to the issue.
func (c *Client) UpdateIssue(ctx context.Context, issueID string, upd IssueUpdate) error {
	input := map[string]any{}
	if upd.Title != nil {
		input["title"] = *upd.Title
	}
	if upd.Description != nil {
		input["description"] = *upd.Description
	}
	if upd.StateID != nil {
		input["stateId"] = *upd.StateID
	}
	if len(input) == 0 {
		return nil
	}

	const query = `mutation($issueID: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $issueID, input: $input) {
    success
  }
}`
	var result struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID, "input": input}, &result); err != nil {
		return fmt.Errorf("updating issue: %w", err)
	}
	if !result.IssueUpdate.Success {
		return fmt.Errorf("linear reported issue update as unsuccessful")
	}
	return nil
}

// FetchWorkflowStates returns the workflow states for the given team.
func (c *Client) FetchWorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	const query = `query($teamID: String!) {
  team(id: $teamID) {
    states {
      nodes { id name type }
    }
  }
}`
	var result struct {
		Team struct {
			States struct {
				Nodes []WorkflowState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := c.execute(ctx, query, map[string]any{"teamID": teamID}, &result); err != nil {
		return nil, fmt.Errorf("fetching workflow states: %w", err)
	}
	return result.Team.States.Nodes, nil
}

// ResolveTeamID resolves a team identifier (UUID, key, or name) to a team UUID.
// If the identifier is already a UUID, it is returned as-is.
func (c *Client) ResolveTeamID(ctx context.Context, identifier string) (string, error) {
	if isUUID(identifier) {
		return identifier, nil
	}

	const query = `query {
  teams {
    nodes { id key name }
  }
}`
	var result struct {
		Teams struct {
			Nodes []struct {
				ID   string `json:"id"`
				Key  string `json:"key"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.execute(ctx, query, nil, &result); err != nil {
		return "", fmt.Errorf("fetching teams: %w", err)
	}

	lower := strings.ToLower(identifier)
	for _, t := range result.Teams.Nodes {
		if strings.ToLower(t.Key) == lower || strings.ToLower(t.Name) == lower {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("team not found: %q (tried matching key and name)", identifier)
}

// Viewer is the user the client authenticates as.
type Viewer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// FetchViewer returns the authenticated user. The bot uses it to recognise
// its own comments.
func (c *Client) FetchViewer(ctx context.Context) (Viewer, error) {
	const query = `query { viewer { id name displayName } }`
	var result struct {
		Viewer Viewer `json:"viewer"`
	}
	if err := c.execute(ctx, query, nil, &result); err != nil {
		return Viewer{}, fmt.Errorf("fetching viewer: %w", err)
	}
	return result.Viewer, nil
}

func isUUID(s string) bool {
	return uuidRegexp.MatchString(strings.ToLower(s))
}

// issueNode is the GraphQL response shape for an issue.
type issueNode struct {
	ID          string        `json:"id"`
	Identifier  string        `json:"identifier"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    float64       `json:"priority"`
	UpdatedAt   string        `json:"updatedAt"`
	Team        struct {
		ID string `json:"id"`
	} `json:"team"`
	State  WorkflowState `json:"state"`
	Labels struct {
		Nodes []Label `json:"nodes"`
	} `json:"labels"`
}

func (n issueNode) toIssue() Issue {
	return Issue{
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		Priority:    int(n.Priority),
		TeamID:      n.Team.ID,
		State:       n.State,
		Labels:      n.Labels.Nodes,
		UpdatedAt:   n.UpdatedAt,
	}
}
