package linear

import (
	"context"
	"fmt"
	"sort"
)

// Comment represents a Linear comment on an issue.
type Comment struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"` // Non-empty for threaded replies.
	Body       string `json:"body"`
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

const commentFields = `
        id
        parentId
        body
        user { id name }
        createdAt
        resolvedAt`

// FetchIssueComments returns comments on the given issue, including threaded
// replies. The result is flattened into a single chronologically-sorted slice.
func (c *Client) FetchIssueComments(ctx context.Context, issueID string) ([]Comment, error) {
	query := `query($issueID: String!) {
  issue(id: $issueID) {
    comments(first: 250) {
      nodes {` + commentFields + `
        children {
          nodes {` + commentFields + `
          }
        }
      }
    }
  }
}`
	var result struct {
		Issue struct {
			Comments struct {
				Nodes []commentNode `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID}, &result); err != nil {
		return nil, fmt.Errorf("fetching issue comments: %w", err)
	}

	var comments []Comment
	for _, n := range result.Issue.Comments.Nodes {
		comments = append(comments, n.toComment())
		if n.Children != nil {
			for _, child := range n.Children.Nodes {
				comments = append(comments, child.toComment())
			}
		}
	}

	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt < comments[j].CreatedAt
	})
	return comments, nil
}

// PostComment creates a comment on the given issue and returns it.
func (c *Client) PostComment(ctx context.Context, issueID, body string) (Comment, error) {
	query := `mutation($issueID: String!, $body: String!) {
  commentCreate(input: { issueId: $issueID, body: $body }) {
    comment {` + commentFields + `
    }
  }
}`
	var result struct {
		CommentCreate struct {
			Comment commentNode `json:"comment"`
		} `json:"commentCreate"`
	}
	if err := c.execute(ctx, query, map[string]any{"issueID": issueID, "body": body}, &result); err != nil {
		return Comment{}, fmt.Errorf("posting comment: %w", err)
	}
	return result.CommentCreate.Comment.toComment(), nil
}

// PostReply creates a threaded reply under the given parent comment.
func (c *Client) PostReply(ctx context.Context, issueID, parentID, body string) (Comment, error) {
	query := `mutation($issueID: String!, $parentID: String!, $body: String!) {
  commentCreate(input: { issueId: $issueID, parentId: $parentID, body: $body }) {
    comment {` + commentFields + `
    }
  }
}`
	vars := map[string]any{"issueID": issueID, "parentID": parentID, "body": body}
	var result struct {
		CommentCreate struct {
			Comment commentNode `json:"comment"`
		} `json:"commentCreate"`
	}
	if err := c.execute(ctx, query, vars, &result); err != nil {
		return Comment{}, fmt.Errorf("posting reply: %w", err)
	}
	return result.CommentCreate.Comment.toComment(), nil
}

// UpdateComment replaces a comment's body.
func (c *Client) UpdateComment(ctx context.Context, commentID, body string) error {
	const query = `mutation($commentID: String!, $body: String!) {
  commentUpdate(id: $commentID, input: { body: $body }) {
    success
  }
}`
	var result struct {
		CommentUpdate struct {
			Success bool `json:"success"`
		} `json:"commentUpdate"`
	}
	if err := c.execute(ctx, query, map[string]any{"commentID": commentID, "body": body}, &result); err != nil {
		return fmt.Errorf("updating comment: %w", err)
	}
	if !result.CommentUpdate.Success {
		return fmt.Errorf("linear reported comment update as unsuccessful")
	}
	return nil
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, commentID string) error {
	const query = `mutation($commentID: String!) {
  commentDelete(id: $commentID) {
    success
  }
}`
	if err := c.execute(ctx, query, map[string]any{"commentID": commentID}, nil); err != nil {
		return fmt.Errorf("deleting comment: %w", err)
	}
	return nil
}

// ResolveComment marks a comment thread as resolved.
func (c *Client) ResolveComment(ctx context.Context, commentID string) error {
	const query = `mutation($commentID: String!) {
  commentResolve(id: $commentID) {
    success
  }
}`
	var result struct {
		CommentResolve struct {
			Success bool `json:"success"`
		} `json:"commentResolve"`
	}
	if err := c.execute(ctx, query, map[string]any{"commentID": commentID}, &result); err != nil {
		return fmt.Errorf("resolving comment: %w", err)
	}
	if !result.CommentResolve.Success {
		return fmt.Errorf("linear reported comment resolve as unsuccessful")
	}
	return nil
}

// commentNode is the GraphQL response shape for a comment.
type commentNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Body     string `json:"body"`
	User     *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	CreatedAt  string `json:"createdAt"`
	ResolvedAt string `json:"resolvedAt"`
	Children   *struct {
		Nodes []commentNode `json:"nodes"`
	} `json:"children,omitempty"`
}

func (n commentNode) toComment() Comment {
	c := Comment{
		ID:         n.ID,
		ParentID:   n.ParentID,
		Body:       n.Body,
		CreatedAt:  n.CreatedAt,
		ResolvedAt: n.ResolvedAt,
	}
	if n.User != nil {
		c.UserID = n.User.ID
		c.UserName = n.User.Name
	}
	return c
}
