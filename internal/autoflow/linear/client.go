package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is a typed Linear API client using GraphQL over net/http. It does
// not retry; callers go through the gateway, which owns retry and
// rate-limit policy.
type Client struct {
	token      string
	httpClient *http.Client
	endpoint   string
	onResponse func(http.Header)
}

// New creates a new Linear GraphQL client. token is sent verbatim as the
// Authorization header (an API key, or "Bearer <access token>").
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		httpClient: http.DefaultClient,
		endpoint:   "https://api.linear.app/graphql",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint URL.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithResponseHook registers fn to observe the headers of every HTTP
// response, including error responses.
func WithResponseHook(fn func(http.Header)) Option {
	return func(c *Client) { c.onResponse = fn }
}

// APIError is returned when Linear answers with a non-200 status or a
// GraphQL error payload.
type APIError struct {
	StatusCode int
	Code       string // first GraphQL extensions.code, if any
	Message    string
	Header     http.Header
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("linear API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("linear API error (HTTP %d): %s", e.StatusCode, e.Message)
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

type graphqlError struct {
	Message    string        `json:"message"`
	Extensions graphqlErrExt `json:"extensions,omitempty"`
}

type graphqlErrExt struct {
	Code string `json:"code,omitempty"`
}

func (e graphqlError) detail() string {
	if e.Extensions.Code == "" {
		return e.Message
	}
	return e.Message + " [" + e.Extensions.Code + "]"
}

// execute sends a single GraphQL request and decodes the data payload into out.
func (c *Client) execute(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if c.onResponse != nil {
		c.onResponse(resp.Header)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	var gqlResp graphqlResponse
	decodeErr := json.Unmarshal(respBody, &gqlResp)

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(respBody), 200),
			Header:     resp.Header,
		}
		if decodeErr == nil && len(gqlResp.Errors) > 0 {
			apiErr.Code = gqlResp.Errors[0].Extensions.Code
			apiErr.Message = joinErrors(gqlResp.Errors)
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding response: %w", decodeErr)
	}

	if len(gqlResp.Errors) > 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       gqlResp.Errors[0].Extensions.Code,
			Message:    joinErrors(gqlResp.Errors),
			Header:     resp.Header,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}

func joinErrors(errs []graphqlError) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.detail()
	}
	return strings.Join(msgs, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
