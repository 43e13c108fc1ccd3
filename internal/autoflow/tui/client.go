package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uesteibar/autoflow/internal/autoflow/server"
)

// Client reads the autoflow HTTP API of a running `serve`.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient accepts either a host:port or a full http URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context) (server.StatusResponse, error) {
	var st server.StatusResponse
	err := c.get(ctx, "/api/status", &st)
	return st, err
}

// Tasks lists tasks from both queues, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]server.TaskResponse, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []server.TaskResponse
	err := c.get(ctx, path, &tasks)
	return tasks, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Subscribe streams messages from /api/ws to fn until ctx is done or the
// connection drops.
func (c *Client) Subscribe(ctx context.Context, fn func(server.WSMessage)) error {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to live feed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg server.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading live feed: %w", err)
		}
		fn(msg)
	}
}
