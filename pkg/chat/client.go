// Package chat implements the Mattermost REST + WebSocket adapter: the
// bot's only channel for receiving user commands and posting output.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Post is an inbound chat message.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id,omitempty"`
}

// Client talks to a Mattermost server's REST API and WebSocket event feed.
type Client struct {
	http      *http.Client
	baseURL   string
	wsURL     string
	token     string
	BotUserID string
	log       *slog.Logger
}

// New authenticates against url with token and returns a Client populated
// with the bot's own user ID (used to filter out its own posts from the
// event stream).
func New(ctx context.Context, url, token string) (*Client, error) {
	return newClient(ctx, url, token, url)
}

// NewWithBaseURL authenticates against a REST API reachable at apiBaseURL
// while deriving the WebSocket URL from url, so tests can point the REST
// calls at a mock server.
func NewWithBaseURL(ctx context.Context, url, token, apiBaseURL string) (*Client, error) {
	return newClient(ctx, url, token, apiBaseURL)
}

func newClient(ctx context.Context, url, token, restURL string) (*Client, error) {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(restURL, "/") + "/api/v4",
		wsURL:   strings.Replace(strings.TrimRight(url, "/"), "http", "ws", 1) + "/api/v4/websocket",
		token:   token,
		log:     slog.Default().With("component", "chat-client"),
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return nil, fmt.Errorf("fetch bot user: %w", err)
	}
	c.BotUserID = me.ID
	return c, nil
}

func (c *Client) authHeader() string {
	return "Bearer " + c.token
}

// doJSON performs an HTTP request against the REST API, encoding body (if
// non-nil) as the request JSON and decoding the response into out (if
// non-nil). A non-2xx response is returned as an error including the
// response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.doJSONStatus(ctx, method, path, body, out)
	return err
}

// doJSONStatus behaves like doJSON but also returns the response status
// code, letting callers like GetChannelByName distinguish "not found"
// from a hard failure without it being treated as an error.
func (c *Client) doJSONStatus(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response for %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
