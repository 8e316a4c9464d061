package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/store"
)

// APIError is a non-2xx answer of the relay server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay server (status %d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay server (status %d): %s", e.StatusCode, e.Message)
}

// Client is the producer side of the relay API, as used by the mobile app
// and the send command.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCommand queues a command.
func (c *Client) CreateCommand(ctx context.Context, req *command.Request) (*CreateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, "/functions/v1/remote-command", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCommand loads a command row.
func (c *Client) GetCommand(ctx context.Context, id string) (*command.RemoteCommand, error) {
	var out command.RemoteCommand
	if err := c.do(ctx, http.MethodGet, "/functions/v1/remote-command/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitCommand polls until the command is terminal or ctx is done.
func (c *Client) WaitCommand(ctx context.Context, id string, interval time.Duration) (*command.RemoteCommand, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cmd, err := c.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.Status.IsTerminal() {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RequeueCommand puts a failed command back to pending.
func (c *Client) RequeueCommand(ctx context.Context, id string) (*command.RemoteCommand, error) {
	var out command.RemoteCommand
	if err := c.do(ctx, http.MethodPost, "/functions/v1/remote-command/"+url.PathEscape(id)+"/requeue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveScript creates a script, or replaces the steps of script id when id
// is not empty.
func (c *Client) SaveScript(ctx context.Context, id string, req *script.Request) (*script.Script, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	method, path := http.MethodPost, "/functions/v1/scripts"
	if id != "" {
		method, path = http.MethodPut, path+"/"+url.PathEscape(id)
	}
	var out script.Script
	if err := c.do(ctx, method, path, bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListScripts lists the caller's scripts.
func (c *Client) ListScripts(ctx context.Context) ([]*script.Script, error) {
	var out []*script.Script
	if err := c.do(ctx, http.MethodGet, "/functions/v1/scripts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteScript removes one of the caller's scripts.
func (c *Client) DeleteScript(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/functions/v1/scripts/"+url.PathEscape(id), nil, nil)
}

// ChatResponses lists mirrored chat answers of a command.
func (c *Client) ChatResponses(ctx context.Context, commandID string) ([]*command.ChatResponse, error) {
	var out []*command.ChatResponse
	path := "/functions/v1/chat-responses?command_id=" + url.QueryEscape(commandID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInstances lists the caller's desktop instances.
func (c *Client) ListInstances(ctx context.Context) ([]*store.Instance, error) {
	var out []*store.Instance
	if err := c.do(ctx, http.MethodGet, "/functions/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Code, apiErr.Message = e.Code, e.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
