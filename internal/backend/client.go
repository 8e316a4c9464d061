// Package backend is the HTTP client of the local automation backend, the
// process that actually drives mouse, keyboard and programs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Backend is what executors need from the automation backend.
// This interface allows for easy mocking in tests.
type Backend interface {
	// Execute runs one instruction. A reply with Success=false is returned
	// as a response, not an error; transport and HTTP failures are *Error.
	Execute(ctx context.Context, text, mode string) (*Response, error)

	// Config returns the backend's current configuration document.
	Config(ctx context.Context) (map[string]any, error)
}

// Response is the reply of POST /execute.
type Response struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Status is the reply of GET /status.
type Status struct {
	Status           string  `json:"status"`
	AIAvailable      bool    `json:"ai_available"`
	CommandsExecuted int     `json:"commands_executed"`
	SuccessRate      float64 `json:"success_rate"`
}

// Error reports an unreachable backend, a non-2xx reply, or a reply with
// success=false. Message is the backend's own text where it sent one.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("backend %s (status %d): %s", e.Op, e.StatusCode, e.Message)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPClient talks to the backend over loopback HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL string // default http://127.0.0.1:8000
	Timeout time.Duration
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) *HTTPClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute runs one instruction in the given mode.
func (c *HTTPClient) Execute(ctx context.Context, text, mode string) (*Response, error) {
	body, err := json.Marshal(map[string]string{"command": text, "mode": mode})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp Response
	if err := c.doRequest("execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Config returns the backend configuration.
func (c *HTTPClient) Config(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Config map[string]any `json:"config"`
	}
	if err := c.doRequest("config", req, &out); err != nil {
		return nil, err
	}
	return out.Config, nil
}

// Status returns the backend health summary.
func (c *HTTPClient) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	var out Status
	if err := c.doRequest("status", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) doRequest(op string, req *http.Request, result interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: errorText(body)}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

// errorText pulls the message out of an error body. FastAPI-style servers
// answer {"detail": ...}; others {"message": ...}.
func errorText(body []byte) string {
	var e struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if s, ok := e.Detail.(string); ok && s != "" {
			return s
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// Ensure HTTPClient implements Backend.
var _ Backend = (*HTTPClient)(nil)
