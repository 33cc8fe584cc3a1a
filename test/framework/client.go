// Package framework provides shared helpers for end-to-end tests: a
// typed HTTP client for the action server API and polling assertions.
package framework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a test-friendly wrapper over the action server HTTP API
type Client struct {
	BaseURL string
	APIKey  string
	http    *http.Client
}

// NewClient creates a client against a running server
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, headers map[string]string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

// InvokeResult carries the interesting parts of an invocation response
type InvokeResult struct {
	StatusCode int
	RunID      string
	Deferred   bool
	Body       []byte
}

// Invoke runs an action and returns the response essentials
func (c *Client) Invoke(pkg, action string, input any, headers map[string]string) (*InvokeResult, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.do(http.MethodPost,
		fmt.Sprintf("/api/actions/%s/%s/run", pkg, action), headers, payload)
	if err != nil {
		return nil, err
	}
	return &InvokeResult{
		StatusCode: resp.StatusCode,
		RunID:      resp.Header.Get("x-action-server-run-id"),
		Deferred:   resp.Header.Get("x-action-async-completion") == "1",
		Body:       body,
	}, nil
}

// Run is the run shape returned by the query endpoints
type Run struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at"`
}

// GetRun fetches one run
func (c *Client) GetRun(id string) (*Run, error) {
	resp, body, err := c.do(http.MethodGet, "/api/runs/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get run %s: status %d: %s", id, resp.StatusCode, body)
	}
	var run Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun requests cancellation
func (c *Client) CancelRun(id string) error {
	resp, body, err := c.do(http.MethodPost, "/api/runs/"+id+"/cancel", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel run %s: status %d: %s", id, resp.StatusCode, body)
	}
	return nil
}

// Healthy reports whether the server answers its health endpoint
func (c *Client) Healthy() bool {
	resp, _, err := c.do(http.MethodGet, "/healthz", nil, nil)
	return err == nil && resp.StatusCode == http.StatusOK
}
