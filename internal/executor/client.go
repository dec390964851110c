// Package executor talks to the external task-execution platform that
// performs message delivery.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRemoteNotFound means the platform has no record of the remote id.
	ErrRemoteNotFound = errors.New("remote task not found")
	// ErrMalformedResponse means the platform answered with a body we cannot use.
	ErrMalformedResponse = errors.New("malformed response from execution platform")
	// ErrUnexpectedStatus means the platform answered with an unexpected HTTP status.
	ErrUnexpectedStatus = errors.New("unexpected response status from execution platform")
)

const maxBodyBytes = 1 << 20

// Client calls the execution platform's HTTP API
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient constructs a client for baseURL. Every call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("executor base url is required")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid executor base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid executor base url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type createResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

type statusResponse struct {
	Success bool `json:"success"`
	Task    *struct {
		Status string `json:"status"`
	} `json:"task"`
}

// CreateTask calls POST /task/create once and returns the remote task id.
// A 2xx answer without success=true and a task id is ErrMalformedResponse.
func (c *Client) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode dispatch payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("task", "create"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: http %d: %s", ErrUnexpectedStatus, status, snippet(body))
	}

	var out createResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !out.Success || out.TaskID == "" {
		return "", fmt.Errorf("%w: success=%t taskId=%q message=%q", ErrMalformedResponse, out.Success, out.TaskID, out.Message)
	}
	return out.TaskID, nil
}

// TaskStatus calls GET /task/{remoteID}/status and returns the platform's
// status string as-is. A 404 is ErrRemoteNotFound.
func (c *Client) TaskStatus(ctx context.Context, remoteID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("task", remoteID, "status"), nil)
	if err != nil {
		return "", err
	}

	status, body, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrRemoteNotFound, remoteID)
	case status != http.StatusOK:
		return "", fmt.Errorf("%w: http %d: %s", ErrUnexpectedStatus, status, snippet(body))
	}

	var out statusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !out.Success || out.Task == nil {
		return "", fmt.Errorf("%w: status lookup for %s returned no task", ErrMalformedResponse, remoteID)
	}
	return out.Task.Status, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// resolve joins path segments onto the base url, escaping each one
func (c *Client) resolve(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	rel := &url.URL{Path: strings.Join(segments, "/"), RawPath: strings.Join(escaped, "/")}
	return c.baseURL.ResolveReference(rel).String()
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
