// Package queue is the HTTP client for the remote task queue. The engine
// consumes a narrow contract: claim the next task, patch task state, post the
// final completion, and best-effort telemetry (comments and logs).
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// APIError is a non-2xx response from the queue API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("queue API returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is worth retrying (server-side).
func (e *APIError) Retryable() bool { return e.Status >= 500 }

// RemoteTask is a task handed out by the queue.
type RemoteTask struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	ProjectName   string   `json:"project_name"`
	ProjectSlug   string   `json:"project_slug"`
	Slug          string   `json:"slug"`
	Request       string   `json:"request"`
	Criteria      []string `json:"criteria,omitempty"`
	Engine        string   `json:"engine,omitempty"`
	Model         string   `json:"model,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// TaskPatch mutates remote task state.
type TaskPatch struct {
	Status    string     `json:"status,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// CompleteRequest reports the terminal outcome of a task.
type CompleteRequest struct {
	Decision     string `json:"decision"`
	Explanation  string `json:"explanation"`
	FinalResult  string `json:"final_result,omitempty"`
	Log          string `json:"log,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	ArtifactKey  string `json:"artifact_key,omitempty"`
}

// Client talks to the remote queue API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a queue client. A zero timeout on httpClient is replaced
// with a sane default.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// SetHTTPClient overrides the underlying HTTP client (tests).
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// NextTask claims the next queued task. Returns (nil, nil) when the queue is
// empty.
func (c *Client) NextTask(ctx context.Context) (*RemoteTask, error) {
	var task RemoteTask
	found, err := c.do(ctx, http.MethodGet, "/api/tasks/next", nil, &task)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &task, nil
}

// PatchTask updates remote task status/timestamps.
func (c *Client) PatchTask(ctx context.Context, taskID string, patch TaskPatch) error {
	_, err := c.do(ctx, http.MethodPatch, "/api/tasks/"+taskID, patch, nil)
	return err
}

// CompleteTask posts the terminal outcome. This call must succeed for the
// task to count as handled, so server-side failures are retried with backoff.
func (c *Client) CompleteTask(ctx context.Context, taskID string, req CompleteRequest) error {
	operation := func() error {
		_, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/complete", req, nil)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		c.logger.Warn("complete-task call failed, will retry", "task", taskID, "error", err)
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// PostComment attaches a comment to the remote task. Best-effort: failures
// are logged and swallowed.
func (c *Client) PostComment(ctx context.Context, taskID, comment string) {
	body := map[string]string{"comment": comment}
	if _, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/comments", body, nil); err != nil {
		c.logger.Warn("failed to post task comment", "task", taskID, "error", err)
	}
}

// PostLog ships a log excerpt to the remote task. Best-effort.
func (c *Client) PostLog(ctx context.Context, taskID, log string) {
	body := map[string]string{"log": log}
	if _, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/logs", body, nil); err != nil {
		c.logger.Warn("failed to post task log", "task", taskID, "error", err)
	}
}

// Cancelled implements the cancellation source contract: it asks the queue
// whether an operator has requested cancellation of the task.
func (c *Client) Cancelled(ctx context.Context, taskID string) (bool, error) {
	var status struct {
		Cancelled bool `json:"cancelled"`
	}
	found, err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID+"/cancellation", nil, &status)
	if err != nil {
		return false, err
	}
	return found && status.Cancelled, nil
}

// do performs one request. Returns found=false on 204/404 responses with no
// error, so callers can distinguish "nothing there" from failure.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("queue request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	} else if out != nil {
		return false, nil
	}
	return true, nil
}
