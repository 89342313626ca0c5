// Package client talks to the colony task API over HTTP. It implements
// worker.Queue so remote workers can use the same runner as in-process ones.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"colony-tasks/pkg/worker"

	"github.com/go-resty/resty/v2"
)

type Task struct {
	ID                string         `json:"id"`
	Command           string         `json:"command"`
	Origin            string         `json:"origin"`
	Status            string         `json:"status"`
	Priority          string         `json:"priority"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Error             *string        `json:"error,omitempty"`
	WorkerID          *string        `json:"worker_id,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	LastHeartbeat     *time.Time     `json:"last_heartbeat,omitempty"`
	ExternalRequestID *string        `json:"external_request_id,omitempty"`
	RetryCount        int            `json:"retry_count"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	// HeartbeatIntervalMs is only set on claim responses.
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms,omitempty"`
}

type EnqueueRequest struct {
	Command  string         `json:"command"`
	Origin   string         `json:"origin,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ListOptions struct {
	Status   string
	Priority string
	Command  string
	Limit    int
	Cursor   string
}

type ListResponse struct {
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

type StatusCount struct {
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Count    int64  `json:"count"`
}

type SweepResult struct {
	Scanned   int `json:"scanned"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
	Expired   int `json:"expired"`
}

// APIError is the decoded error envelope of a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("colony api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type Client struct {
	http *resty.Client
}

// New returns a client for the API at baseURL. Idempotent reads are retried
// on transport errors and 5xx responses.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: r}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&errorEnvelope{})
}

func apiError(resp *resty.Response) error {
	e := &APIError{StatusCode: resp.StatusCode(), Message: resp.Status()}
	if env, ok := resp.Error().(*errorEnvelope); ok && env.Error.Code != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	}
	return e
}

// accepted maps the 200/409 accepted contract onto (bool, error).
func (c *Client) accepted(ctx context.Context, path string, pathParams map[string]string, body any) (bool, error) {
	var out acceptedResponse
	resp, err := c.request(ctx).
		SetPathParams(pathParams).
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return false, err
	}
	if resp.StatusCode() == http.StatusConflict {
		return false, nil
	}
	if resp.IsError() {
		return false, apiError(resp)
	}
	return out.Accepted, nil
}

func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.request(ctx).SetBody(req).SetResult(&out).Post("/v1/tasks")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", apiError(resp)
	}
	return out.ID, nil
}

func (c *Client) ClaimTask(ctx context.Context, workerID string) (*Task, error) {
	var out Task
	resp, err := c.request(ctx).
		SetBody(map[string]string{"worker_id": workerID}).
		SetResult(&out).
		Post("/v1/tasks/claim")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Claim implements worker.Queue.
func (c *Client) Claim(ctx context.Context, workerID string) (*worker.Job, error) {
	t, err := c.ClaimTask(ctx, workerID)
	if err != nil || t == nil {
		return nil, err
	}
	return &worker.Job{
		ID:                t.ID,
		Command:           t.Command,
		Origin:            t.Origin,
		Priority:          t.Priority,
		Metadata:          t.Metadata,
		RetryCount:        t.RetryCount,
		HeartbeatInterval: time.Duration(t.HeartbeatIntervalMs) * time.Millisecond,
	}, nil
}

func (c *Client) Heartbeat(ctx context.Context, taskID, workerID string) (bool, error) {
	return c.accepted(ctx, "/v1/tasks/{id}/heartbeat", map[string]string{"id": taskID},
		map[string]any{"worker_id": workerID})
}

func (c *Client) Complete(ctx context.Context, taskID, workerID string, result map[string]any) (bool, error) {
	return c.accepted(ctx, "/v1/tasks/{id}/complete", map[string]string{"id": taskID},
		map[string]any{"worker_id": workerID, "result": result})
}

func (c *Client) Fail(ctx context.Context, taskID, workerID, errMsg string) (bool, error) {
	return c.accepted(ctx, "/v1/tasks/{id}/fail", map[string]string{"id": taskID},
		map[string]any{"worker_id": workerID, "error": errMsg})
}

func (c *Client) MarkAwaitingExternal(ctx context.Context, taskID, workerID, externalRequestID string) (bool, error) {
	return c.accepted(ctx, "/v1/tasks/{id}/await-external", map[string]string{"id": taskID},
		map[string]any{"worker_id": workerID, "external_request_id": externalRequestID})
}

func (c *Client) CompleteExternal(ctx context.Context, externalRequestID string, result map[string]any) (bool, error) {
	return c.accepted(ctx, "/v1/external/{external_request_id}/complete",
		map[string]string{"external_request_id": externalRequestID},
		map[string]any{"result": result})
}

func (c *Client) FailExternal(ctx context.Context, externalRequestID, errMsg string) (bool, error) {
	return c.accepted(ctx, "/v1/external/{external_request_id}/fail",
		map[string]string{"external_request_id": externalRequestID},
		map[string]any{"error": errMsg})
}

func (c *Client) Get(ctx context.Context, id string) (*Task, error) {
	var out Task
	resp, err := c.request(ctx).SetPathParam("id", id).SetResult(&out).Get("/v1/tasks/{id}")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	req := c.request(ctx)
	for k, v := range map[string]string{
		"status":   opts.Status,
		"priority": opts.Priority,
		"command":  opts.Command,
		"cursor":   opts.Cursor,
	} {
		if v != "" {
			req.SetQueryParam(k, v)
		}
	}
	if opts.Limit > 0 {
		req.SetQueryParam("limit", fmt.Sprint(opts.Limit))
	}

	var out ListResponse
	resp, err := req.SetResult(&out).Get("/v1/tasks")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (c *Client) Stats(ctx context.Context) ([]StatusCount, error) {
	var out struct {
		Stats []StatusCount `json:"stats"`
	}
	resp, err := c.request(ctx).SetResult(&out).Get("/v1/tasks/stats")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out.Stats, nil
}

func (c *Client) Stale(ctx context.Context) ([]*Task, error) {
	var out struct {
		Tasks []*Task `json:"tasks"`
	}
	resp, err := c.request(ctx).SetResult(&out).Get("/v1/tasks/stale")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out.Tasks, nil
}

func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	var out SweepResult
	resp, err := c.request(ctx).SetResult(&out).Post("/v1/admin/sweep")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

var _ worker.Queue = (*Client)(nil)
