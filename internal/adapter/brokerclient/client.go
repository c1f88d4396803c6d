// Package brokerclient is the HTTP client for the task broker API. The
// orchestrator and workers use it to create tasks, poll status, report
// terminal state, and manage their registry rows.
package brokerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quickresolve/docpipe/internal/domain"
)

// Client talks to one broker instance. Transport errors and 5xx responses are
// retried with exponential backoff; 4xx responses map to domain sentinels.
type Client struct {
	baseURL    string
	http       *http.Client
	maxElapsed time.Duration
}

// Option mutates client construction.
type Option func(*Client)

// WithMaxElapsed caps the total retry window per call.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New constructs a broker client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxElapsed: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateTaskRequest is the POST /task body.
type CreateTaskRequest struct {
	Name             string         `json:"name"`
	Input            map[string]any `json:"input"`
	ParentID         *string        `json:"parent_id,omitempty"`
	ScheduledStartAt *time.Time     `json:"scheduled_start_at,omitempty"`
	WorkspaceID      int64          `json:"workspace_id,omitempty"`
}

// TaskSnapshot is the broker's full task view.
type TaskSnapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ParentID    string         `json:"parent_id,omitempty"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	StatusCode  int            `json:"status_code"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	WorkspaceID int64          `json:"workspace_id"`
	Attempts    int            `json:"attempts"`
}

// TaskStatus is the compact polling view.
type TaskStatus struct {
	StatusCode int            `json:"status_code"`
	Status     string         `json:"status"`
	Progress   int            `json:"progress"`
	Output     map[string]any `json:"output,omitempty"`
}

// TaskUpdate is the PUT /task/{id} body; nil fields stay untouched.
type TaskUpdate struct {
	StatusCode *int           `json:"status_code,omitempty"`
	Status     *string        `json:"status,omitempty"`
	Progress   *int           `json:"progress,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// ConsumerRegistration is the PUT /consumer body.
type ConsumerRegistration struct {
	Topic       string `json:"topic"`
	EndpointURL string `json:"endpoint_url"`
	HealthURL   string `json:"health_url,omitempty"`
	Ready       bool   `json:"ready"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// retryable marks errors worth another attempt.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=broker.%s %s: %w", strings.ToLower(method), path, err)
		}
	}

	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return retryableError{err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retryableError{fmt.Errorf("broker responded %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(decodeAPIError(resp))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=broker.%s %s: %w", strings.ToLower(method), path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	switch env.Error.Code {
	case "NOT_FOUND":
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case "INVALID_TRANSITION":
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, msg)
	case "TERMINAL_MISMATCH":
		return fmt.Errorf("%w: %s", domain.ErrTerminalMismatch, msg)
	case "INVALID_ARGUMENT":
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
	}
	return fmt.Errorf("broker responded %d: %s", resp.StatusCode, msg)
}

// CreateTask creates a task; the idempotency key may be empty.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest, idemKey string) (TaskSnapshot, error) {
	var headers map[string]string
	if idemKey != "" {
		headers = map[string]string{"Idempotency-Key": idemKey}
	}
	var snap TaskSnapshot
	if err := c.do(ctx, http.MethodPost, "/task", req, headers, &snap); err != nil {
		return TaskSnapshot{}, err
	}
	if snap.ID == "" {
		return TaskSnapshot{}, fmt.Errorf("op=broker.create_task: %w: response missing id", domain.ErrInternal)
	}
	return snap, nil
}

// GetTask loads the full task record.
func (c *Client) GetTask(ctx context.Context, id string) (TaskSnapshot, error) {
	var snap TaskSnapshot
	err := c.do(ctx, http.MethodGet, "/task/"+id, nil, nil, &snap)
	return snap, err
}

// TaskStatus loads the compact polling view.
func (c *Client) TaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	var st TaskStatus
	err := c.do(ctx, http.MethodGet, "/task/"+id+"/status", nil, nil, &st)
	return st, err
}

// UpdateTask advances a task through the broker's state machine.
func (c *Client) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	return c.do(ctx, http.MethodPut, "/task/"+id, u, nil, nil)
}

// UpsertConsumer registers a worker endpoint for a topic.
func (c *Client) UpsertConsumer(ctx context.Context, reg ConsumerRegistration) error {
	return c.do(ctx, http.MethodPut, "/consumer", reg, nil, nil)
}

// RemoveConsumer deregisters a worker endpoint.
func (c *Client) RemoveConsumer(ctx context.Context, topic, endpointURL string) error {
	body := map[string]string{"topic": topic, "endpoint_url": endpointURL}
	return c.do(ctx, http.MethodDelete, "/consumer", body, nil, nil)
}
