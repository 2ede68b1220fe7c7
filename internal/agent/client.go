// Package agent implements the worker side of the coordination protocol: the
// coordinator client, the execution wrapper with checkpointing, the
// registration monitor, and the worker's own HTTP surface.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/pkg/backoff"
)

// StatusPatch is the body of PATCH /v1/jobs/{jobId}/status as the worker
// sends it.
type StatusPatch struct {
	Status       job.Status     `json:"status"`
	WorkerID     string         `json:"workerId,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Client talks to the coordinator API on behalf of a worker.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a coordinator client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default().With("component", "coordinator-client"),
	}
}

// Register sends a single registration attempt.
func (c *Client) Register(ctx context.Context, reg *directory.Registration) (*directory.RegistrationResult, error) {
	var result directory.RegistrationResult
	if err := c.do(ctx, http.MethodPost, "/v1/workers/register", reg, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterWithRetry registers with jittered exponential backoff until it
// succeeds or ctx is done. Jitter spreads a fleet restarting at once.
func (c *Client) RegisterWithRetry(ctx context.Context, reg *directory.Registration) (*directory.RegistrationResult, error) {
	cfg := &backoff.Config{Initial: 500 * time.Millisecond, Max: 15 * time.Second, Jitter: 0.5}

	for attempt := 1; ; attempt++ {
		result, err := c.Register(ctx, reg)
		if err == nil {
			return result, nil
		}

		delay := backoff.Exponential(attempt, cfg)
		c.logger.Warn("registration failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Lookup fetches the coordinator's view of this worker. A not-found error
// means the coordinator has forgotten the worker and it must re-register.
func (c *Client) Lookup(ctx context.Context, workerID string) (*directory.Worker, error) {
	var w directory.Worker
	if err := c.do(ctx, http.MethodGet, "/v1/workers/"+workerID, nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetJob fetches a job. Run and resume commands carry only the job id; the
// worker pulls the rest from here.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ReportStatus reports a lifecycle transition for a job.
func (c *Client) ReportStatus(ctx context.Context, jobID string, patch StatusPatch) error {
	return c.do(ctx, http.MethodPatch, "/v1/jobs/"+jobID+"/status", patch, nil)
}

// ReportProgress posts in-memory progress for a running job.
func (c *Client) ReportProgress(ctx context.Context, jobID string, pct float64, message string) error {
	body := map[string]any{"progressPct": pct, "progressMessage": message}
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID+"/progress", body, nil)
}

// do executes a JSON request against the coordinator and decodes the
// response into out (if non-nil). Error responses are mapped back onto the
// shared error taxonomy so callers can classify with errors.Is.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return apperrors.Internal("client.marshal", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Internal("client.request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Unavailable("coordinator "+method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Internal("client.decode", err)
		}
		return nil
	}

	return decodeAPIError(resp)
}

// decodeAPIError rebuilds a structured error from the coordinator's error
// envelope, falling back to the bare status code.
func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		return apperrors.Internal("coordinator",
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}

	e := &apperrors.Error{
		Sentinel: sentinelForStatus(resp.StatusCode),
		Code:     envelope.Error.Code,
		Message:  envelope.Error.Message,
		Details:  envelope.Error.Details,
	}
	return e
}

func sentinelForStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrInvalidTransition
	case http.StatusBadRequest:
		return apperrors.ErrValidation
	case http.StatusServiceUnavailable:
		return apperrors.ErrUnavailable
	default:
		return apperrors.ErrInternal
	}
}
