// Package engine implements the synchronous client for the remote
// classification engine.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// DispatchError reports that the remote engine could not start a job,
// either because the call failed outright or because it returned a
// non-success status. Callers do not retry; the owning task is failed.
type DispatchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine dispatch to %s failed with status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("engine dispatch to %s failed: %v", e.Endpoint, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Config controls the engine HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client issues the job-start calls against the engine. It satisfies
// classify.EngineClient.
type Client struct {
	baseURL string
	http    *resty.Client
}

// New builds a Client for the engine at cfg.BaseURL. Transport-level
// retries cover transient 429/5xx responses; a final failure still
// surfaces as a single DispatchError.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
	}
}

type singleJobRequest struct {
	ProgressChannel string  `json:"progress_channel"`
	Partnumber      string  `json:"partnumber"`
	Description     *string `json:"description,omitempty"`
	Manufacturer    *string `json:"manufacturer,omitempty"`
	Supplier        *string `json:"supplier,omitempty"`
}

type batchJobRequest struct {
	ProgressChannel string   `json:"progress_channel"`
	Partnumbers     []string `json:"partnumbers"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
}

// StartSingle starts a single-partnumber job; progress flows on the given
// ephemeral channel.
func (c *Client) StartSingle(ctx context.Context, req classify.SingleRequest, progressChannel string) (string, error) {
	body := singleJobRequest{
		ProgressChannel: progressChannel,
		Partnumber:      req.Partnumber,
		Description:     req.Description,
		Manufacturer:    req.Manufacturer,
		Supplier:        req.Supplier,
	}
	return c.startJob(ctx, "/process/single_partnumber", body)
}

// StartBatch starts a batch job over the given part numbers.
func (c *Client) StartBatch(ctx context.Context, req classify.BatchRequest, progressChannel string) (string, error) {
	body := batchJobRequest{
		ProgressChannel: progressChannel,
		Partnumbers:     req.Partnumbers,
	}
	return c.startJob(ctx, "/process/batch_partnumbers", body)
}

func (c *Client) startJob(ctx context.Context, endpoint string, body any) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.baseURL + endpoint)
	if err != nil {
		return "", &DispatchError{Endpoint: endpoint, Err: err}
	}
	if resp.IsError() {
		return "", &DispatchError{Endpoint: endpoint, StatusCode: resp.StatusCode()}
	}
	// The engine is sloppy about response headers; parse the body directly
	// instead of trusting Content-Type.
	var parsed jobResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", &DispatchError{Endpoint: endpoint, Err: fmt.Errorf("decode engine response: %w", err)}
	}
	if parsed.JobID == "" {
		return "", &DispatchError{Endpoint: endpoint, Err: fmt.Errorf("engine response missing job_id")}
	}
	return parsed.JobID, nil
}
