package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
)

// Ensure Client implements the dispatch-core-facing AgentClient contract.
var _ interfaces.AgentClient = (*Client)(nil)

// Default transport tuning. Per-call timeouts are narrower for latency
// sensitive calls (status, job state) and wider for payload transfer
// (attachments, artifacts).
const (
	DefaultTimeout       = 30 * time.Second
	AttachmentTimeout    = 600 * time.Second
	ArtifactTimeout      = 600 * time.Second
	WebhookTimeout       = 3 * time.Second
	LogPostTimeout       = 60 * time.Second
	DefaultRateLimit     = 10 // requests per second
	DefaultRetryAttempts = 4
	connectivityStart    = 30 * time.Second
	connectivityCap      = 180 * time.Second
)

// Client is the agent's HTTP transport to the dispatch server. Generalizes
// the functional-options shape used for upstream REST clients, with a
// retry-with-backoff layer the server-facing clients didn't need.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        *common.Logger
	limiter       *rate.Limiter
	retryAttempts int
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the dispatch server's base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimit sets the outbound request rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the default HTTP timeout used when a call doesn't apply
// its own per-call context deadline.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithRetryAttempts sets how many times a retryable response is retried.
func WithRetryAttempts(n int) ClientOption {
	return func(c *Client) { c.retryAttempts = n }
}

// NewClient builds a dispatch server client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:       rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:        common.NewSilentLogger(),
		retryAttempts: DefaultRetryAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents a non-2xx response from the dispatch server.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch server error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// retryable reports whether a status code is worth retrying.
func retryable(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// do executes a rate-limited HTTP request with retry-with-backoff on
// transient server errors and network failures.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body io.Reader, result interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(bo, uint64(c.retryAttempts))

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.logger.Debug().Str("method", method).Str("path", path).Msg("dispatch server request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody), Endpoint: path}
			if retryable(resp.StatusCode) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if result == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	return backoff.Retry(operation, policy)
}

// PopJob polls the server for the next waiting job on the given queues.
func (c *Client) PopJob(ctx context.Context, queues []string) (*models.Job, error) {
	qs := ""
	for i, q := range queues {
		if i > 0 {
			qs += ","
		}
		qs += q
	}

	var job models.Job
	err := c.do(ctx, http.MethodGet, "/v1/job?queue="+qs, DefaultTimeout, nil, &job)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNoContent {
			return nil, nil
		}
		return nil, err
	}
	if job.JobID.String() == "00000000-0000-0000-0000-000000000000" {
		return nil, nil
	}
	return &job, nil
}

// JobState fetches a job's current lifecycle state, used by
// JobCancelledChecker to detect submitter-initiated cancellation.
func (c *Client) JobState(ctx context.Context, jobID string) (models.JobState, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/v1/job/"+jobID, DefaultTimeout, nil, &job); err != nil {
		return "", err
	}
	return job.JobState, nil
}

// UpdateJobState reports a job's new lifecycle state to the server by
// posting an interim result document, the same channel the final outcome
// is reported through.
func (c *Client) UpdateJobState(ctx context.Context, jobID string, state models.JobState) error {
	payload, err := json.Marshal(struct {
		JobState string `json:"job_state"`
	}{JobState: string(state)})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/result/"+jobID, DefaultTimeout, bytes.NewReader(payload), nil)
}

// PostOutput streams a log fragment for a running phase to its assembled
// output or serial log.
func (c *Client) PostOutput(ctx context.Context, jobID, phase string, fragment models.LogFragment) error {
	payload, err := json.Marshal(fragment)
	if err != nil {
		return err
	}
	path := "/v1/result/" + jobID + "/log/" + string(fragment.LogType)
	return c.do(ctx, http.MethodPost, path, LogPostTimeout, bytes.NewReader(payload), nil)
}

// PostResult uploads the final structured result document.
func (c *Client) PostResult(ctx context.Context, jobID string, result *models.ResultDocument) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/result/"+jobID, DefaultTimeout, bytes.NewReader(payload), nil)
}

// GetResult fetches a previously posted result document.
func (c *Client) GetResult(ctx context.Context, jobID string) (*models.ResultDocument, error) {
	var doc models.ResultDocument
	if err := c.do(ctx, http.MethodGet, "/v1/result/"+jobID, DefaultTimeout, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PostAgentStatus reports the agent's current status to the server.
func (c *Client) PostAgentStatus(ctx context.Context, rec *models.AgentRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/agents/data/"+rec.Name, DefaultTimeout, bytes.NewReader(payload), nil)
}

// PostProvisionLog records one provisioning attempt's outcome against the
// agent's rolling provision-log ring.
func (c *Client) PostProvisionLog(ctx context.Context, agentName string, entry models.ProvisionLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/agents/provision_logs/"+agentName, DefaultTimeout, bytes.NewReader(payload), nil)
}

// PostJobEvent relays a status update to a job's configured webhook.
func (c *Client) PostJobEvent(ctx context.Context, jobID string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/job/"+jobID+"/events", WebhookTimeout, bytes.NewReader(body), nil)
}

// PostAdvertisedQueues announces the queues this agent serves.
func (c *Client) PostAdvertisedQueues(ctx context.Context, queues map[string]string) error {
	payload, err := json.Marshal(queues)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/agents/queues", DefaultTimeout, bytes.NewReader(payload), nil)
}

// PostAdvertisedImages announces the provisionable images available per
// queue this agent serves.
func (c *Client) PostAdvertisedImages(ctx context.Context, images map[string]map[string]interface{}) error {
	payload, err := json.Marshal(images)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/agents/images", DefaultTimeout, bytes.NewReader(payload), nil)
}

// UploadArtifact uploads a job's packaged result artifact archive.
func (c *Client) UploadArtifact(ctx context.Context, jobID string, data []byte) error {
	path := "/v1/result/" + jobID + "/artifact"
	return c.do(ctx, http.MethodPost, path, ArtifactTimeout, bytes.NewReader(data), nil)
}

// GetAttachments downloads the attachment archive for a job, if any.
func (c *Client) GetAttachments(ctx context.Context, jobID string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, AttachmentTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/v1/job/"+jobID+"/attachments", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: "/attachments"}
	}
	return io.ReadAll(resp.Body)
}

// IsServerReachable reports whether the server answers a cheap health check.
func (c *Client) IsServerReachable(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitForServerConnectivity blocks, with exponential backoff starting at 30s
// and capped at 180s, until the server becomes reachable or ctx is done.
func (c *Client) WaitForServerConnectivity(ctx context.Context) error {
	wait := connectivityStart
	for {
		if c.IsServerReachable(ctx) {
			return nil
		}
		c.logger.Warn().Dur("retry_in", wait).Msg("dispatch server unreachable, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > connectivityCap {
			wait = connectivityCap
		}
	}
}
