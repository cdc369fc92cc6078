package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for compute backend failures.
var (
	ErrBackendUnavailable = errors.New("compute backend unreachable")
	ErrBackendTimeout     = errors.New("compute backend timeout")
	ErrBackendRejected    = errors.New("compute backend rejected job")
)

// Client is the interface for the GPU compute backend. Submit hands over a
// render workflow and returns the backend's job id; lifecycle updates come
// back asynchronously through the callback endpoint. Cancel is best-effort:
// the backend may keep working after it returns.
type Client interface {
	Submit(ctx context.Context, job SubmitRequest) (string, error)
	Cancel(ctx context.Context, externalJobID string) error
	Ready(ctx context.Context) error
}

// SubmitRequest carries the immutable spec snapshot and options for one
// generation.
type SubmitRequest struct {
	GenerationID string          `json:"generation_id"`
	Spec         json.RawMessage `json:"spec"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// Callback is the asynchronous status report posted by the backend.
type Callback struct {
	ExternalJobID string          `json:"external_job_id"`
	GenerationID  string          `json:"generation_id"`
	Status        string          `json:"status"` // running | progress | completed | failed
	Progress      float64         `json:"progress"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	FailureType   string          `json:"failure_type,omitempty"`
}

// HTTPClient implements Client against the backend's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new compute backend HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, job SubmitRequest) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/jobs", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d", ErrBackendRejected, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var submitResp struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if submitResp.JobID == "" {
		return "", fmt.Errorf("%w: empty job_id", ErrBackendRejected)
	}

	return submitResp.JobID, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, externalJobID string) error {
	u := fmt.Sprintf("%s/v1/jobs/%s/cancel", c.baseURL, url.PathEscape(externalJobID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	// 404 and 409 mean the job already finished on the backend. Cancel is
	// cooperative; the local transition is authoritative either way.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 ||
		resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("%w: cancel status %d", ErrBackendUnavailable, resp.StatusCode)
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend not ready (status %d)", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
