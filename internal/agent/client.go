package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Client talks to the orchestrator control API on behalf of one worker.
// Error responses are mapped back onto the domain sentinels by status code,
// so callers branch with errors.Is exactly like orchestrator-side code.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient constructs a Client. baseURL is the orchestrator root, e.g.
// http://localhost:8080.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// RegisterRequest is the registration document.
type RegisterRequest struct {
	DeviceName   string         `json:"device_name"`
	IPAddress    string         `json:"ip_address"`
	Capabilities []string       `json:"capabilities"`
	DeviceInfo   map[string]any `json:"device_info"`
}

// RegisterResponse carries the assigned worker identity. Action tells the
// agent whether it was created fresh, updated, or recovered from faulty.
type RegisterResponse struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Action   string `json:"action"`
}

// Register sends the registration document.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var out RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/register", req, &out); err != nil {
		return RegisterResponse{}, err
	}
	return out, nil
}

// Heartbeat refreshes the worker's liveness window.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/workers/"+workerID+"/heartbeat", nil, nil)
}

// JobDetail fetches the job row behind a popped queue id.
func (c *Client) JobDetail(ctx context.Context, jobID string) (domain.Job, error) {
	var out struct {
		Job domain.Job `json:"job"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+jobID, nil, &out); err != nil {
		return domain.Job{}, err
	}
	return out.Job, nil
}

// ClaimJob performs the claim handshake. ErrConflict means another worker
// won the job; ErrNotFound means the row is gone and the id is stale.
func (c *Client) ClaimJob(ctx context.Context, jobID, workerID string) error {
	body := map[string]string{"worker_id": workerID}
	return c.doJSON(ctx, http.MethodPut, "/api/jobs/"+jobID+"/claim", body, nil)
}

// SetStatus moves the worker through its state machine.
func (c *Client) SetStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	body := map[string]string{"status": string(status)}
	return c.doJSON(ctx, http.MethodPut, "/api/workers/"+workerID+"/status", body, nil)
}

// doJSON sends one request and decodes the response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", domain.ErrInternal, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrInternal, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", domain.ErrInternal, path, err)
		}
	}
	return nil
}

// apiError turns an error response back into the sentinel it was mapped
// from, carrying the server's message.
func apiError(resp *http.Response) error {
	msg := resp.Status
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, msg)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: %s", domain.ErrBrokerUnavailable, msg)
	default:
		return fmt.Errorf("%w: http %d: %s", domain.ErrInternal, resp.StatusCode, msg)
	}
}
