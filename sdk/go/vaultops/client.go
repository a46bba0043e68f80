// Package vaultops is the Go client for the vaultopsd job API.
package vaultops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Job statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the vaultopsd API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// JobRequest is the payload of POST /api/v1/jobs.
type JobRequest struct {
	ID         string         `json:"id,omitempty"`
	Operation  string         `json:"operation"`
	Params     map[string]any `json:"params,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// JobResult is the outcome of a succeeded job.
type JobResult struct {
	Operation string         `json:"operation"`
	TxHashes  []string       `json:"tx_hashes,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// Job is the daemon's view of a queued operation.
type Job struct {
	ID         string         `json:"id"`
	Operation  string         `json:"operation"`
	Network    string         `json:"network"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *JobResult     `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the job will not change any more.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}

// JobStats mirrors GET /api/v1/jobs/stats.
type JobStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	ByOperation     map[string]int `json:"by_operation,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// ListOptions filters GET /api/v1/jobs.
type ListOptions struct {
	Statuses   []string
	Operations []string
	Network    string
	Limit      int
	Offset     int
	Ascending  bool
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	if len(o.Operations) > 0 {
		q.Set("operation", strings.Join(o.Operations, ","))
	}
	if o.Network != "" {
		q.Set("network", o.Network)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Ascending {
		q.Set("order", "asc")
	}
	return q
}

// Operation describes one operation the daemon can run.
type Operation struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

// ProposalAction is one action of a previewed governance proposal.
type ProposalAction struct {
	Contract     string `json:"contract"`
	ContractType string `json:"contract_type,omitempty"`
	Signature    string `json:"signature"`
	Args         []any  `json:"args,omitempty"`
}

// ProposalPreviewRequest is the payload of POST /api/v1/proposals/preview.
type ProposalPreviewRequest struct {
	Description string           `json:"description"`
	Governor    string           `json:"governor,omitempty"`
	Actions     []ProposalAction `json:"actions"`
}

// ProposalDocument holds the encoded Governor.propose arguments.
type ProposalDocument struct {
	Governor    string   `json:"governor"`
	Description string   `json:"description"`
	Targets     []string `json:"targets"`
	Signatures  []string `json:"signatures"`
	Calldatas   []string `json:"calldatas"`
}

// APIError is returned for every non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("vaultops api error (%d): %s - %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vaultops api error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// NewClient instantiates a client for the vaultopsd API. When httpClient is
// nil a traced client with DefaultHTTPTimeout is used.
func NewClient(rawURL, token string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, token: token}, nil
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SubmitJob queues an operation.
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (Job, error) {
	var job Job
	err := c.send(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &job)
	return job, err
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job)
	return job, err
}

// ListJobs lists jobs matching opts.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/jobs", opts.query(), nil, &out)
	return out.Jobs, err
}

// JobStats returns aggregated job counts.
func (c *Client) JobStats(ctx context.Context, opts ListOptions) (JobStats, error) {
	var stats JobStats
	err := c.send(ctx, http.MethodGet, "/api/v1/jobs/stats", opts.query(), nil, &stats)
	return stats, err
}

// Operations lists the operations of the daemon's network.
func (c *Client) Operations(ctx context.Context) (string, []Operation, error) {
	var out struct {
		Network    string      `json:"network"`
		Operations []Operation `json:"operations"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/operations", nil, nil, &out)
	return out.Network, out.Operations, err
}

// PreviewProposal encodes proposal actions without sending anything.
func (c *Client) PreviewProposal(ctx context.Context, req ProposalPreviewRequest) (ProposalDocument, error) {
	var doc ProposalDocument
	err := c.send(ctx, http.MethodPost, "/api/v1/proposals/preview", nil, req, &doc)
	return doc, err
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.send(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}

// WaitForJob polls until the job is terminal or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			envelope.Error = apiErr
			_ = json.Unmarshal(data, &envelope)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
