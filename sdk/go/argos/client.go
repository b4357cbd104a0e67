// Package argos is a small Go client for the ARGOS daemon REST API.
package argos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ARGOS REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Result mirrors the analysis summary stored on a finished job.
type Result struct {
	RunID      string  `json:"run_id,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
	Period     float64 `json:"period_days,omitempty"`
	SDE        float64 `json:"sde,omitempty"`
	Summary    string  `json:"summary"`
	Skipped    bool    `json:"skipped,omitempty"`
}

// Job is the server view of one queued target.
type Job struct {
	ID         string  `json:"id"`
	TICID      int64   `json:"tic_id"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// Observation is a persisted detection row.
type Observation struct {
	RunID        string    `json:"run_id"`
	TICID        int64     `json:"tic_id"`
	Sector       int       `json:"sector"`
	Period       float64   `json:"period_days"`
	Depth        float64   `json:"depth"`
	SDE          float64   `json:"sde"`
	PlanetRadius float64   `json:"planet_radius"`
	Insolation   float64   `json:"insolation"`
	Habitable    bool      `json:"habitable"`
	Confidence   string    `json:"confidence"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// JobDetail is a job together with its stored observations.
type JobDetail struct {
	Job
	Observations []Observation `json:"observations,omitempty"`
}

// Submission lists targets to analyse. Force re-runs targets already in history.
type Submission struct {
	TICIDs []int64 `json:"tic_ids"`
	Force  bool    `json:"force,omitempty"`
}

// SubmitResponse reports queued jobs and targets skipped by history.
type SubmitResponse struct {
	Jobs    []Job   `json:"tasks"`
	Skipped []int64 `json:"skipped,omitempty"`
}

// ListFilter narrows job listings.
type ListFilter struct {
	Statuses  []string
	Limit     int
	Offset    int
	Query     string
	Ascending bool
}

// Stats aggregates job and observation counters.
type Stats struct {
	Tasks struct {
		Total     int `json:"total"`
		Pending   int `json:"pending"`
		Running   int `json:"running"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	} `json:"tasks"`
	Observations *struct {
		Total         int `json:"total"`
		Targets       int `json:"targets"`
		High          int `json:"high"`
		SingleTransit int `json:"single_transit"`
		Low           int `json:"low"`
		Habitable     int `json:"habitable"`
	} `json:"observations,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("argos api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("argos api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ARGOS API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit queues targets for analysis.
func (c *Client) Submit(ctx context.Context, sub Submission) (SubmitResponse, error) {
	var out SubmitResponse
	if err := c.post(ctx, "/api/v1/targets", sub, &out); err != nil {
		return SubmitResponse{}, err
	}
	return out, nil
}

// Get fetches one job by TIC id.
func (c *Client) Get(ctx context.Context, ticID int64) (JobDetail, error) {
	var out JobDetail
	if err := c.get(ctx, "/api/v1/targets/"+strconv.FormatInt(ticID, 10), nil, &out); err != nil {
		return JobDetail{}, err
	}
	return out, nil
}

// List returns jobs matching the filter.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	q := url.Values{}
	if len(filter.Statuses) > 0 {
		q.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	if filter.Ascending {
		q.Set("order", "asc")
	}
	var out struct {
		Tasks []Job `json:"tasks"`
	}
	if err := c.get(ctx, "/api/v1/targets", q, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Stats returns aggregated counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// Report downloads the Markdown identity card of a target.
func (c *Client) Report(ctx context.Context, ticID int64) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/reports/"+strconv.FormatInt(ticID, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Wait polls a job until it finishes or ctx ends.
func (c *Client) Wait(ctx context.Context, ticID int64, interval time.Duration) (JobDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Get(ctx, ticID)
		if err != nil {
			return JobDetail{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return JobDetail{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
