package openbrief

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
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenBrief REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// BriefingSubmission represents the payload required to enqueue a briefing run.
type BriefingSubmission struct {
	ID           string         `json:"id,omitempty"`
	BriefingDate string         `json:"briefing_date,omitempty"`
	Trigger      string         `json:"trigger,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Outcome carries the result of a finished briefing run.
type Outcome struct {
	Report      string   `json:"report"`
	MailTotal   int      `json:"mail_total"`
	MailHigh    int      `json:"mail_high"`
	ReplyNeeded int      `json:"reply_needed"`
	EventTotal  int      `json:"event_total"`
	EventHigh   int      `json:"event_high"`
	Degraded    []string `json:"degraded,omitempty"`
	Delivered   bool     `json:"delivered"`
}

// BriefingRun mirrors the server side view of a queued or finished run.
type BriefingRun struct {
	ID           string         `json:"id"`
	BriefingDate string         `json:"briefing_date"`
	Trigger      string         `json:"trigger"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxRetries   int            `json:"max_retries"`
	LastError    string         `json:"last_error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Outcome      *Outcome       `json:"outcome,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows the result set of List calls. Zero values are omitted.
type ListFilter struct {
	Limit    int
	Offset   int
	Statuses []string
	Date     string
	Query    string
}

func (f ListFilter) encode() string {
	values := url.Values{}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	if len(f.Statuses) > 0 {
		values.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Date != "" {
		values.Set("date", f.Date)
	}
	if f.Query != "" {
		values.Set("q", f.Query)
	}
	return values.Encode()
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openbrief api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openbrief api error (%d): %s", e.StatusCode, e.Message)
}

// envelope matches the uniform response wrapper emitted by the server.
type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// NewClient instantiates a client for the OpenBrief API. When httpClient is
// nil, a default client with a sensible timeout is used.
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

// SetAccessToken stores the static bearer token sent with each request.
// Leave it empty when the server runs without authentication.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Submit enqueues a briefing run and returns its queued representation.
func (c *Client) Submit(ctx context.Context, submission BriefingSubmission) (BriefingRun, error) {
	var created BriefingRun
	if err := c.post(ctx, "/api/v1/briefings", submission, &created); err != nil {
		return BriefingRun{}, err
	}
	return created, nil
}

// Get fetches a single run by identifier.
func (c *Client) Get(ctx context.Context, runID string) (BriefingRun, error) {
	var found BriefingRun
	if err := c.get(ctx, "/api/v1/briefings/"+url.PathEscape(runID), &found); err != nil {
		return BriefingRun{}, err
	}
	return found, nil
}

// List returns runs matching the supplied filter, newest first.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]BriefingRun, error) {
	endpoint := "/api/v1/briefings"
	if query := filter.encode(); query != "" {
		endpoint += "?" + query
	}
	var runs []BriefingRun
	if err := c.get(ctx, endpoint, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats returns aggregate run counts matching the supplied filter.
func (c *Client) Stats(ctx context.Context, filter ListFilter) (RunStats, error) {
	endpoint := "/api/v1/briefings/stats"
	if query := filter.encode(); query != "" {
		endpoint += "?" + query
	}
	var stats RunStats
	if err := c.get(ctx, endpoint, &stats); err != nil {
		return RunStats{}, err
	}
	return stats, nil
}

// WaitForOutcome polls a run until it reaches a terminal state or the
// context is cancelled.
func (c *Client) WaitForOutcome(ctx context.Context, runID string, interval time.Duration) (BriefingRun, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.Get(ctx, runID)
		if err != nil {
			return BriefingRun{}, err
		}
		if found.Status == "succeeded" || found.Status == "failed" {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return BriefingRun{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := strings.SplitN(endpoint, "?", 2)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts[0])}
	if len(parts) == 2 {
		rel.RawQuery = parts[1]
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(data) > 0 {
		// Non-JSON bodies fall through to the status code check below.
		_ = json.Unmarshal(data, &env)
	}

	if resp.StatusCode >= 400 {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Message: string(bytes.TrimSpace(data))}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
