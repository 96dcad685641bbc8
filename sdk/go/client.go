// Package changelinesdk is a minimal Go client for the Changeline status
// API.
package changelinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one Changeline daemon's status API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// SpecSummary mirrors the API's per-spec summary row.
type SpecSummary struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Parent    string `json:"parent,omitempty"`
	CLRef     string `json:"cl_reference,omitempty"`
	Entries   int    `json:"entries"`
	Proposals int    `json:"proposals"`
	Hooks     int    `json:"hooks"`
	Comments  int    `json:"comments"`
}

// Claim mirrors a live workspace claim.
type Claim struct {
	Workspace  int    `json:"workspace"`
	PID        int    `json:"pid"`
	Tag        string `json:"tag"`
	Target     string `json:"target,omitempty"`
	AcquiredAt string `json:"acquired_at"`
}

// Event mirrors one journal row.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Project string         `json:"project,omitempty"`
	Spec    string         `json:"spec,omitempty"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// Health checks the daemon is reachable.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.get(ctx, "/v0/health", nil, &out)
}

// Projects lists tracked project names.
func (c *Client) Projects(ctx context.Context) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	if err := c.get(ctx, "/v0/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// Specs lists the spec summaries of one project.
func (c *Client) Specs(ctx context.Context, project string) ([]SpecSummary, error) {
	var out struct {
		Name  string        `json:"name"`
		Specs []SpecSummary `json:"specs"`
	}
	if err := c.get(ctx, "/v0/projects/"+url.PathEscape(project), nil, &out); err != nil {
		return nil, err
	}
	return out.Specs, nil
}

// Claims lists live workspace claims.
func (c *Client) Claims(ctx context.Context) ([]Claim, error) {
	var out struct {
		Claims []Claim `json:"claims"`
	}
	if err := c.get(ctx, "/v0/claims", nil, &out); err != nil {
		return nil, err
	}
	return out.Claims, nil
}

// Events tails the journal, newest first.
func (c *Client) Events(ctx context.Context, project string, limit int) ([]Event, error) {
	q := url.Values{}
	if project != "" {
		q.Set("project", project)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/v0/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
