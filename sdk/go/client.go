package rotalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Rotaline HTTP API client.
type Client struct {
	BaseURL     string
	RosterID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, rosterID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		RosterID: rosterID,
		Timeout:  10 * time.Second,
	}
}

// ScheduleSpec is an inline rotation for stateless rendering.
type ScheduleSpec struct {
	Users                []string `json:"users"`
	HandoverStartAt      string   `json:"handover_start_at"`
	HandoverIntervalDays int      `json:"handover_interval_days"`
}

// Entry is one contiguous on-call span in a rendered timeline.
type Entry struct {
	User    string `json:"user"`
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

// Override represents a stored override.
type Override struct {
	ID        string `json:"id"`
	RosterID  string `json:"roster_id"`
	User      string `json:"user"`
	StartAt   string `json:"start_at"`
	EndAt     string `json:"end_at"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry. The server ships the payload as a JSON
// string in payload_json; Events decodes it into Payload for callers.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	RosterID    string         `json:"roster_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	PayloadJSON string         `json:"payload_json"`
	Payload     map[string]any `json:"-"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Render computes a timeline from an inline spec without touching any roster.
func (c *Client) Render(ctx context.Context, spec ScheduleSpec, overrides []Entry, from, until string) ([]Entry, error) {
	body := map[string]any{
		"schedule":  spec,
		"overrides": overrides,
		"from":      from,
		"until":     until,
	}
	var resp []Entry
	err := c.do(ctx, http.MethodPost, "v0/schedule", body, &resp)
	return resp, err
}

// Schedule renders the stored roster timeline over [from, until).
func (c *Client) Schedule(ctx context.Context, from, until string) ([]Entry, error) {
	endpoint := c.rosterPath(fmt.Sprintf("schedule?from=%s&until=%s",
		url.QueryEscape(from), url.QueryEscape(until)))
	var resp []Entry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddOverride stores an override on the roster.
func (c *Client) AddOverride(ctx context.Context, user, startAt, endAt string) (Override, error) {
	body := map[string]any{
		"user":     user,
		"start_at": startAt,
		"end_at":   endAt,
	}
	var resp Override
	err := c.do(ctx, http.MethodPost, c.rosterPath("overrides"), body, &resp)
	return resp, err
}

// Overrides lists the roster's overrides.
func (c *Client) Overrides(ctx context.Context) ([]Override, error) {
	var resp struct {
		Items []Override `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.rosterPath("overrides"), nil, &resp)
	return resp.Items, err
}

// RemoveOverride deletes an override by id.
func (c *Client) RemoveOverride(ctx context.Context, id string) error {
	endpoint := c.rosterPath(fmt.Sprintf("overrides/%s", url.PathEscape(id)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Events returns recent roster events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.rosterPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Items {
		raw := resp.Items[i].PayloadJSON
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), &resp.Items[i].Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", resp.Items[i].ID, err)
		}
	}
	return resp.Items, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) rosterPath(p string) string {
	roster := url.PathEscape(c.RosterID)
	return fmt.Sprintf("v0/rosters/%s/%s", roster, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
