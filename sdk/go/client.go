package deedlinesdk

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

// Client is a minimal Deedline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Form represents the API form model.
type Form struct {
	ID             string            `json:"id"`
	FormType       string            `json:"form_type"`
	Payload        map[string]string `json:"payload"`
	Status         string            `json:"status"`
	Locked         bool              `json:"locked"`
	AssignedTo     *string           `json:"assigned_to,omitempty"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      string            `json:"created_at"`
	LastActivityAt string            `json:"last_activity_at"`
	Version        int64             `json:"version"`
}

// Approval represents one stage's decision record.
type Approval struct {
	FormID     string  `json:"form_id"`
	Role       string  `json:"role"`
	State      string  `json:"state"`
	ReviewerID *string `json:"reviewer_id,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	DecidedAt  *string `json:"decided_at,omitempty"`
}

// Change represents one ledger entry.
type Change struct {
	ID            int64  `json:"id"`
	FormID        string `json:"form_id"`
	Field         string `json:"field"`
	OldValue      string `json:"old_value"`
	NewValue      string `json:"new_value"`
	ChangedByRole string `json:"changed_by_role"`
	ChangedByUser string `json:"changed_by_user"`
	TS            string `json:"ts"`
	ChangeType    string `json:"change_type"`
}

// View is the role-scoped projection of a form's fields.
type View struct {
	FormID string            `json:"form_id"`
	Role   string            `json:"role"`
	Fields map[string]string `json:"fields"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FormID     string         `json:"form_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedForms wraps form listings with cursors.
type PaginatedForms struct {
	Items      []Form `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateForm creates a draft form.
func (c *Client) CreateForm(ctx context.Context, formType string, payload map[string]string) (Form, error) {
	body := map[string]any{
		"form_type": formType,
		"payload":   payload,
	}
	var resp Form
	err := c.do(ctx, http.MethodPost, c.path("forms"), body, &resp)
	return resp, err
}

// GetForm fetches a form by id.
func (c *Client) GetForm(ctx context.Context, id string) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodGet, c.path("forms/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListForms returns a paginated form listing. Filters may be empty.
func (c *Client) ListForms(ctx context.Context, status string, limit int, cursor string) (PaginatedForms, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("forms")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedForms
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit moves a draft or rejected form into the pipeline.
func (c *Client) Submit(ctx context.Context, id string) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("forms/%s/submit", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// EditField writes one payload field.
func (c *Client) EditField(ctx context.Context, id, field, value string) (Form, error) {
	body := map[string]any{
		"field": field,
		"value": value,
	}
	var resp Form
	err := c.do(ctx, http.MethodPatch, c.path(fmt.Sprintf("forms/%s/fields", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Decide records the caller's stage decision.
func (c *Client) Decide(ctx context.Context, id string, approved bool, notes string) (Form, error) {
	body := map[string]any{
		"approved": approved,
		"notes":    notes,
	}
	var resp Form
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("forms/%s/decision", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Approvals returns the form's approval vector.
func (c *Client) Approvals(ctx context.Context, id string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("forms/%s/approvals", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// Changes returns the form's change ledger.
func (c *Client) Changes(ctx context.Context, id string) ([]Change, error) {
	var resp []Change
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("forms/%s/changes", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// ReadView returns the caller's role-scoped field projection.
func (c *Client) ReadView(ctx context.Context, id string) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("forms/%s/view", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// Assign hands the form to a staff member (admin only).
func (c *Client) Assign(ctx context.Context, id, staffID, reason string) (Form, error) {
	body := map[string]any{
		"staff_id": staffID,
		"reason":   reason,
	}
	var resp Form
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("forms/%s/assignment", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Unlock reopens a completed form (admin only).
func (c *Client) Unlock(ctx context.Context, id, reason string) (Form, error) {
	body := map[string]any{"reason": reason}
	var resp Form
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("forms/%s/unlock", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Events returns recent events (admin only).
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.path("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
