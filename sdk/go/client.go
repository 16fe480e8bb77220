package agentbasesdk

import (
	"bytes"
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

// Client is a minimal agentbase HTTP API client for agents.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client authenticating with an agent API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// Actor is the identity the server resolved for the key.
type Actor struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
}

// Entity is a workspace row.
type Entity struct {
	ID            string         `json:"id"`
	Table         string         `json:"table"`
	TenantID      string         `json:"tenant_id"`
	Fields        map[string]any `json:"fields"`
	CreatedBy     string         `json:"created_by"`
	CreatedByType string         `json:"created_by_type"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
}

// Candidate is a member or agent an entity can be assigned to.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ActivityEntry is one activity log row.
type ActivityEntry struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	EntityLabel string         `json:"entity_label,omitempty"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorType   string         `json:"actor_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Body        string         `json:"body,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Link connects two entities.
type Link struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

// BatchResult lists the rows a batch update touched and the ids it could
// not find.
type BatchResult struct {
	Updated []Entity `json:"updated"`
	Missing []string `json:"missing"`
}

// DeleteResult describes how an entity was removed.
type DeleteResult struct {
	Table     string     `json:"table"`
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	Label     string     `json:"label,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ActivityFeed is the aggregated timeline. Items are left raw since their
// shape depends on the item kind.
type ActivityFeed struct {
	Items        []json.RawMessage `json:"items"`
	TotalEntries int               `json:"total_entries"`
}

// ActivityFilter narrows the feed.
type ActivityFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Since      time.Time
	Limit      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details map[string]any  `json:"details"`
}

// Me returns the actor behind the API key.
func (c *Client) Me(ctx context.Context) (Actor, error) {
	var resp struct {
		Actor Actor `json:"actor"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, nil, &resp)
	return resp.Actor, err
}

// Candidates lists who entities can be assigned to.
func (c *Client) Candidates(ctx context.Context) ([]Candidate, error) {
	var resp []Candidate
	err := c.do(ctx, http.MethodGet, "members", nil, nil, &resp)
	return resp, err
}

// Create inserts a row. A non-empty idempotency key makes retries return
// the original row.
func (c *Client) Create(ctx context.Context, table string, fields map[string]any, idempotencyKey string) (Entity, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, "entities/"+url.PathEscape(table), map[string]any{"fields": fields}, headers, &resp)
	return resp, err
}

// Get fetches a live row.
func (c *Client) Get(ctx context.Context, table, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("entities/%s/%s", url.PathEscape(table), url.PathEscape(id)), nil, nil, &resp)
	return resp, err
}

// List returns live rows of a table.
func (c *Client) List(ctx context.Context, table string, limit int) ([]Entity, error) {
	endpoint := "entities/" + url.PathEscape(table)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Entity
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Update applies a partial change. Null values clear fields.
func (c *Client) Update(ctx context.Context, table, id string, fields map[string]any) (Entity, error) {
	body := map[string]any{"table": table, "id": id, "fields": fields}
	var resp Entity
	err := c.do(ctx, http.MethodPatch, "entities", body, nil, &resp)
	return resp, err
}

// BatchUpdate applies one change to many rows.
func (c *Client) BatchUpdate(ctx context.Context, table string, ids []string, fields map[string]any) (BatchResult, error) {
	body := map[string]any{"table": table, "ids": ids, "fields": fields}
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "entities/batch", body, nil, &resp)
	return resp, err
}

// Delete removes a row. Agents cannot delete tasks.
func (c *Client) Delete(ctx context.Context, table, id string) (DeleteResult, error) {
	var resp DeleteResult
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("entities/%s/%s", url.PathEscape(table), url.PathEscape(id)), nil, nil, &resp)
	return resp, err
}

// Comment adds a comment to an entity's timeline.
func (c *Client) Comment(ctx context.Context, entityType, entityID, body string) (ActivityEntry, error) {
	req := map[string]any{"entity_type": entityType, "entity_id": entityID, "body": body}
	var resp ActivityEntry
	err := c.do(ctx, http.MethodPost, "comments", req, nil, &resp)
	return resp, err
}

// Link connects two entities. Linking an already linked pair returns the
// existing link.
func (c *Client) Link(ctx context.Context, sourceType, sourceID, targetType, targetID string) (Link, error) {
	body := map[string]any{
		"source_type": sourceType,
		"source_id":   sourceID,
		"target_type": targetType,
		"target_id":   targetID,
	}
	var resp Link
	err := c.do(ctx, http.MethodPost, "links", body, nil, &resp)
	return resp, err
}

// Unlink removes the link between two entities in either direction.
func (c *Client) Unlink(ctx context.Context, sourceType, sourceID, targetType, targetID string) error {
	endpoint := fmt.Sprintf("links/%s/%s/%s/%s",
		url.PathEscape(sourceType), url.PathEscape(sourceID), url.PathEscape(targetType), url.PathEscape(targetID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// Activity returns the aggregated timeline.
func (c *Client) Activity(ctx context.Context, f ActivityFilter) (ActivityFeed, error) {
	q := url.Values{}
	if f.EntityType != "" {
		q.Set("entity_type", f.EntityType)
	}
	if f.EntityID != "" {
		q.Set("entity_id", f.EntityID)
	}
	if f.ActorID != "" {
		q.Set("actor_id", f.ActorID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "activity"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ActivityFeed
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Error, Details: env.Details}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
