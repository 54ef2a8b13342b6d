package pidflowsdk

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

// Client is a minimal pidflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Handle is a handle record as the API reports it.
type Handle struct {
	Handle       string `json:"handle"`
	Canonical    string `json:"canonical"`
	URL          string `json:"url,omitempty"`
	ResourceType string `json:"resource_type"`
	ResourceID   *int64 `json:"resource_id,omitempty"`
	State        string `json:"state"`
}

// Resolution adds the redirect target for unbound records.
type Resolution struct {
	Handle
	Redirect string `json:"redirect,omitempty"`
}

// StateResult reports where a workflow item went after an operation.
type StateResult struct {
	WorkflowItemID  int64  `json:"workflow_item_id"`
	ItemID          int64  `json:"item_id"`
	Step            string `json:"step,omitempty"`
	NextAction      string `json:"next_action,omitempty"`
	Message         string `json:"message,omitempty"`
	Archived        bool   `json:"archived"`
	Handle          string `json:"handle,omitempty"`
	Returned        bool   `json:"returned_to_workspace"`
	WorkspaceItemID int64  `json:"workspace_item_id,omitempty"`
}

type WorkspaceItem struct {
	ID           int64 `json:"workspace_item_id"`
	ItemID       int64 `json:"item_id"`
	CollectionID int64 `json:"collection_id"`
}

type File struct {
	Name     string `json:"name"`
	Size     int64  `json:"size_bytes"`
	Checksum string `json:"checksum,omitempty"`
}

// Submission is the body of a new workspace item.
type Submission struct {
	CollectionID    int64  `json:"collection_id"`
	Title           string `json:"title,omitempty"`
	Files           []File `json:"files,omitempty"`
	MultipleFiles   bool   `json:"multiple_files,omitempty"`
	MultipleTitles  bool   `json:"multiple_titles,omitempty"`
	PublishedBefore bool   `json:"published_before,omitempty"`
}

type Task struct {
	WorkflowItemID int64  `json:"workflow_item_id"`
	WorkflowID     string `json:"workflow_id"`
	StepID         string `json:"step_id"`
	ActionID       string `json:"action_id"`
	EPersonID      string `json:"eperson_id"`
}

type Tasks struct {
	Pooled  []Task `json:"pooled"`
	Claimed []Task `json:"claimed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Resolve looks up a handle or resolver URL. It needs no credentials.
func (c *Client) Resolve(ctx context.Context, identifier string) (Resolution, error) {
	var resp Resolution
	err := c.do(ctx, http.MethodGet, "resolve?identifier="+url.QueryEscape(identifier), nil, &resp)
	return resp, err
}

// Lookup returns the handle bound to an object.
func (c *Client) Lookup(ctx context.Context, resourceType string, id int64) (Handle, error) {
	var resp Handle
	err := c.do(ctx, http.MethodGet, objectPath(resourceType, id), nil, &resp)
	return resp, err
}

// Mint returns the object's handle, creating one if needed.
func (c *Client) Mint(ctx context.Context, resourceType string, id int64) (Handle, error) {
	var resp Handle
	err := c.do(ctx, http.MethodPost, objectPath(resourceType, id), nil, &resp)
	return resp, err
}

// Unbind tombstones the object's handle.
func (c *Client) Unbind(ctx context.Context, resourceType string, id int64) error {
	return c.do(ctx, http.MethodDelete, objectPath(resourceType, id), nil, nil)
}

// Bind attaches identifier to an object. ok is false when the server
// accepted the request without binding, which happens for non-administrators.
func (c *Client) Bind(ctx context.Context, resourceType string, id int64, identifier string, metadata bool) (h Handle, ok bool, err error) {
	body := map[string]any{
		"resource_type": resourceType,
		"resource_id":   id,
		"identifier":    identifier,
		"metadata":      metadata,
	}
	status, err := c.doStatus(ctx, http.MethodPost, "handles", body, &h)
	return h, status == http.StatusOK, err
}

// ChangePrefix moves every handle under oldPrefix to newPrefix.
func (c *Client) ChangePrefix(ctx context.Context, oldPrefix, newPrefix string, archive bool) (int, error) {
	body := map[string]any{"old_prefix": oldPrefix, "new_prefix": newPrefix, "archive": archive}
	var resp struct {
		Changed int `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, "prefixes/change", body, &resp)
	return resp.Changed, err
}

// ChangeHandle renames one handle.
func (c *Client) ChangeHandle(ctx context.Context, oldHandle, newHandle string, archive bool) (Handle, error) {
	body := map[string]any{"old_handle": oldHandle, "new_handle": newHandle, "archive": archive}
	var resp Handle
	err := c.do(ctx, http.MethodPost, "handles/change", body, &resp)
	return resp, err
}

func (c *Client) Prefixes(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "prefixes", nil, &resp)
	return resp, err
}

// Submit creates a workspace item.
func (c *Client) Submit(ctx context.Context, s Submission) (WorkspaceItem, error) {
	var resp WorkspaceItem
	err := c.do(ctx, http.MethodPost, "workspace-items", s, &resp)
	return resp, err
}

// Start moves a workspace item into review.
func (c *Client) Start(ctx context.Context, workspaceItemID int64) (StateResult, error) {
	var resp StateResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workspace-items/%d/start", workspaceItemID), nil, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, workflowItemID int64) (StateResult, error) {
	return c.itemOp(ctx, workflowItemID, "claim", nil)
}

func (c *Client) Unclaim(ctx context.Context, workflowItemID int64) (StateResult, error) {
	return c.itemOp(ctx, workflowItemID, "unclaim", nil)
}

// Do performs a review action such as reviewaction with decision=approve.
func (c *Client) Do(ctx context.Context, workflowItemID int64, actionID string, params map[string]string) (StateResult, error) {
	return c.itemOp(ctx, workflowItemID, "actions", map[string]any{"action_id": actionID, "params": params})
}

func (c *Client) Reject(ctx context.Context, workflowItemID int64, reason string) (StateResult, error) {
	return c.itemOp(ctx, workflowItemID, "reject", map[string]any{"reason": reason})
}

func (c *Client) Abort(ctx context.Context, workflowItemID int64) (StateResult, error) {
	return c.itemOp(ctx, workflowItemID, "abort", nil)
}

// AssignRole adds epersonID to an item-scoped role. Administrators only.
func (c *Client) AssignRole(ctx context.Context, workflowItemID int64, roleID, epersonID string) (StateResult, error) {
	return c.itemOp(ctx, workflowItemID, "roles", map[string]any{"role_id": roleID, "eperson_id": epersonID})
}

// Tasks lists the caller's pooled and claimed tasks.
func (c *Client) Tasks(ctx context.Context) (Tasks, error) {
	var resp Tasks
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) itemOp(ctx context.Context, workflowItemID int64, op string, body any) (StateResult, error) {
	var resp StateResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflow-items/%d/%s", workflowItemID, op), body, &resp)
	return resp, err
}

func objectPath(resourceType string, id int64) string {
	return fmt.Sprintf("objects/%s/%d/handle", url.PathEscape(strings.ToLower(resourceType)), id)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doStatus(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, endpoint string, body any, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
