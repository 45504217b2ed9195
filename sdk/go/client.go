package readylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Readyline HTTP API client.
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

type Entity struct {
	ID             string    `json:"id"`
	Definition     string    `json:"definition"`
	CurrentState   string    `json:"current_state"`
	EnteredStateAt time.Time `json:"entered_state_at"`
	Version        int64     `json:"version"`
}

type State struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Label    string `json:"label"`
}

type Transition struct {
	Code                 string   `json:"code"`
	From                 string   `json:"from"`
	To                   string   `json:"to"`
	Label                string   `json:"label"`
	Roles                []string `json:"roles"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	ConfirmationMessage  string   `json:"confirmation_message,omitempty"`
}

type TransitionResult struct {
	Entity Entity `json:"entity"`
	State  State  `json:"state"`
}

type HistoryEntry struct {
	Seq            int       `json:"seq"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	TransitionCode string    `json:"transition_code"`
	Role           string    `json:"role"`
	ActorID        string    `json:"actor_id"`
	PriorHash      string    `json:"prior_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

type History struct {
	EntityID string         `json:"entity_id"`
	Verified bool           `json:"verified"`
	Error    string         `json:"error,omitempty"`
	Entries  []HistoryEntry `json:"entries"`
}

type Verdict struct {
	CanComplete bool   `json:"can_complete"`
	Reason      string `json:"reason,omitempty"`
}

type ChecklistItem struct {
	Code           string `json:"code"`
	Phase          string `json:"phase"`
	Label          string `json:"label"`
	Completed      bool   `json:"completed"`
	Overridden     bool   `json:"overridden"`
	OverrideReason string `json:"override_reason,omitempty"`
}

type Checklist struct {
	Code   string          `json:"code"`
	Items  []ChecklistItem `json:"items"`
	Status struct {
		Total         int `json:"total"`
		Completed     int `json:"completed"`
		BlockingItems []struct {
			Code   string `json:"code"`
			Phase  string `json:"phase"`
			Reason string `json:"reason"`
		} `json:"blocking_items"`
	} `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
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

// APIError wraps non-2xx responses. Code, Message and Details are filled
// when the body carries the API error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRejected reports whether err is a transition rejection (422) and returns its reason.
func IsRejected(err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "transition_not_allowed" {
		return "", false
	}
	reason, _ := apiErr.Details["reason"].(string)
	return reason, true
}

// IsConflict reports whether err means the entity moved since it was read.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == "state_conflict"
}

// StartEntity registers an entity. definition may be empty when kind has a default.
func (c *Client) StartEntity(ctx context.Context, definition, kind, id string) (Entity, error) {
	body := map[string]any{"definition": definition, "entity_kind": kind, "id": id}
	var resp Entity
	err := c.do(ctx, http.MethodPost, "entities", body, &resp)
	return resp, err
}

func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AvailableTransitions lists what the caller's role may do from the entity's state.
func (c *Client) AvailableTransitions(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id)+"/transitions", nil, &resp)
	return resp, err
}

// AttemptTransition moves the entity. fromState and expectedVersion pin what
// the caller last observed; zero values skip the respective check.
func (c *Client) AttemptTransition(ctx context.Context, id, code, fromState string, expectedVersion int64) (TransitionResult, error) {
	body := map[string]any{"code": code}
	if fromState != "" {
		body["from_state"] = fromState
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "entities/"+url.PathEscape(id)+"/transitions", body, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) (History, error) {
	var resp History
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

func (c *Client) Checklist(ctx context.Context, id string) (Checklist, error) {
	var resp Checklist
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id)+"/checklist", nil, &resp)
	return resp, err
}

func (c *Client) Readiness(ctx context.Context, id, item string) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodGet, c.itemPath(id, item, "readiness"), nil, &resp)
	return resp, err
}

func (c *Client) CompleteItem(ctx context.Context, id, item string) error {
	return c.do(ctx, http.MethodPost, c.itemPath(id, item, "complete"), nil, nil)
}

func (c *Client) OverrideItem(ctx context.Context, id, item, reason string) error {
	return c.do(ctx, http.MethodPost, c.itemPath(id, item, "override"), map[string]string{"reason": reason}, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, entityID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
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

func (c *Client) itemPath(id, item, action string) string {
	return fmt.Sprintf("entities/%s/checklist/%s/%s", url.PathEscape(id), url.PathEscape(item), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
