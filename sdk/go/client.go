package trustlinesdk

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

// Client is a minimal Trustline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	SystemKey   string
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

// Case represents the API case model.
type Case struct {
	ID            string  `json:"id"`
	AgentID       string  `json:"agent_id"`
	BuyerName     string  `json:"buyer_name"`
	PropertyTitle string  `json:"property_title"`
	CurrentStep   int     `json:"current_step"`
	Status        string  `json:"status"`
	OfferPrice    *int64  `json:"offer_price,omitempty"`
	ClosedAt      *string `json:"closed_at,omitempty"`
	ClosedReason  *string `json:"closed_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// CaseEvent is one entry of a case's event trail.
type CaseEvent struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	Step      int     `json:"step"`
	StepName  string  `json:"step_name"`
	Action    string  `json:"action"`
	Actor     string  `json:"actor"`
	Detail    *string `json:"detail,omitempty"`
	EventHash string  `json:"event_hash,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// CaseDetail is a case with its event trail and chain verdict.
type CaseDetail struct {
	Case          Case        `json:"case"`
	Events        []CaseEvent `json:"events"`
	ChainOK       bool        `json:"chain_ok"`
	ChainBrokenAt *int        `json:"chain_broken_at,omitempty"`
}

// CaseList is one page of cases.
type CaseList struct {
	Cases  []Case `json:"cases"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// AdvanceResult reports a completed step transition.
type AdvanceResult struct {
	Success       bool   `json:"success"`
	CaseID        string `json:"case_id"`
	OldStep       int    `json:"old_step"`
	NewStep       int    `json:"new_step"`
	PropertyTitle string `json:"property_title"`
	EventHash     string `json:"event_hash"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase opens a case.
func (c *Client) CreateCase(ctx context.Context, buyerName, propertyTitle string) (Case, error) {
	body := map[string]any{
		"buyer_name":     buyerName,
		"property_title": propertyTitle,
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases", body, &resp)
	return resp, err
}

// ListCases returns one page of the caller's cases.
func (c *Client) ListCases(ctx context.Context, status string, limit, offset int) (CaseList, error) {
	endpoint := "v1/cases"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp CaseList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetCase fetches a case with its full event trail.
func (c *Client) GetCase(ctx context.Context, caseID string) (CaseDetail, error) {
	var resp CaseDetail
	err := c.do(ctx, http.MethodGet, "v1/cases/"+url.PathEscape(caseID), nil, &resp)
	return resp, err
}

// AdvanceStep moves a case to a step.
func (c *Client) AdvanceStep(ctx context.Context, caseID string, newStep int, action string) (AdvanceResult, error) {
	body := map[string]any{
		"new_step": newStep,
		"action":   action,
	}
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPatch, "v1/cases/"+url.PathEscape(caseID), body, &resp)
	return resp, err
}

// CloseCase closes a case with a whitelisted reason.
func (c *Client) CloseCase(ctx context.Context, caseID, reason string) (Case, error) {
	body := map[string]any{"reason": reason}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases/"+url.PathEscape(caseID)+"/close", body, &resp)
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
	case c.SystemKey != "":
		req.Header.Set("X-System-Key", c.SystemKey)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
