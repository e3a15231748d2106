// Package notify delivers buyer-facing notifications. Delivery is best
// effort: callers fire it after commit and ignore failures beyond logging.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// StepNotice announces a step change to the buyer.
type StepNotice struct {
	CaseID        string `json:"case_id"`
	PropertyTitle string `json:"property_title"`
	Step          int    `json:"step"`
	StepName      string `json:"step_name"`
	Action        string `json:"action"`
}

// CloseNotice announces a closed case to the buyer.
type CloseNotice struct {
	CaseID        string `json:"case_id"`
	PropertyTitle string `json:"property_title"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
}

// Notifier delivers case notices. Implementations must tolerate being
// called from a best-effort boundary and should fail fast.
type Notifier interface {
	StepUpdated(ctx context.Context, n StepNotice) error
	CaseClosed(ctx context.Context, n CloseNotice) error
}

// Webhook posts notices as JSON to a configured URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook builds a webhook notifier with the given timeout.
// A non-positive timeout falls back to the default.
func NewWebhook(url string, timeoutSeconds int) *Webhook {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) StepUpdated(ctx context.Context, n StepNotice) error {
	return w.post(ctx, "case.step_updated", n.CaseID, n)
}

func (w *Webhook) CaseClosed(ctx context.Context, n CloseNotice) error {
	return w.post(ctx, "case.closed", n.CaseID, n)
}

func (w *Webhook) post(ctx context.Context, event, caseID string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trustline-Event", event)
	req.Header.Set("X-Trustline-Case", caseID)
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// Log writes notices to the process log. Used when no webhook is configured.
type Log struct{}

func (Log) StepUpdated(ctx context.Context, n StepNotice) error {
	log.Printf("notify: case %s step %d (%s): %s", n.CaseID, n.Step, n.StepName, n.Action)
	return nil
}

func (Log) CaseClosed(ctx context.Context, n CloseNotice) error {
	log.Printf("notify: case %s closed (%s): %s", n.CaseID, n.Reason, n.Message)
	return nil
}
