package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
)

const webhookComponent = "notify/webhook"

type webhookPayload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sentAt"`
}

// WebhookDispatcher POSTs alerts as JSON. A 401 or 403 response is reported
// as a permission error so the engine can surface the denial.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookDispatcher constructs a webhook dispatcher. A nil client gets a
// default one bounded by timeout.
func NewWebhookDispatcher(url string, client *http.Client, timeout time.Duration) (*WebhookDispatcher, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, errs.Invalid(webhookComponent, "webhook url must be http or https")
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookDispatcher{url: url, client: client, now: time.Now}, nil
}

// Dispatch sends one alert.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, title, body string, metadata map[string]string) error {
	payload, err := json.Marshal(webhookPayload{Title: title, Body: body, Metadata: metadata, SentAt: d.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.New(webhookComponent, errs.CodeUnavailable, errs.WithMessage("post webhook"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(webhookComponent, errs.CodePermission, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("notification endpoint refused delivery"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New(webhookComponent, errs.CodeRateLimited, errs.WithHTTP(resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return errs.New(webhookComponent, errs.CodeUnavailable, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(strings.TrimSpace(string(text))))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
