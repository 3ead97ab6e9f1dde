package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

// WebhookOpts holds parameters for a Webhook notifier.
type WebhookOpts struct {
	URL     string
	Retries int           // attempts per event; default 3
	Backoff time.Duration // first retry delay; default 1s
	Client  *http.Client
}

// Webhook POSTs each event as JSON to an operator endpoint.
type Webhook struct {
	url     string
	retries int
	backoff time.Duration
	client  *http.Client
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(opts WebhookOpts) (*Webhook, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("notify: webhook url is required")
	}
	w := &Webhook{url: opts.URL, retries: opts.Retries, backoff: opts.Backoff, client: opts.Client}
	if w.retries <= 0 {
		w.retries = 3
	}
	if w.backoff <= 0 {
		w.backoff = time.Second
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 10 * time.Second}
	}
	return w, nil
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	err = withRetry(ctx, w.retries, w.backoff, func() error {
		return w.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("notify: webhook %s: %w", ev.Kind, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("status %d", resp.StatusCode)
		// Client errors other than rate limiting will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}
