package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// SlackOpts holds parameters for a Slack notifier.
type SlackOpts struct {
	WebhookURL string // Slack incoming-webhook URL
	Channel    string // optional channel override
	Retries    int
	Backoff    time.Duration
	Client     *http.Client
}

// Slack posts events to a Slack incoming webhook.
type Slack struct {
	opts SlackOpts
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("notify: slack webhook url is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Slack{opts: opts}, nil
}

func (s *Slack) Notify(ctx context.Context, ev Event) error {
	msg := slackMessage(ev)
	msg.Channel = s.opts.Channel
	err := withRetry(ctx, s.opts.Retries, s.opts.Backoff, func() error {
		return slack.PostWebhookCustomHTTPContext(ctx, s.opts.WebhookURL, s.opts.Client, msg)
	})
	if err != nil {
		return fmt.Errorf("notify: slack %s: %w", ev.Kind, err)
	}
	return nil
}

// slackMessage renders an event as a colored attachment.
func slackMessage(ev Event) *slack.WebhookMessage {
	color := "warning"
	switch ev.Kind {
	case KindAccountDisabled:
		color = "danger"
	case KindAccountUnlocked:
		color = "good"
	}
	fields := []slack.AttachmentField{
		{Title: "Account", Value: ev.AccountID, Short: true},
		{Title: "Event", Value: string(ev.Kind), Short: true},
	}
	if ev.Reason != "" {
		fields = append(fields, slack.AttachmentField{Title: "Reason", Value: ev.Reason})
	}
	att := slack.Attachment{
		Color:     color,
		Title:     titleFor(ev.Kind),
		TitleLink: ev.URL,
		Fields:    fields,
		Fallback:  fmt.Sprintf("%s: %s %s", ev.AccountID, ev.Kind, ev.Reason),
	}
	return &slack.WebhookMessage{Attachments: []slack.Attachment{att}}
}

func titleFor(k Kind) string {
	switch k {
	case KindCaptcha:
		return "Verification required"
	case KindAccountDisabled:
		return "Account disabled"
	case KindConnectionFailed:
		return "Gateway connection failed"
	case KindAccountUnlocked:
		return "Account unlocked"
	}
	return string(k)
}
