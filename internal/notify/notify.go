// Package notify delivers operator notifications for account events that
// need a human: CAPTCHA challenges, disablement, connection loss.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// Kind classifies a notification.
type Kind string

const (
	KindCaptcha          Kind = "captcha"
	KindAccountDisabled  Kind = "account_disabled"
	KindConnectionFailed Kind = "connection_failed"
	KindAccountUnlocked  Kind = "account_unlocked"
)

// Event is one operator notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"event"`
	AccountID string    `json:"account_id"`
	Reason    string    `json:"reason,omitempty"`
	URL       string    `json:"url,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers an Event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Command runs a shell command for each event. The template supports
// {{.Event}}, {{.Account}}, {{.Reason}} and {{.URL}} placeholders.
type Command struct {
	Template string
}

func (c Command) Notify(ctx context.Context, ev Event) error {
	if c.Template == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", templateEvent(c.Template, ev))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateEvent replaces placeholders in the command template with event values.
func templateEvent(command string, ev Event) string {
	r := strings.NewReplacer(
		"{{.Event}}", string(ev.Kind),
		"{{.Account}}", ev.AccountID,
		"{{.Reason}}", ev.Reason,
		"{{.URL}}", ev.URL,
	)
	return r.Replace(command)
}

// Logged wraps a notifier so delivery errors are logged instead of returned.
// Notifications are best-effort everywhere they are sent from.
type Logged struct {
	Next Notifier
	Log  zerolog.Logger
}

func (l Logged) Notify(ctx context.Context, ev Event) error {
	if l.Next == nil {
		return nil
	}
	if err := l.Next.Notify(ctx, ev); err != nil {
		l.Log.Warn().Err(err).Str("event", string(ev.Kind)).Str("account", ev.AccountID).Msg("notification not delivered")
	}
	return nil
}

// withRetry calls fn up to attempts times with exponential backoff starting
// at base. It stops early when ctx is done or fn returns an unrecoverable
// error.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(fn,
		retry.Attempts(uint(attempts)),
		retry.Delay(base),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
