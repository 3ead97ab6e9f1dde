// Package verify hands human-verification challenges to an external
// workflow and applies the outcome to the account.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/notify"
)

// Accounts applies a verification outcome.
type Accounts interface {
	Unlock(ctx context.Context, id string) error
	Disable(ctx context.Context, id, reason string) error
}

// Outcome is the result an external workflow reports for a challenge.
type Outcome struct {
	AccountID string `json:"account_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// Resolver applies outcomes and tells operators about them.
type Resolver struct {
	Accounts Accounts
	Notifier notify.Notifier
	Log      zerolog.Logger
}

// Resolve unlocks the account on success and disables it otherwise.
func (r Resolver) Resolve(ctx context.Context, o Outcome) error {
	if o.AccountID == "" {
		return fmt.Errorf("verify: account id is required")
	}
	if o.Success {
		if err := r.Accounts.Unlock(ctx, o.AccountID); err != nil {
			return fmt.Errorf("verify: unlock %s: %w", o.AccountID, err)
		}
		r.Log.Info().Str("account", o.AccountID).Msg("verification passed, account unlocked")
		r.notify(ctx, notify.KindAccountUnlocked, o.AccountID, "verification passed")
		return nil
	}
	reason := "verification failed"
	if o.Reason != "" {
		reason += ": " + o.Reason
	}
	if err := r.Accounts.Disable(ctx, o.AccountID, reason); err != nil {
		return fmt.Errorf("verify: disable %s: %w", o.AccountID, err)
	}
	r.Log.Warn().Str("account", o.AccountID).Str("reason", reason).Msg("verification failed, account disabled")
	r.notify(ctx, notify.KindAccountDisabled, o.AccountID, reason)
	return nil
}

func (r Resolver) notify(ctx context.Context, kind notify.Kind, accountID, reason string) {
	if r.Notifier == nil {
		return
	}
	_ = r.Notifier.Notify(ctx, notify.Event{
		Kind:      kind,
		AccountID: accountID,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
}

// Hook hands a challenge to operators through the notifier. The outcome
// arrives later through Resolver.Resolve, typically from the HTTP callback.
type Hook struct {
	Notifier notify.Notifier
	Log      zerolog.Logger
}

// HandOff announces the challenge.
func (h Hook) HandOff(ctx context.Context, accountID, verifyURL string) error {
	if h.Notifier == nil {
		return fmt.Errorf("verify: no notifier configured")
	}
	err := h.Notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindCaptcha,
		AccountID: accountID,
		Reason:    "human verification required",
		URL:       verifyURL,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("verify: hand off %s: %w", accountID, err)
	}
	h.Log.Info().Str("account", accountID).Msg("verification handed to operators")
	return nil
}
