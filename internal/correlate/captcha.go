package correlate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	captchaKeyPrefix = "captcha:"
	captchaReason    = "human verification required"
)

// isVerification reports whether an iframe modal is a verification gate.
func isVerification(customID, title string) bool {
	s := strings.ToLower(customID + " " + title)
	for _, k := range []string{"captcha", "verify", "verification", "human"} {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// VerificationURL builds the activity URL that serves a challenge.
func VerificationURL(applicationID, customID string) string {
	return fmt.Sprintf("https://%s.discordsays.com/.proxy/captcha?custom_id=%s",
		applicationID, url.QueryEscape(customID))
}

// challenge locks the account and hands the verification to the external
// workflow. Duplicate challenges inside the debounce window are dropped.
func (c *Correlator) challenge(ctx context.Context, d interaction) {
	if !c.debounce.Allow(captchaKeyPrefix+c.accountID, c.captchaWindow) {
		c.log.Debug().Msg("verification challenge already being handled")
		return
	}
	verifyURL := VerificationURL(d.ApplicationID, d.CustomID)
	c.log.Warn().Str("url", verifyURL).Msg("human verification required")

	if err := c.accounts.Lock(ctx, c.accountID, captchaReason, verifyURL); err != nil {
		c.log.Error().Err(err).Msg("lock account for verification")
	}
	if c.verifier == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		hctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := c.verifier.HandOff(hctx, c.accountID, verifyURL); err != nil {
			c.log.Error().Err(err).Msg("hand off verification")
		}
	}()
}
