package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/metrics"
	"github.com/zulandar/mjgate/internal/notify"
)

const (
	defaultMaxAttempts = 5
	defaultWindow      = 5 * time.Minute
	defaultRetries     = 5
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = time.Minute
	reconnectLockTTL   = 10 * time.Minute
)

// Connector is the part of Conn that Recovery drives.
type Connector interface {
	Start(ctx context.Context, resume bool) error
	Close(resume bool)
	ResetSession()
}

// AccountHooks persists the account-level effects of recovery.
type AccountHooks interface {
	Disable(ctx context.Context, accountID, reason string) error
	SetConnecting(ctx context.Context, accountID string, connecting bool) error
}

// ReLoginer attempts to obtain fresh credentials for a disabled account.
type ReLoginer interface {
	ReLogin(ctx context.Context, accountID string) error
}

// RecoveryOpts holds parameters for creating a Recovery.
type RecoveryOpts struct {
	AccountID string
	Conn      Connector
	Coord     coord.Coordinator
	Account   AccountHooks
	Notifier  notify.Notifier // optional
	ReLogin   ReLoginer       // optional

	MaxAttempts int           // fresh connections allowed per Window
	Window      time.Duration // counting window for MaxAttempts
	Retries     int           // in-process fresh attempts per failure
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger zerolog.Logger
}

// Recovery decides what to do when a connection fails: resume, reconnect
// fresh, or disable the account once the retry budget is spent.
type Recovery struct {
	accountID string
	conn      Connector
	coord     coord.Coordinator
	account   AccountHooks
	notifier  notify.Notifier
	relogin   ReLoginer
	log       zerolog.Logger

	maxAttempts int
	window      time.Duration
	retries     int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	alerted bool // a connection-failed notice went out since the last Running
}

// NewRecovery creates a Recovery.
func NewRecovery(opts RecoveryOpts) (*Recovery, error) {
	if opts.AccountID == "" {
		return nil, fmt.Errorf("gateway: recovery: account id is required")
	}
	if opts.Conn == nil || opts.Coord == nil || opts.Account == nil {
		return nil, fmt.Errorf("gateway: recovery: conn, coordinator and account hooks are required")
	}
	r := &Recovery{
		accountID:   opts.AccountID,
		conn:        opts.Conn,
		coord:       opts.Coord,
		account:     opts.Account,
		notifier:    opts.Notifier,
		relogin:     opts.ReLogin,
		log:         opts.Logger,
		maxAttempts: opts.MaxAttempts,
		window:      opts.Window,
		retries:     opts.Retries,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.window <= 0 {
		r.window = defaultWindow
	}
	if r.retries <= 0 {
		r.retries = defaultRetries
	}
	if r.baseBackoff <= 0 {
		r.baseBackoff = defaultBaseBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r, nil
}

// MarkRunning re-arms the connection-failed notice. Conn runs it through
// OnRunning.
func (r *Recovery) MarkRunning() {
	r.mu.Lock()
	r.alerted = false
	r.mu.Unlock()
}

// Connect opens the first connection for the account, routing a failed
// handshake through the same policy as a dropped connection.
func (r *Recovery) Connect(ctx context.Context) error {
	if err := r.account.SetConnecting(ctx, r.accountID, true); err != nil {
		r.log.Warn().Err(err).Msg("mark connecting")
	}
	err := r.conn.Start(ctx, false)
	if err == nil || errors.Is(err, ErrConnectionHeld) || ctx.Err() != nil {
		return err
	}
	code, reason := CodeOf(err)
	r.HandleFailure(ctx, code, reason)
	return nil
}

// HandleFailure applies the reconnect policy for a close code. Concurrent
// calls for the same account collapse to one: whoever fails to take the
// reconnect lock returns immediately.
func (r *Recovery) HandleFailure(ctx context.Context, code int, reason string) {
	lock, err := r.coord.TryLock(ctx, "reconnect:"+r.accountID, reconnectLockTTL)
	if err != nil {
		if !errors.Is(err, coord.ErrNotObtained) {
			r.log.Warn().Err(err).Msg("take reconnect lock")
		}
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(rctx)
	}()

	r.alertOnce(ctx, code, reason)
	if err := r.account.SetConnecting(ctx, r.accountID, true); err != nil {
		r.log.Warn().Err(err).Msg("mark connecting")
	}

	switch {
	case code >= CloseFatalMin:
		r.log.Warn().Int("code", code).Str("reason", reason).Msg("fatal close, identifying fresh")
		r.conn.ResetSession()
		r.reconnectFresh(ctx)

	case code == CloseReconnect:
		err := r.conn.Start(ctx, true)
		if err == nil {
			r.log.Info().Msg("session resumed")
			return
		}
		if errors.Is(err, ErrConnectionHeld) || ctx.Err() != nil {
			return
		}
		r.log.Warn().Err(err).Msg("resume failed, reconnecting fresh")
		r.reconnectFresh(ctx)

	default:
		r.log.Warn().Int("code", code).Str("reason", reason).Msg("reconnecting fresh")
		r.reconnectFresh(ctx)
	}
}

// budgetError stops the retry loop once the windowed attempt budget shared
// by every process is spent.
type budgetError struct {
	attempts int64
}

func (e *budgetError) Error() string {
	return fmt.Sprintf("reconnect budget spent after %d attempts", e.attempts)
}

// reconnectFresh runs bounded Identify attempts with exponential backoff.
// Each attempt counts against the windowed budget shared by every process.
func (r *Recovery) reconnectFresh(ctx context.Context) {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			n, err := r.coord.IncrWindow(ctx, "reconnect:"+r.accountID, r.window)
			if err != nil {
				r.log.Warn().Err(err).Msg("count reconnect attempt")
			} else if n > int64(r.maxAttempts) {
				return retry.Unrecoverable(&budgetError{attempts: n - 1})
			}
			err = r.conn.Start(ctx, false)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrConnectionHeld) {
				return retry.Unrecoverable(err)
			}
			r.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			return err
		},
		retry.Attempts(uint(r.retries)),
		retry.Delay(r.baseBackoff),
		retry.MaxDelay(r.maxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	var budget *budgetError
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrConnectionHeld):
		r.log.Info().Msg("connection held by another process, standing down")
	case errors.As(err, &budget):
		r.disable(ctx, fmt.Sprintf("reconnect limit reached: %d attempts within %s", budget.attempts, r.window))
	default:
		r.disable(ctx, fmt.Sprintf("reconnect failed after %d attempts: %v", attempt, err))
	}
}

func (r *Recovery) disable(ctx context.Context, reason string) {
	r.log.Error().Str("reason", reason).Msg("disabling account")
	metrics.AccountDisabled.WithLabelValues("reconnect").Inc()

	if err := r.account.Disable(ctx, r.accountID, reason); err != nil {
		r.log.Error().Err(err).Msg("persist disable")
	}
	r.conn.Close(false)

	if r.relogin != nil {
		if err := r.relogin.ReLogin(ctx, r.accountID); err != nil {
			r.log.Warn().Err(err).Msg("re-login")
		}
	}
	if err := r.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindAccountDisabled,
		AccountID: r.accountID,
		Reason:    reason,
		At:        time.Now().UTC(),
	}); err != nil {
		r.log.Warn().Err(err).Msg("notify account disabled")
	}
}

// alertOnce sends a connection-failed notice for the first failure after a
// Running period.
func (r *Recovery) alertOnce(ctx context.Context, code int, reason string) {
	r.mu.Lock()
	if r.alerted {
		r.mu.Unlock()
		return
	}
	r.alerted = true
	r.mu.Unlock()

	if err := r.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindConnectionFailed,
		AccountID: r.accountID,
		Reason:    fmt.Sprintf("close %d: %s", code, reason),
		At:        time.Now().UTC(),
	}); err != nil {
		r.log.Warn().Err(err).Msg("notify connection failed")
	}
}
