// Package fleet wires one gateway instance per account and runs them all.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/account"
	"github.com/zulandar/mjgate/internal/config"
	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/correlate"
	"github.com/zulandar/mjgate/internal/dispatch"
	"github.com/zulandar/mjgate/internal/gateway"
	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/log"
	"github.com/zulandar/mjgate/internal/models"
	"github.com/zulandar/mjgate/internal/notify"
)

// InstanceOpts holds parameters for creating an Instance. Everything but
// Account is shared across the fleet.
type InstanceOpts struct {
	Account    models.Account
	Config     *config.Config
	Coord      coord.Coordinator
	Accounts   *account.Mutator
	Tasks      *jobs.Registry
	Interactor correlate.Interactor // optional
	Verifier   correlate.Verifier   // optional
	Notifier   notify.Notifier      // optional
	Debouncer  *coord.Debouncer

	// For testing: reach a fake gateway.
	Dialer *websocket.Dialer
}

// Instance is one account's connection, recovery policy, event queue and
// correlator.
type Instance struct {
	id         string
	conn       *gateway.Conn
	recovery   *gateway.Recovery
	router     *dispatch.Router
	correlator *correlate.Correlator
	accounts   *account.Mutator
	log        zerolog.Logger
}

// NewInstance builds the per-account component graph.
func NewInstance(opts InstanceOpts) (*Instance, error) {
	a := opts.Account
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("fleet: config is required")
	}
	if opts.Accounts == nil || opts.Tasks == nil || opts.Coord == nil {
		return nil, fmt.Errorf("fleet: accounts, tasks and coordinator are required")
	}

	router, err := dispatch.NewRouter(dispatch.RouterOpts{
		AccountID: a.ID,
		Coord:     opts.Coord,
		DedupTTL:  cfg.Correlation.DedupTTL,
		Logger:    log.ForAccount("dispatch", a.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", a.ID, err)
	}

	userAgent := a.UserAgent
	if userAgent == "" {
		userAgent = cfg.Gateway.UserAgent
	}
	conn, err := gateway.NewConn(gateway.ConnOpts{
		AccountID:        a.ID,
		Token:            a.UserToken,
		UserAgent:        userAgent,
		URL:              cfg.Gateway.URL,
		Coord:            opts.Coord,
		Dispatcher:       router,
		LockTTL:          cfg.Gateway.LockTTL,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		Dialer:           opts.Dialer,
		Logger:           log.ForAccount("gateway", a.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", a.ID, err)
	}

	recovery, err := gateway.NewRecovery(gateway.RecoveryOpts{
		AccountID:   a.ID,
		Conn:        conn,
		Coord:       opts.Coord,
		Account:     opts.Accounts,
		Notifier:    opts.Notifier,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Window:      cfg.Reconnect.Window,
		Retries:     cfg.Reconnect.Retries,
		BaseBackoff: cfg.Reconnect.BaseBackoff,
		MaxBackoff:  cfg.Reconnect.MaxBackoff,
		Logger:      log.ForAccount("recovery", a.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", a.ID, err)
	}

	correlator, err := correlate.New(correlate.Opts{
		Account:        a,
		Tasks:          opts.Tasks,
		Accounts:       opts.Accounts,
		Interactor:     opts.Interactor,
		Verifier:       opts.Verifier,
		Debouncer:      opts.Debouncer,
		ExtendTimeout:  cfg.Correlation.ExtendTimeout,
		CaptchaWindow:  cfg.Captcha.Debounce,
		UnmatchedLevel: log.ParseLevel(cfg.Correlation.UnmatchedLogLevel, zerolog.DebugLevel),
		Logger:         log.ForAccount("correlate", a.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", a.ID, err)
	}
	correlator.Register(router)

	return &Instance{
		id:         a.ID,
		conn:       conn,
		recovery:   recovery,
		router:     router,
		correlator: correlator,
		accounts:   opts.Accounts,
		log:        log.ForAccount("fleet", a.ID),
	}, nil
}

// ID returns the account id.
func (i *Instance) ID() string { return i.id }

// Snapshot reports the connection state.
func (i *Instance) Snapshot() gateway.Snapshot { return i.conn.Snapshot() }

// QueueLen reports how many dispatch events wait to be handled.
func (i *Instance) QueueLen() int { return i.router.Len() }

// Run connects and serves the account until ctx is cancelled. A failed
// first connection is handled by the recovery policy and does not end Run.
func (i *Instance) Run(ctx context.Context) error {
	i.conn.SetFailureHandler(func(code int, reason string) {
		i.recovery.HandleFailure(ctx, code, reason)
	})
	i.conn.OnRunning(i.recovery.MarkRunning)
	i.conn.OnRunning(func() {
		go i.markConnected()
	})

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = i.router.Run(ctx)
	}()

	if err := i.recovery.Connect(ctx); err != nil && ctx.Err() == nil {
		i.log.Warn().Err(err).Msg("initial connect")
	}

	<-ctx.Done()
	i.conn.Close(false)
	<-queueDone
	i.correlator.Wait()
	i.log.Info().Msg("instance stopped")
	return nil
}

func (i *Instance) markConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := i.accounts.SetConnecting(ctx, i.id, false); err != nil {
		i.log.Warn().Err(err).Msg("clear connecting flag")
	}
}
