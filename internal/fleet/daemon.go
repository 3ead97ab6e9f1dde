package fleet

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/mjgate/internal/account"
	"github.com/zulandar/mjgate/internal/config"
	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/correlate"
	"github.com/zulandar/mjgate/internal/gateway"
	"github.com/zulandar/mjgate/internal/interact"
	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/models"
	"github.com/zulandar/mjgate/internal/notify"
	"github.com/zulandar/mjgate/internal/store"
	"github.com/zulandar/mjgate/internal/verify"
)

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Config   *config.Config
	Accounts *store.Accounts
	Tasks    *store.Tasks
	Coord    coord.Coordinator
	Notifier notify.Notifier // optional

	// For testing: reach fake gateway and REST endpoints.
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Daemon runs one Instance per enabled account plus the task sweeper.
type Daemon struct {
	cfg       *config.Config
	accounts  *store.Accounts
	tasks     *store.Tasks
	coord     coord.Coordinator
	notifier  notify.Notifier
	dialer    *websocket.Dialer
	log       zerolog.Logger
	mutator   *account.Mutator
	registry  *jobs.Registry
	client    *interact.Client
	resolver  verify.Resolver
	verifier  correlate.Verifier
	debouncer *coord.Debouncer
	sweeper   *Sweeper

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewDaemon builds the fleet-wide collaborators.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil || opts.Accounts == nil || opts.Tasks == nil || opts.Coord == nil {
		return nil, fmt.Errorf("fleet: config, stores and coordinator are required")
	}
	cfg := opts.Config
	d := &Daemon{
		cfg:       cfg,
		accounts:  opts.Accounts,
		tasks:     opts.Tasks,
		coord:     opts.Coord,
		notifier:  opts.Notifier,
		dialer:    opts.Dialer,
		log:       opts.Logger,
		debouncer: coord.NewDebouncer(),
		instances: make(map[string]*Instance),
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}

	client, err := interact.NewClient(interact.ClientOpts{
		Accounts:   opts.Accounts,
		Sessions:   d.sessionID,
		APIBase:    cfg.Gateway.APIBase,
		RPS:        cfg.Policy.InteractionRPS,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger.With().Str("component", "interact").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}
	d.client = client

	mutator, err := account.NewMutator(account.MutatorOpts{
		Store:          opts.Accounts,
		Coord:          opts.Coord,
		Switcher:       client,
		AllowAutoRelax: cfg.Policy.AutoRelax,
		MinutesPerTask: cfg.Policy.MinutesPerTask,
		DisableDelay:   cfg.Policy.DisableDelay,
		Logger:         opts.Logger.With().Str("component", "account").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}
	d.mutator = mutator

	registry, err := jobs.NewRegistry(jobs.RegistryOpts{
		Store:  opts.Tasks,
		Coord:  opts.Coord,
		Logger: opts.Logger.With().Str("component", "jobs").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}
	d.registry = registry

	d.resolver = verify.Resolver{
		Accounts: mutator,
		Notifier: d.notifier,
		Log:      opts.Logger.With().Str("component", "verify").Logger(),
	}
	if cfg.Captcha.Server != "" {
		poller, err := verify.NewPoller(verify.PollerOpts{
			Server:   cfg.Captcha.Server,
			Resolver: d.resolver,
			Interval: cfg.Captcha.PollInterval,
			Timeout:  cfg.Captcha.Timeout,
			Client:   opts.HTTPClient,
			Logger:   d.resolver.Log,
		})
		if err != nil {
			return nil, fmt.Errorf("fleet: %w", err)
		}
		d.verifier = poller
	} else {
		hookTarget := d.notifier
		if cfg.Captcha.HookURL != "" {
			wh, err := notify.NewWebhook(notify.WebhookOpts{
				URL:     cfg.Captcha.HookURL,
				Retries: cfg.Notify.Retries,
				Backoff: cfg.Notify.Backoff,
				Client:  opts.HTTPClient,
			})
			if err != nil {
				return nil, fmt.Errorf("fleet: %w", err)
			}
			hookTarget = notify.Multi{wh, d.notifier}
		}
		d.verifier = verify.Hook{Notifier: hookTarget, Log: d.resolver.Log}
	}

	d.sweeper = NewSweeper(registry, cfg.Policy.TaskTimeout, opts.Logger.With().Str("component", "sweeper").Logger())
	return d, nil
}

// Registry returns the running-task registry that submitters add to.
func (d *Daemon) Registry() *jobs.Registry { return d.registry }

// Mutator returns the account state mutator.
func (d *Daemon) Mutator() *account.Mutator { return d.mutator }

// Run starts every enabled account and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	accts, err := d.accounts.ListAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("fleet: %w", err)
	}
	if len(accts) == 0 {
		d.log.Warn().Msg("no enabled accounts")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range accts {
		inst, err := d.start(ctx, a)
		if err != nil {
			d.log.Error().Err(err).Str("account", a.ID).Msg("account not started")
			continue
		}
		g.Go(func() error { return inst.Run(ctx) })
	}
	g.Go(func() error { return d.sweeper.Schedule(ctx, d.cfg.Policy.SweepSchedule) })

	err = g.Wait()
	d.mutator.Stop()
	d.registry.WaitAssets()
	return err
}

func (d *Daemon) start(ctx context.Context, a models.Account) (*Instance, error) {
	if err := d.restore(ctx, a.ID); err != nil {
		return nil, err
	}
	inst, err := NewInstance(InstanceOpts{
		Account:    a,
		Config:     d.cfg,
		Coord:      d.coord,
		Accounts:   d.mutator,
		Tasks:      d.registry,
		Interactor: d.client,
		Verifier:   d.verifier,
		Notifier:   notify.Logged{Next: d.notifier, Log: d.log},
		Debouncer:  d.debouncer,
		Dialer:     d.dialer,
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.instances[a.ID] = inst
	d.mu.Unlock()
	return inst, nil
}

// restore registers tasks left unfinished by a previous run.
func (d *Daemon) restore(ctx context.Context, accountID string) error {
	tasks, err := d.tasks.ListUnfinished(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fleet: restore %s: %w", accountID, err)
	}
	for i := range tasks {
		if err := d.registry.Add(&tasks[i]); err != nil {
			d.log.Warn().Err(err).Str("task", tasks[i].ID).Msg("restore task")
		}
	}
	if len(tasks) > 0 {
		d.log.Info().Str("account", accountID).Int("count", len(tasks)).Msg("restored unfinished tasks")
	}
	return nil
}

func (d *Daemon) sessionID(accountID string) string {
	d.mu.RLock()
	inst, ok := d.instances[accountID]
	d.mu.RUnlock()
	if !ok {
		return ""
	}
	return inst.Snapshot().SessionID
}

// Status is one account's view for operators.
type Status struct {
	AccountID      string           `json:"account_id"`
	Name           string           `json:"name,omitempty"`
	Enabled        bool             `json:"enabled"`
	Locked         bool             `json:"locked"`
	DisabledReason string           `json:"disabled_reason,omitempty"`
	CaptchaURL     string           `json:"captcha_url,omitempty"`
	Mode           string           `json:"mode,omitempty"`
	AvailableTasks int              `json:"available_tasks"`
	RunningTasks   int              `json:"running_tasks"`
	QueueLen       int              `json:"queue_len"`
	Connection     gateway.Snapshot `json:"connection"`
}

// Statuses reports every account, connected or not, ordered by id.
func (d *Daemon) Statuses(ctx context.Context) ([]Status, error) {
	accts, err := d.accounts.ListAccounts(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Status, 0, len(accts))
	for _, a := range accts {
		st := Status{
			AccountID:      a.ID,
			Name:           a.Name,
			Enabled:        a.Enabled,
			Locked:         a.Locked,
			DisabledReason: a.DisabledReason,
			CaptchaURL:     a.CaptchaURL,
			Mode:           a.Mode,
			AvailableTasks: a.AvailableTasks,
			RunningTasks:   len(d.registry.Running(a.ID)),
			Connection:     gateway.Snapshot{AccountID: a.ID, State: gateway.StateDisconnected.String()},
		}
		if inst, ok := d.instances[a.ID]; ok {
			st.Connection = inst.Snapshot()
			st.QueueLen = inst.QueueLen()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// ResolveVerification applies the outcome of a human verification.
func (d *Daemon) ResolveVerification(ctx context.Context, o verify.Outcome) error {
	return d.resolver.Resolve(ctx, o)
}
