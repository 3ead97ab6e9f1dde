// Package account applies durable side effects to account records in
// response to gateway and business signals.
package account

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/metrics"
	"github.com/zulandar/mjgate/internal/models"
)

// Settings-panel labels the vendor uses for its toggles.
const (
	LabelFast  = "Fast mode"
	LabelRelax = "Relax mode"
	LabelTurbo = "Turbo mode"
	LabelRemix = "Remix mode"
)

const (
	relaxWindow            = time.Hour
	defaultMinutesPerTask  = 1.0
	defaultDisableDelay    = 5 * time.Minute
	relaxOncePrefix        = "relax:"
	reasonCreditsExhausted = "fast credits exhausted"
)

// Store loads and saves account records.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SaveAccount(ctx context.Context, a *models.Account) error
}

// ModeSwitcher issues the vendor command that changes an account's speed
// mode.
type ModeSwitcher interface {
	SwitchMode(ctx context.Context, accountID, mode string) error
}

// MutatorOpts holds parameters for creating a Mutator.
type MutatorOpts struct {
	Store    Store
	Coord    coord.Coordinator
	Switcher ModeSwitcher // optional; nil disables auto-relax

	// AllowAutoRelax enables switching to relax mode when fast credits run
	// out, for accounts that opted in.
	AllowAutoRelax bool
	MinutesPerTask float64
	DisableDelay   time.Duration

	Logger zerolog.Logger
}

// Mutator serializes read-modify-write cycles per account.
type Mutator struct {
	store          Store
	coord          coord.Coordinator
	switcher       ModeSwitcher
	allowAutoRelax bool
	minutesPerTask float64
	disableDelay   time.Duration
	log            zerolog.Logger

	locks sync.Map // account id -> *sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewMutator creates a Mutator.
func NewMutator(opts MutatorOpts) (*Mutator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("account: store is required")
	}
	if opts.Coord == nil {
		return nil, fmt.Errorf("account: coordinator is required")
	}
	m := &Mutator{
		store:          opts.Store,
		coord:          opts.Coord,
		switcher:       opts.Switcher,
		allowAutoRelax: opts.AllowAutoRelax,
		minutesPerTask: opts.MinutesPerTask,
		disableDelay:   opts.DisableDelay,
		log:            opts.Logger,
		timers:         make(map[string]*time.Timer),
	}
	if m.minutesPerTask <= 0 {
		m.minutesPerTask = defaultMinutesPerTask
	}
	if m.disableDelay <= 0 {
		m.disableDelay = defaultDisableDelay
	}
	return m, nil
}

// Update loads the account, applies fn and saves the result if fn reports
// a change.
func (m *Mutator) Update(ctx context.Context, id string, fn func(a *models.Account) bool) error {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("account: load %s: %w", id, err)
	}
	if !fn(a) {
		return nil
	}
	if err := m.store.SaveAccount(ctx, a); err != nil {
		return fmt.Errorf("account: save %s: %w", id, err)
	}
	return nil
}

// Get loads the current account record.
func (m *Mutator) Get(ctx context.Context, id string) (*models.Account, error) {
	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("account: load %s: %w", id, err)
	}
	return a, nil
}

func (m *Mutator) lockFor(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Disable turns the account off with reason.
func (m *Mutator) Disable(ctx context.Context, id, reason string) error {
	m.cancelDelayed(id)
	err := m.Update(ctx, id, func(a *models.Account) bool {
		if !a.Enabled && a.DisabledReason == reason {
			return false
		}
		a.Enabled = false
		a.DisabledReason = reason
		a.Connecting = false
		return true
	})
	if err != nil {
		return err
	}
	m.log.Warn().Str("account", id).Str("reason", reason).Msg("account disabled")
	return nil
}

// DisableAfter schedules a Disable after the configured delay unless one is
// already pending for the account.
func (m *Mutator) DisableAfter(id, reason string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if _, pending := m.timers[id]; pending {
		return
	}
	m.timers[id] = time.AfterFunc(m.disableDelay, func() {
		m.timersMu.Lock()
		delete(m.timers, id)
		m.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		metrics.AccountDisabled.WithLabelValues("quota").Inc()
		if err := m.Disable(ctx, id, reason); err != nil {
			m.log.Error().Err(err).Str("account", id).Msg("delayed disable")
		}
	})
	m.log.Info().Str("account", id).Dur("delay", m.disableDelay).Msg("account disable scheduled")
}

// DisablePending reports whether a delayed disable is scheduled.
func (m *Mutator) DisablePending(id string) bool {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	_, ok := m.timers[id]
	return ok
}

func (m *Mutator) cancelDelayed(id string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// Stop cancels every pending delayed disable.
func (m *Mutator) Stop() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// SetConnecting records whether a connection attempt is in progress.
func (m *Mutator) SetConnecting(ctx context.Context, id string, connecting bool) error {
	return m.Update(ctx, id, func(a *models.Account) bool {
		if a.Connecting == connecting {
			return false
		}
		a.Connecting = connecting
		return true
	})
}

// Lock suspends the account pending human verification.
func (m *Mutator) Lock(ctx context.Context, id, reason, captchaURL string) error {
	return m.Update(ctx, id, func(a *models.Account) bool {
		a.Locked = true
		a.LockReason = reason
		a.DisabledReason = reason
		a.CaptchaURL = captchaURL
		return true
	})
}

// Unlock lifts a verification lock.
func (m *Mutator) Unlock(ctx context.Context, id string) error {
	return m.Update(ctx, id, func(a *models.Account) bool {
		if !a.Locked {
			return false
		}
		a.Locked = false
		a.LockReason = ""
		a.CaptchaURL = ""
		if a.Enabled {
			a.DisabledReason = ""
		}
		return true
	})
}

// SyncComponents replaces the settings snapshot and derives the mode and
// remix flags from it.
func (m *Mutator) SyncComponents(ctx context.Context, id string, comps []models.Component) error {
	return m.Update(ctx, id, func(a *models.Account) bool {
		a.Components = comps
		a.Mode = modeOf(a)
		a.RemixOn = a.ActiveComponent(LabelRemix)
		return true
	})
}

// SetRemix records the remix toggle.
func (m *Mutator) SetRemix(ctx context.Context, id string, on bool) error {
	return m.Update(ctx, id, func(a *models.Account) bool {
		changed := a.SetComponentStyle(LabelRemix, styleFor(on))
		if a.RemixOn != on {
			a.RemixOn = on
			changed = true
		}
		return changed
	})
}

// SetMode records a speed-mode switch and restyles the mode buttons to match.
// A confirmed switch to relax cancels a pending quota disable.
func (m *Mutator) SetMode(ctx context.Context, id, mode string) error {
	err := m.Update(ctx, id, func(a *models.Account) bool {
		changed := false
		for label, labelMode := range modeLabels {
			if a.SetComponentStyle(label, styleFor(labelMode == mode)) {
				changed = true
			}
		}
		if a.Mode != mode {
			a.Mode = mode
			changed = true
		}
		if mode == models.ModeRelax && a.RelaxedAt == nil {
			now := time.Now().UTC()
			a.RelaxedAt = &now
			changed = true
		}
		if mode != models.ModeRelax && a.RelaxedAt != nil {
			a.RelaxedAt = nil
			changed = true
		}
		return changed
	})
	if err == nil && mode == models.ModeRelax {
		m.cancelDelayed(id)
	}
	return err
}

// FastCreditsExhausted marks the fast quota as spent. Accounts eligible for
// auto-relax switch to relax mode; the rest are disabled after a delay. A
// relax switch that fails, or whose hourly gate is already spent while the
// account is still not in relax mode, falls back to the delayed disable.
func (m *Mutator) FastCreditsExhausted(ctx context.Context, id string) error {
	var autoRelax bool
	var mode string
	err := m.Update(ctx, id, func(a *models.Account) bool {
		autoRelax = a.AutoRelax
		mode = a.Mode
		if a.FastExhausted {
			return false
		}
		a.FastExhausted = true
		a.AvailableTasks = 0
		return true
	})
	if err != nil {
		return err
	}
	if !m.allowAutoRelax || !autoRelax || m.switcher == nil {
		m.DisableAfter(id, reasonCreditsExhausted)
		return nil
	}
	switched, err := m.AutoRelax(ctx, id)
	switch {
	case err != nil:
		m.log.Warn().Err(err).Str("account", id).Msg("auto-relax failed")
		m.DisableAfter(id, reasonCreditsExhausted)
		return err
	case switched, mode == models.ModeRelax:
		return nil
	default:
		m.DisableAfter(id, reasonCreditsExhausted)
		return nil
	}
}

// AutoRelax switches the account to relax mode at most once per hour. It
// reports whether a switch was issued.
func (m *Mutator) AutoRelax(ctx context.Context, id string) (bool, error) {
	if m.switcher == nil {
		return false, nil
	}
	first, err := m.coord.OncePerWindow(ctx, relaxOncePrefix+id, relaxWindow)
	if err != nil {
		return false, fmt.Errorf("account: auto-relax gate %s: %w", id, err)
	}
	if !first {
		return false, nil
	}
	if err := m.switcher.SwitchMode(ctx, id, models.ModeRelax); err != nil {
		return false, fmt.Errorf("account: switch %s to relax: %w", id, err)
	}
	m.log.Info().Str("account", id).Msg("switched to relax mode")
	return true, nil
}

// ApplyInfo records the "Fast Time Remaining" line of an /info reply and
// derives the available task count from it.
func (m *Mutator) ApplyInfo(ctx context.Context, id, fastTimeRemaining string) error {
	tasks, ok := AvailableTasks(fastTimeRemaining, m.minutesPerTask)
	return m.Update(ctx, id, func(a *models.Account) bool {
		a.FastTimeRemaining = fastTimeRemaining
		if ok {
			a.AvailableTasks = tasks
			a.FastExhausted = tasks == 0
		}
		return true
	})
}

var remainingRe = regexp.MustCompile(`(?i)([0-9]+(?:\.[0-9]+)?)\s*(?:/\s*[0-9]+(?:\.[0-9]+)?\s*)?(hours?|hrs?|h|minutes?|mins?|m)\b`)

// AvailableTasks converts a remaining-time string such as
// "2.58/15.0 hours (17.19%)" into a number of fast tasks.
func AvailableTasks(remaining string, minutesPerTask float64) (int, bool) {
	m := remainingRe.FindStringSubmatch(remaining)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	minutes := v
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		minutes = v * 60
	}
	if minutesPerTask <= 0 {
		minutesPerTask = defaultMinutesPerTask
	}
	return int(math.Floor(minutes / minutesPerTask)), true
}

var modeLabels = map[string]string{
	LabelFast:  models.ModeFast,
	LabelRelax: models.ModeRelax,
	LabelTurbo: models.ModeTurbo,
}

func modeOf(a *models.Account) string {
	for label, mode := range modeLabels {
		if a.ActiveComponent(label) {
			return mode
		}
	}
	return a.Mode
}

func styleFor(active bool) int {
	if active {
		return models.StyleSuccess
	}
	return models.StyleSecondary
}
