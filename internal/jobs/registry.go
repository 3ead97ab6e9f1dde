// Package jobs holds the in-memory set of running tasks shared by the
// job-submission layer and the correlator, plus the finalization contract
// that persists results.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/models"
)

// MaxFailReason is the longest failure reason stored on a task, in runes.
const MaxFailReason = 512

const defaultBanWindow = 24 * time.Hour

// DefaultFinishedIndex bounds how many identities of finished tasks are
// remembered for recognising late repeats of their events.
const DefaultFinishedIndex = 4096

// Identity names a field that ties a gateway event to exactly one task.
type Identity string

const (
	IdentityNonce       Identity = "nonce"
	IdentityMessage     Identity = "message"
	IdentityInteraction Identity = "interaction"
	IdentityJob         Identity = "job"
)

// ErrTerminal is returned when finalizing a task that already finished.
var ErrTerminal = errors.New("jobs: task already finished")

// Ban counter key prefixes.
const (
	BanUserPrefix = "ban:user:"
	BanIPPrefix   = "ban:ip:"
)

// TaskStore persists task state.
type TaskStore interface {
	SaveTask(ctx context.Context, t *models.Task) error
}

// AssetStore downloads and keeps a finished task's images or videos.
type AssetStore interface {
	Store(ctx context.Context, t models.Task) error
}

// NopAssets discards asset requests.
type NopAssets struct{}

// Store implements AssetStore.
func (NopAssets) Store(context.Context, models.Task) error { return nil }

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Store     TaskStore
	Assets    AssetStore        // optional
	Coord     coord.Coordinator // optional; nil disables ban counters
	BanWindow time.Duration
	Logger    zerolog.Logger

	// FinishedIndex caps the remembered identities of finished tasks;
	// zero means DefaultFinishedIndex.
	FinishedIndex int
}

type entry struct {
	task *models.Task
	wake chan struct{}
}

// Registry tracks running tasks. Every read or write of a registered task
// goes through the registry lock: callers mutate tasks inside Mutate or the
// predicate passed to Find, never by holding on to a pointer.
type Registry struct {
	store     TaskStore
	assets    AssetStore
	coord     coord.Coordinator
	banWindow time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	// finished maps identity keys of finished tasks to their task id;
	// finishedKeys holds insertion order for eviction.
	finished     map[string]string
	finishedKeys []string
	finishedCap  int

	assetsWG sync.WaitGroup
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("jobs: task store is required")
	}
	r := &Registry{
		store:     opts.Store,
		assets:    opts.Assets,
		coord:     opts.Coord,
		banWindow: opts.BanWindow,
		log:       opts.Logger,
		now:       time.Now,
		entries:   make(map[string]*entry),

		finished:    make(map[string]string),
		finishedCap: opts.FinishedIndex,
	}
	if r.finishedCap <= 0 {
		r.finishedCap = DefaultFinishedIndex
	}
	if r.assets == nil {
		r.assets = NopAssets{}
	}
	if r.banWindow <= 0 {
		r.banWindow = defaultBanWindow
	}
	return r, nil
}

// Add registers a task. The registry owns the pointer from then on.
func (r *Registry) Add(t *models.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("jobs: add: task id is required")
	}
	if t.Status == "" {
		t.Status = models.StatusSubmitted
	}
	if t.SubmitTime.IsZero() {
		t.SubmitTime = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.ID]; ok {
		return fmt.Errorf("jobs: add %s: already registered", t.ID)
	}
	r.entries[t.ID] = &entry{task: t, wake: make(chan struct{})}
	return nil
}

// Remove forgets a task.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		close(e.wake)
		delete(r.entries, id)
	}
}

// Get returns a copy of a registered task.
func (r *Registry) Get(id string) (models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return models.Task{}, false
	}
	return *e.task, true
}

// Find returns copies of the running tasks matching pred, earliest
// submitted first.
func (r *Registry) Find(pred func(t *models.Task) bool) []models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Task
	for _, e := range r.entries {
		if e.task.IsTerminal() {
			continue
		}
		if pred == nil || pred(e.task) {
			out = append(out, *e.task)
		}
	}
	sortBySubmit(out)
	return out
}

// FindByNonce returns the running task carrying nonce.
func (r *Registry) FindByNonce(nonce string) (models.Task, bool) {
	if nonce == "" {
		return models.Task{}, false
	}
	found := r.Find(func(t *models.Task) bool { return t.Nonce == nonce })
	if len(found) == 0 {
		return models.Task{}, false
	}
	return found[0], true
}

// Running returns the running tasks of one account, earliest submitted
// first.
func (r *Registry) Running(accountID string) []models.Task {
	return r.Find(func(t *models.Task) bool { return t.AccountID == accountID })
}

// Mutate applies fn to the registered task under the registry lock. It
// returns false if the task is unknown or already terminal, in which case
// fn is not called.
func (r *Registry) Mutate(id string, fn func(t *models.Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.task.IsTerminal() {
		return false
	}
	fn(e.task)
	return true
}

// Wake releases everyone blocked in Wait for the task.
func (r *Registry) Wake(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	close(e.wake)
	e.wake = make(chan struct{})
}

// Wait blocks until the task is woken, removed, or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("jobs: wait %s: not registered", id)
	}
	ch := e.wake
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor waits until cond holds for the task, re-checking after every
// wake, or until ctx is done.
func (r *Registry) WaitFor(ctx context.Context, id string, cond func(t models.Task) bool) (models.Task, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			r.mu.Unlock()
			return models.Task{}, fmt.Errorf("jobs: wait %s: not registered", id)
		}
		snapshot := *e.task
		ch := e.wake
		r.mu.Unlock()

		if cond(snapshot) {
			return snapshot, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return snapshot, ctx.Err()
		}
	}
}

// Succeed marks the task successful, persists it, wakes its waiters and
// stores its assets in the background.
func (r *Registry) Succeed(ctx context.Context, id string) error {
	task, err := r.finish(id, func(t *models.Task, now time.Time) bool { return t.MarkSuccess(now) })
	if err != nil {
		return err
	}
	if err := r.store.SaveTask(ctx, &task); err != nil {
		return fmt.Errorf("jobs: succeed %s: %w", id, err)
	}

	r.assetsWG.Add(1)
	go func() {
		defer r.assetsWG.Done()
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := r.assets.Store(actx, task); err != nil {
			r.log.Warn().Err(err).Str("task", task.ID).Msg("store task assets")
		}
	}()
	return nil
}

// Fail marks the task failed with reason, persists it and wakes its
// waiters. Reasons naming a banned prompt count against the submitting
// user and client address.
func (r *Registry) Fail(ctx context.Context, id, reason string) error {
	reason = truncateRunes(reason, MaxFailReason)
	task, err := r.finish(id, func(t *models.Task, now time.Time) bool { return t.MarkFailure(reason, now) })
	if err != nil {
		return err
	}
	if err := r.store.SaveTask(ctx, &task); err != nil {
		return fmt.Errorf("jobs: fail %s: %w", id, err)
	}
	if IsBannedPrompt(reason) {
		r.countBan(ctx, task)
	}
	return nil
}

// Save persists the current state of a running task without finishing it.
func (r *Registry) Save(ctx context.Context, id string) error {
	task, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("jobs: save %s: not registered", id)
	}
	if err := r.store.SaveTask(ctx, &task); err != nil {
		return fmt.Errorf("jobs: save %s: %w", id, err)
	}
	return nil
}

// WaitAssets blocks until background asset downloads finish.
func (r *Registry) WaitAssets() {
	r.assetsWG.Wait()
}

// finish applies a terminal transition, removes the task from the running
// set and wakes its waiters.
func (r *Registry) finish(id string, mark func(t *models.Task, now time.Time) bool) (models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return models.Task{}, fmt.Errorf("jobs: finish %s: %w", id, ErrTerminal)
	}
	if !mark(e.task, r.now()) {
		return models.Task{}, fmt.Errorf("jobs: finish %s: %w", id, ErrTerminal)
	}
	close(e.wake)
	delete(r.entries, id)
	r.rememberLocked(e.task)
	return *e.task, nil
}

// FinishedWith returns the id of a finished task of accountID that carried
// value as the given identity.
func (r *Registry) FinishedWith(accountID string, kind Identity, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.finished[identityKey(accountID, kind, value)]
	return id, ok
}

func (r *Registry) rememberLocked(t *models.Task) {
	add := func(kind Identity, value string) {
		if value == "" {
			return
		}
		key := identityKey(t.AccountID, kind, value)
		if _, ok := r.finished[key]; !ok {
			r.finishedKeys = append(r.finishedKeys, key)
		}
		r.finished[key] = t.ID
	}
	add(IdentityNonce, t.Nonce)
	add(IdentityMessage, t.MessageID)
	for _, m := range t.MessageIDs {
		add(IdentityMessage, m)
	}
	add(IdentityInteraction, t.InteractionMetadataID)
	add(IdentityJob, t.JobID)

	for len(r.finishedKeys) > r.finishedCap {
		delete(r.finished, r.finishedKeys[0])
		r.finishedKeys = r.finishedKeys[1:]
	}
}

func identityKey(accountID string, kind Identity, value string) string {
	return accountID + "|" + string(kind) + "|" + value
}

func (r *Registry) countBan(ctx context.Context, t models.Task) {
	if r.coord == nil {
		return
	}
	for _, key := range []string{BanUserPrefix + t.UserID, BanIPPrefix + t.ClientIP} {
		if strings.HasSuffix(key, ":") {
			continue
		}
		n, err := r.coord.IncrWindow(ctx, key, r.banWindow)
		if err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("count banned prompt")
			continue
		}
		r.log.Info().Str("key", key).Int64("count", n).Msg("banned prompt counted")
	}
}

// IsBannedPrompt reports whether a failure reason names a banned prompt.
func IsBannedPrompt(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "banned prompt")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func sortBySubmit(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].SubmitTime.Equal(tasks[j].SubmitTime) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].SubmitTime.Before(tasks[j].SubmitTime)
	})
}
