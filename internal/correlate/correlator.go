// Package correlate maps gateway messages to the tasks that caused them and
// applies the resulting status transitions and account side effects.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/dispatch"
	"github.com/zulandar/mjgate/internal/gateway"
	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/metrics"
	"github.com/zulandar/mjgate/internal/models"
)

// Dispatch event types the correlator consumes.
const (
	EventMessageCreate          = "MESSAGE_CREATE"
	EventMessageUpdate          = "MESSAGE_UPDATE"
	EventMessageDelete          = "MESSAGE_DELETE"
	EventInteractionCreate      = "INTERACTION_CREATE"
	EventInteractionSuccess     = "INTERACTION_SUCCESS"
	EventInteractionModal       = "INTERACTION_MODAL_CREATE"
	EventInteractionIframeModal = "INTERACTION_IFRAME_MODAL_CREATE"
)

const (
	defaultExtendTimeout = 5 * time.Minute
	defaultCaptchaWindow = 30 * time.Second
)

// Tasks is the running-task registry.
type Tasks interface {
	Find(pred func(t *models.Task) bool) []models.Task
	FindByNonce(nonce string) (models.Task, bool)
	Mutate(id string, fn func(t *models.Task)) bool
	Wake(id string)
	WaitFor(ctx context.Context, id string, cond func(t models.Task) bool) (models.Task, error)
	Save(ctx context.Context, id string) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
	FinishedWith(accountID string, kind jobs.Identity, value string) (string, bool)
}

// Accounts applies account-level side effects.
type Accounts interface {
	Disable(ctx context.Context, id, reason string) error
	Lock(ctx context.Context, id, reason, captchaURL string) error
	FastCreditsExhausted(ctx context.Context, id string) error
	SyncComponents(ctx context.Context, id string, comps []models.Component) error
	SetRemix(ctx context.Context, id string, on bool) error
	SetMode(ctx context.Context, id, mode string) error
	ApplyInfo(ctx context.Context, id, fastTimeRemaining string) error
}

// Interactor sends follow-up interactions on behalf of the account.
type Interactor interface {
	ClickButton(ctx context.Context, accountID, messageID, customID, nonce string, flags int) error
	SubmitModal(ctx context.Context, accountID, interactionID, customID, prompt, nonce string) error
}

// Verifier hands a human-verification challenge to an external workflow.
type Verifier interface {
	HandOff(ctx context.Context, accountID, verifyURL string) error
}

// Previewer stores an intermediate progress image.
type Previewer interface {
	Preview(ctx context.Context, t models.Task, imageURL string) error
}

// Opts holds parameters for creating a Correlator.
type Opts struct {
	Account  models.Account // channel layout of the account
	Tasks    Tasks
	Accounts Accounts

	Interactor Interactor // optional; required for video extension
	Verifier   Verifier   // optional
	Previewer  Previewer  // optional
	Debouncer  *coord.Debouncer

	ExtendTimeout  time.Duration
	CaptchaWindow  time.Duration
	UnmatchedLevel zerolog.Level
	Logger         zerolog.Logger
}

// Correlator handles the dispatch events of one account.
type Correlator struct {
	accountID string
	account   models.Account

	tasks      Tasks
	accounts   Accounts
	interactor Interactor
	verifier   Verifier
	previewer  Previewer
	debounce   *coord.Debouncer

	extendTimeout  time.Duration
	captchaWindow  time.Duration
	unmatchedLevel zerolog.Level
	log            zerolog.Logger
	now            func() time.Time

	bg sync.WaitGroup
}

// New creates a Correlator.
func New(opts Opts) (*Correlator, error) {
	if opts.Account.ID == "" {
		return nil, fmt.Errorf("correlate: account id is required")
	}
	if opts.Tasks == nil || opts.Accounts == nil {
		return nil, fmt.Errorf("correlate: tasks and accounts are required")
	}
	c := &Correlator{
		accountID:      opts.Account.ID,
		account:        opts.Account,
		tasks:          opts.Tasks,
		accounts:       opts.Accounts,
		interactor:     opts.Interactor,
		verifier:       opts.Verifier,
		previewer:      opts.Previewer,
		debounce:       opts.Debouncer,
		extendTimeout:  opts.ExtendTimeout,
		captchaWindow:  opts.CaptchaWindow,
		unmatchedLevel: opts.UnmatchedLevel,
		log:            opts.Logger,
		now:            time.Now,
	}
	if c.debounce == nil {
		c.debounce = coord.NewDebouncer()
	}
	if c.extendTimeout <= 0 {
		c.extendTimeout = defaultExtendTimeout
	}
	if c.captchaWindow <= 0 {
		c.captchaWindow = defaultCaptchaWindow
	}
	return c, nil
}

// Register installs the correlator's handlers on r.
func (c *Correlator) Register(r *dispatch.Router) {
	r.Handle(EventMessageCreate, c.onMessage)
	r.Handle(EventMessageUpdate, c.onMessage)
	r.Handle(EventMessageDelete, c.onMessageDelete)
	r.Handle(EventInteractionCreate, c.onInteraction)
	r.Handle(EventInteractionSuccess, c.onInteraction)
	r.Handle(EventInteractionModal, c.onModal)
	r.Handle(EventInteractionIframeModal, c.onIframeModal)
}

// Wait blocks until background work started by handlers has finished.
func (c *Correlator) Wait() {
	c.bg.Wait()
}

func (c *Correlator) onMessage(ctx context.Context, ev gateway.Event) error {
	msg, nonce, err := decodeMessage(ev.Data)
	if err != nil {
		return fmt.Errorf("correlate: decode %s: %w", ev.Type, err)
	}
	if !c.account.IsWatchedChannel(msg.ChannelID) {
		return nil
	}
	if c.account.PrivateChannelID != "" && msg.ChannelID == c.account.PrivateChannelID {
		c.handleSeed(ctx, msg)
		return nil
	}
	if c.handleControl(ctx, msg) {
		return nil
	}
	if c.handleEmbeds(ctx, msg, nonce) {
		return nil
	}
	c.handleJob(ctx, msg, nonce)
	return nil
}

func (c *Correlator) onMessageDelete(_ context.Context, ev gateway.Event) error {
	var d struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return fmt.Errorf("correlate: decode %s: %w", ev.Type, err)
	}
	if !c.account.IsWatchedChannel(d.ChannelID) {
		return nil
	}
	found := c.tasks.Find(func(t *models.Task) bool {
		return t.AccountID == c.accountID && t.HasMessage(d.ID)
	})
	if len(found) > 0 {
		c.log.Debug().Str("task", found[0].ID).Str("message", d.ID).Msg("progress message deleted")
	}
	return nil
}

// handleJob correlates a prompt-line message and applies progress or
// completion.
func (c *Correlator) handleJob(ctx context.Context, msg *discordgo.Message, nonce string) {
	ct, ok := parseContent(msg.Content)
	if !ok {
		if nonce != "" {
			c.trackByNonce(msg, nonce)
		}
		return
	}
	image, video := media(msg)
	completion := !ct.InProgress() && (image != "" || video != "")
	if !completion && !ct.InProgress() {
		return
	}

	obs := observation{
		Nonce:     nonce,
		MessageID: msg.ID,
		JobID:     jobIDOf(msg),
		Prompt:    ct.Prompt,
		Action:    ct.Action,
		Index:     ct.Index,
	}
	if msg.InteractionMetadata != nil {
		obs.InteractionID = msg.InteractionMetadata.ID
	}
	// Progress previews are named after the grid, not the job.
	if !completion && !uuidRe.MatchString(obs.JobID) {
		obs.JobID = ""
	}

	task, tier, ok := c.match(obs)
	if !ok && tier == TierFinished {
		return
	}
	if !ok {
		metrics.CorrelationUnmatched.Inc()
		c.log.WithLevel(c.unmatchedLevel).Str("message", msg.ID).Str("action", string(ct.Action)).
			Bool("completion", completion).Msg("no running task matched")
		return
	}
	c.log.Debug().Str("task", task.ID).Str("tier", tier.String()).Bool("completion", completion).Msg("correlated")

	if completion {
		c.complete(ctx, task.ID, msg, ct, obs, image, video)
		return
	}
	c.progress(ctx, task.ID, msg, ct, obs, image)
}

// trackByNonce records the message id on the task that sent nonce.
func (c *Correlator) trackByNonce(msg *discordgo.Message, nonce string) {
	task, ok := c.tasks.FindByNonce(nonce)
	if !ok || task.AccountID != c.accountID {
		return
	}
	c.tasks.Mutate(task.ID, func(t *models.Task) { t.TrackMessage(msg.ID) })
}

func (c *Correlator) progress(ctx context.Context, id string, msg *discordgo.Message, ct content, obs observation, image string) {
	var snapshot models.Task
	applied := c.tasks.Mutate(id, func(t *models.Task) {
		c.record(t, msg, ct, obs)
		t.MarkInProgress(ct.Progress, c.now())
		if image != "" {
			t.ImageURL = image
		}
		snapshot = *t
	})
	if !applied {
		return
	}
	if image != "" && c.previewer != nil {
		if err := c.previewer.Preview(ctx, snapshot, image); err != nil {
			c.log.Warn().Err(err).Str("task", id).Msg("store progress image")
		}
	}
	if err := c.tasks.Save(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("task", id).Msg("persist progress")
	}
	c.tasks.Wake(id)
}

func (c *Correlator) complete(ctx context.Context, id string, msg *discordgo.Message, ct content, obs observation, image, video string) {
	var extend *extendRequest
	applied := c.tasks.Mutate(id, func(t *models.Task) {
		c.record(t, msg, ct, obs)
		if image != "" {
			t.ImageURL = image
		}
		if video != "" {
			t.VideoURL = video
		}
		if t.Action == models.ActionUpscale && t.Props.VideoExtendTarget != "" {
			extend = &extendRequest{
				taskID:  t.ID,
				target:  t.Props.VideoExtendTarget,
				prompt:  extendPrompt(t),
				nonce:   models.NewNonce(),
				message: msg,
			}
			t.Rearm(extend.nonce)
			t.Action = models.ActionVideo
			t.Props.VideoExtendTarget = ""
			t.Props.ModalCustomID = ""
			t.Props.ModalInteractionID = ""
		}
	})
	if !applied {
		return
	}
	if extend != nil {
		if err := c.tasks.Save(ctx, id); err != nil {
			c.log.Warn().Err(err).Str("task", id).Msg("persist re-armed task")
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.extend(ctx, *extend)
		}()
		return
	}
	if err := c.tasks.Succeed(ctx, id); err != nil && !errors.Is(err, jobs.ErrTerminal) {
		c.log.Error().Err(err).Str("task", id).Msg("finish task")
	}
}

// record copies correlation keys from msg onto t.
func (c *Correlator) record(t *models.Task, msg *discordgo.Message, ct content, obs observation) {
	t.TrackMessage(msg.ID)
	if obs.JobID != "" {
		t.JobID = obs.JobID
	}
	if obs.InteractionID != "" && t.InteractionMetadataID == "" {
		t.InteractionMetadataID = obs.InteractionID
	}
	if t.PromptFull == "" {
		t.PromptFull = ct.Prompt
	}
	if t.Seed == "" {
		t.Seed = seedOf(ct.Prompt)
	}
	t.Props.MessageFlags = int(msg.Flags)
}

func (c *Correlator) onInteraction(_ context.Context, ev gateway.Event) error {
	d, err := decodeInteraction(ev.Data)
	if err != nil {
		return fmt.Errorf("correlate: decode %s: %w", ev.Type, err)
	}
	task, ok := c.tasks.FindByNonce(d.Nonce)
	if !ok || task.AccountID != c.accountID {
		return nil
	}
	c.tasks.Mutate(task.ID, func(t *models.Task) { t.InteractionMetadataID = d.ID })
	c.tasks.Wake(task.ID)
	return nil
}

func (c *Correlator) onModal(_ context.Context, ev gateway.Event) error {
	d, err := decodeInteraction(ev.Data)
	if err != nil {
		return fmt.Errorf("correlate: decode %s: %w", ev.Type, err)
	}
	c.recordModal(d)
	return nil
}

func (c *Correlator) onIframeModal(ctx context.Context, ev gateway.Event) error {
	d, err := decodeInteraction(ev.Data)
	if err != nil {
		return fmt.Errorf("correlate: decode %s: %w", ev.Type, err)
	}
	if isVerification(d.CustomID, d.Title) {
		c.challenge(ctx, d)
		return nil
	}
	c.recordModal(d)
	return nil
}

func (c *Correlator) recordModal(d interaction) {
	task, ok := c.tasks.FindByNonce(d.Nonce)
	if !ok || task.AccountID != c.accountID {
		return
	}
	c.tasks.Mutate(task.ID, func(t *models.Task) {
		t.Props.ModalCustomID = d.CustomID
		t.Props.ModalInteractionID = d.ID
	})
	c.tasks.Wake(task.ID)
}

type interaction struct {
	ID            string `json:"id"`
	Nonce         string `json:"nonce"`
	CustomID      string `json:"custom_id"`
	Title         string `json:"title"`
	ApplicationID string `json:"application_id"`
	ChannelID     string `json:"channel_id"`
}

func decodeInteraction(data []byte) (interaction, error) {
	var d interaction
	err := json.Unmarshal(data, &d)
	return d, err
}

// decodeMessage decodes a message payload and its nonce, which the
// library's Message type does not carry.
func decodeMessage(data []byte) (*discordgo.Message, string, error) {
	var msg discordgo.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, "", err
	}
	var extra struct {
		Nonce json.RawMessage `json:"nonce"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, "", err
	}
	nonce := strings.Trim(string(extra.Nonce), `"`)
	if nonce == "null" {
		nonce = ""
	}
	return &msg, nonce, nil
}
