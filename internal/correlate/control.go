package correlate

import (
	"context"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/mjgate/internal/account"
	"github.com/zulandar/mjgate/internal/models"
)

// errorColor is the embed color the vendor uses for failed jobs.
const errorColor = 16711680

var (
	remixRe      = regexp.MustCompile(`(?i)remix mode (?:has been |is now |turned )?(on|off|enabled|disabled)`)
	modeSwitchRe = regexp.MustCompile(`(?i)(?:switched to|now (?:in|using)|you are now in) (fast|relax|turbo) mode`)
	infoRe       = regexp.MustCompile(`(?i)Fast Time Remaining\**\s*:\s*([^\n]+)`)
	jobLabelRe   = regexp.MustCompile(`(?i)\*\*Job ID\*\*\s*:?\s*([0-9a-fA-F-]{36})`)
	seedLabelRe  = regexp.MustCompile(`(?i)\*\*seed\*\*\s*:?\s*(\d+)`)
)

// Title fragments of business-outcome embeds, lower case.
var (
	disableTitles = []string{
		"plan cancelled", "plan canceled", "blocked",
		"subscription required", "subscription paused", "subscription is paused",
	}
	failTitles = []string{
		"invalid prompt", "invalid parameter", "banned prompt", "invalid link",
		"filtered", "unrecognized parameter", "job action restricted",
	}
)

// handleControl applies settings-panel and mode messages. It reports
// whether msg was one.
func (c *Correlator) handleControl(ctx context.Context, msg *discordgo.Message) bool {
	if comps, ok := settingsPanel(msg); ok {
		if err := c.accounts.SyncComponents(ctx, c.accountID, comps); err != nil {
			c.log.Warn().Err(err).Msg("sync settings")
		}
		return true
	}
	if _, isJob := parseContent(msg.Content); isJob {
		return false
	}

	text := messageText(msg)
	if m := remixRe.FindStringSubmatch(text); m != nil {
		on := strings.EqualFold(m[1], "on") || strings.EqualFold(m[1], "enabled")
		if err := c.accounts.SetRemix(ctx, c.accountID, on); err != nil {
			c.log.Warn().Err(err).Msg("record remix mode")
		}
		return true
	}
	if m := modeSwitchRe.FindStringSubmatch(text); m != nil {
		if err := c.accounts.SetMode(ctx, c.accountID, strings.ToLower(m[1])); err != nil {
			c.log.Warn().Err(err).Msg("record speed mode")
		}
		return true
	}
	for _, e := range msg.Embeds {
		if !strings.Contains(strings.ToLower(e.Title), "your info") {
			continue
		}
		if m := infoRe.FindStringSubmatch(e.Description); m != nil {
			if err := c.accounts.ApplyInfo(ctx, c.accountID, strings.TrimSpace(m[1])); err != nil {
				c.log.Warn().Err(err).Msg("record account info")
			}
		}
		return true
	}
	return false
}

// settingsPanel extracts the toggles of a settings reply. A message counts
// as one when it carries at least two speed-mode buttons.
func settingsPanel(msg *discordgo.Message) ([]models.Component, bool) {
	bs := buttons(msg)
	modes := 0
	comps := make([]models.Component, 0, len(bs))
	for _, b := range bs {
		switch b.Label {
		case account.LabelFast, account.LabelRelax, account.LabelTurbo:
			modes++
		}
		comp := models.Component{Label: b.Label, CustomID: b.CustomID, Style: int(b.Style)}
		if b.Emoji != nil {
			comp.Emoji = b.Emoji.Name
		}
		comps = append(comps, comp)
	}
	return comps, modes >= 2
}

// handleEmbeds applies title-keyed business outcomes. It reports whether
// msg carried one.
func (c *Correlator) handleEmbeds(ctx context.Context, msg *discordgo.Message, nonce string) bool {
	for _, e := range msg.Embeds {
		title := strings.ToLower(e.Title)
		switch {
		case strings.Contains(title, "credits exhausted"):
			c.log.Warn().Str("title", e.Title).Msg("fast credits exhausted")
			if err := c.accounts.FastCreditsExhausted(ctx, c.accountID); err != nil {
				c.log.Warn().Err(err).Msg("record exhausted credits")
			}
			return true

		case containsAny(title, disableTitles):
			reason := embedReason(e)
			if err := c.accounts.Disable(ctx, c.accountID, reason); err != nil {
				c.log.Error().Err(err).Msg("disable account")
			}
			return true

		case strings.Contains(title, "queue full"):
			if task, ok := c.resolve(msg, nonce); ok {
				c.tasks.Mutate(task.ID, func(t *models.Task) { t.Description = e.Description })
				if err := c.tasks.Save(ctx, task.ID); err != nil {
					c.log.Warn().Err(err).Str("task", task.ID).Msg("persist queue notice")
				}
			}
			return true

		case containsAny(title, failTitles) || e.Color == errorColor:
			task, ok := c.resolve(msg, nonce)
			if !ok {
				c.log.Warn().Str("title", e.Title).Msg("error embed without a matching task")
				return true
			}
			if err := c.tasks.Fail(ctx, task.ID, embedReason(e)); err != nil {
				c.log.Debug().Err(err).Str("task", task.ID).Msg("fail task")
			}
			return true
		}
	}
	return false
}

// resolve finds the task an embed reply belongs to: by nonce, by the
// interaction that triggered it, or by the message it replies to.
func (c *Correlator) resolve(msg *discordgo.Message, nonce string) (models.Task, bool) {
	if nonce != "" {
		if t, ok := c.tasks.FindByNonce(nonce); ok && t.AccountID == c.accountID {
			return t, true
		}
	}
	var preds []func(t *models.Task) bool
	if im := msg.InteractionMetadata; im != nil && im.ID != "" {
		preds = append(preds, func(t *models.Task) bool { return t.InteractionMetadataID == im.ID })
	}
	if ref := msg.MessageReference; ref != nil && ref.MessageID != "" {
		preds = append(preds, func(t *models.Task) bool { return t.HasMessage(ref.MessageID) })
	}
	preds = append(preds, func(t *models.Task) bool { return t.HasMessage(msg.ID) })

	for _, pred := range preds {
		found := c.tasks.Find(func(t *models.Task) bool { return t.AccountID == c.accountID && pred(t) })
		if len(found) > 0 {
			return found[0], true
		}
	}
	return models.Task{}, false
}

// handleSeed attaches a seed reply from the private channel to its task.
func (c *Correlator) handleSeed(ctx context.Context, msg *discordgo.Message) {
	text := messageText(msg)
	m := seedLabelRe.FindStringSubmatch(text)
	if m == nil {
		return
	}
	seed := m[1]

	var jobID string
	if jm := jobLabelRe.FindStringSubmatch(text); jm != nil {
		jobID = strings.ToLower(jm[1])
	} else if len(msg.Attachments) > 0 {
		jobID = jobIDFromURL(msg.Attachments[0].URL)
		if jobID == "" {
			jobID = jobIDFromFilename(msg.Attachments[0].Filename)
		}
	}
	if jobID == "" {
		return
	}

	found := c.tasks.Find(func(t *models.Task) bool { return t.AccountID == c.accountID && t.JobID == jobID })
	if len(found) == 0 {
		c.log.Debug().Str("job", jobID).Msg("seed for unknown job")
		return
	}
	id := found[0].ID
	c.tasks.Mutate(id, func(t *models.Task) {
		t.Seed = seed
		t.Props.SeedMessageID = msg.ID
	})
	if err := c.tasks.Save(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("task", id).Msg("persist seed")
	}
	c.tasks.Wake(id)
}

// messageText joins the content and embed text of msg.
func messageText(msg *discordgo.Message) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, e := range msg.Embeds {
		b.WriteString("\n")
		b.WriteString(e.Title)
		b.WriteString("\n")
		b.WriteString(e.Description)
	}
	return b.String()
}

func embedReason(e *discordgo.MessageEmbed) string {
	if e.Description == "" {
		return e.Title
	}
	return e.Title + ": " + e.Description
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
