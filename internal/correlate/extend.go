package correlate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/models"
)

// extendRequest is the second phase of an upscale that was submitted to be
// extended into a video.
type extendRequest struct {
	taskID  string
	target  string
	prompt  string
	nonce   string
	message *discordgo.Message
}

// extend clicks the extend action on the upscale, waits for the platform
// to open its prompt modal, and submits the continuation prompt.
func (c *Correlator) extend(ctx context.Context, req extendRequest) {
	log := c.log.With().Str("task", req.taskID).Str("target", req.target).Logger()

	btn := extendButton(req.message, req.target)
	if btn == nil {
		c.failExtend(ctx, req.taskID, fmt.Sprintf("video extend: no %q action on message %s", req.target, req.message.ID))
		return
	}
	if c.interactor == nil {
		c.failExtend(ctx, req.taskID, "video extend: interactions are not configured")
		return
	}
	if err := c.interactor.ClickButton(ctx, c.accountID, req.message.ID, btn.CustomID, req.nonce, int(req.message.Flags)); err != nil {
		c.failExtend(ctx, req.taskID, fmt.Sprintf("video extend: click %s: %v", btn.CustomID, err))
		return
	}
	log.Info().Str("custom_id", btn.CustomID).Msg("video extend requested")

	wctx, cancel := context.WithTimeout(ctx, c.extendTimeout)
	defer cancel()
	task, err := c.tasks.WaitFor(wctx, req.taskID, func(t models.Task) bool {
		return t.Props.ModalCustomID != "" && t.Props.ModalInteractionID != ""
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.failExtend(ctx, req.taskID, fmt.Sprintf("video extend: no prompt modal within %s", c.extendTimeout))
			return
		}
		c.failExtend(ctx, req.taskID, fmt.Sprintf("video extend: %v", err))
		return
	}

	nonce := models.NewNonce()
	if !c.tasks.Mutate(req.taskID, func(t *models.Task) { t.Nonce = nonce }) {
		return
	}
	if err := c.interactor.SubmitModal(ctx, c.accountID, task.Props.ModalInteractionID, task.Props.ModalCustomID, req.prompt, nonce); err != nil {
		c.failExtend(ctx, req.taskID, fmt.Sprintf("video extend: submit prompt: %v", err))
		return
	}
	if err := c.tasks.Save(ctx, req.taskID); err != nil {
		log.Warn().Err(err).Msg("persist extend submission")
	}
	log.Info().Msg("video extend prompt submitted")
}

func (c *Correlator) failExtend(ctx context.Context, id, reason string) {
	c.log.Warn().Str("task", id).Str("reason", reason).Msg("video extend failed")
	if err := c.tasks.Fail(ctx, id, reason); err != nil && !errors.Is(err, jobs.ErrTerminal) {
		c.log.Error().Err(err).Str("task", id).Msg("fail task")
	}
}

// extendButton finds the extend action for target, falling back to any
// extend action on the message.
func extendButton(msg *discordgo.Message, target string) *discordgo.Button {
	var fallback *discordgo.Button
	target = strings.ToLower(target)
	for _, b := range buttons(msg) {
		id := strings.ToLower(b.CustomID)
		if !strings.Contains(id, "extend") && !strings.Contains(strings.ToLower(b.Label), "extend") {
			continue
		}
		if target != "" && strings.Contains(id, target) {
			return b
		}
		if fallback == nil {
			fallback = b
		}
	}
	return fallback
}

func extendPrompt(t *models.Task) string {
	for _, p := range []string{t.Props.VideoExtendPrompt, t.PromptEn, t.Prompt} {
		if p != "" {
			return p
		}
	}
	return ""
}
