package correlate

import (
	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/metrics"
	"github.com/zulandar/mjgate/internal/models"
)

// Tier identifies which rule of the fallback chain matched.
type Tier int

const (
	TierNone Tier = iota
	TierNonce
	TierMessageID
	TierInteraction
	TierJobID
	TierSeedPrompt
	TierPrompt
	TierLinkPrompt

	// TierFinished means an exact identity points at a task that already
	// finished; the event is a late repeat and must not match anything else.
	TierFinished
)

func (t Tier) String() string {
	switch t {
	case TierNonce:
		return "nonce"
	case TierMessageID:
		return "message_id"
	case TierInteraction:
		return "interaction"
	case TierJobID:
		return "job_id"
	case TierSeedPrompt:
		return "seed_prompt"
	case TierPrompt:
		return "prompt"
	case TierLinkPrompt:
		return "link_prompt"
	case TierFinished:
		return "finished"
	default:
		return "none"
	}
}

// observation is what a gateway message lets us correlate on.
type observation struct {
	Nonce         string
	MessageID     string
	InteractionID string
	JobID         string
	Prompt        string
	Action        models.TaskAction
	Index         int
}

// match runs the fallback chain and returns the earliest-submitted running
// task at the first tier that yields any candidate. When an exact identity
// belongs to a finished task the chain stops with TierFinished and no match.
func (c *Correlator) match(obs observation) (models.Task, Tier, bool) {
	actions := actionsFor(obs.Action)
	inScope := func(t *models.Task) bool {
		if t.AccountID != c.accountID {
			return false
		}
		if obs.Action == models.ActionUpscale && obs.Index > 0 && t.Index != obs.Index {
			return false
		}
		for _, a := range actions {
			if t.Action == a {
				return true
			}
		}
		return false
	}

	type rule struct {
		tier     Tier
		ok       bool
		pred     func(t *models.Task) bool
		identity jobs.Identity
		value    string
	}
	seed := seedOf(obs.Prompt)
	clean := CleanPrompt(obs.Prompt)
	link := LinkPrompt(obs.Prompt)
	rules := []rule{
		{tier: TierNonce, ok: obs.Nonce != "", identity: jobs.IdentityNonce, value: obs.Nonce,
			pred: func(t *models.Task) bool { return t.Nonce == obs.Nonce }},
		{tier: TierMessageID, ok: obs.MessageID != "", identity: jobs.IdentityMessage, value: obs.MessageID,
			pred: func(t *models.Task) bool { return t.HasMessage(obs.MessageID) }},
		{tier: TierInteraction, ok: obs.InteractionID != "", identity: jobs.IdentityInteraction, value: obs.InteractionID,
			pred: func(t *models.Task) bool { return t.InteractionMetadataID == obs.InteractionID }},
		{tier: TierJobID, ok: obs.JobID != "", identity: jobs.IdentityJob, value: obs.JobID,
			pred: func(t *models.Task) bool { return t.JobID == obs.JobID }},
		{tier: TierSeedPrompt, ok: seed != "" && clean != "", pred: func(t *models.Task) bool {
			return taskSeed(t) == seed && anyPrompt(t, CleanPrompt, clean)
		}},
		{tier: TierPrompt, ok: clean != "", pred: func(t *models.Task) bool { return anyPrompt(t, CleanPrompt, clean) }},
		{tier: TierLinkPrompt, ok: link != "", pred: func(t *models.Task) bool { return anyPrompt(t, LinkPrompt, link) }},
	}

	for _, r := range rules {
		if !r.ok {
			continue
		}
		found := c.tasks.Find(func(t *models.Task) bool {
			// Nonces are unique per request and not scoped by action.
			if r.tier == TierNonce {
				return t.AccountID == c.accountID && r.pred(t)
			}
			return inScope(t) && r.pred(t)
		})
		if len(found) == 0 {
			if r.identity != "" {
				if id, done := c.tasks.FinishedWith(c.accountID, r.identity, r.value); done {
					c.log.Debug().Str("tier", r.tier.String()).Str("task", id).Msg("event repeats a finished task")
					return models.Task{}, TierFinished, false
				}
			}
			continue
		}
		if len(found) > 1 {
			ids := make([]string, 0, len(found))
			for _, t := range found {
				ids = append(ids, t.ID)
			}
			c.log.Warn().Str("tier", r.tier.String()).Strs("candidates", ids).
				Str("chosen", found[0].ID).Msg("ambiguous correlation, choosing earliest submitted")
		}
		metrics.CorrelationMatches.WithLabelValues(r.tier.String()).Inc()
		return found[0], r.tier, true
	}
	return models.Task{}, TierNone, false
}

// taskPrompts lists the prompt forms a task is known by.
func taskPrompts(t *models.Task) []string {
	var out []string
	for _, p := range []string{t.PromptFull, t.PromptEn, t.Prompt} {
		if p != "" {
			out = append(out, p)
		}
	}
	if p, ok := t.Props.Get(models.PropFinalPrompt); ok && p != "" {
		out = append(out, p)
	}
	return out
}

func anyPrompt(t *models.Task, norm func(string) string, want string) bool {
	for _, p := range taskPrompts(t) {
		if norm(p) == want {
			return true
		}
	}
	return false
}

func taskSeed(t *models.Task) string {
	if t.Seed != "" {
		return t.Seed
	}
	for _, p := range taskPrompts(t) {
		if s := seedOf(p); s != "" {
			return s
		}
	}
	return ""
}
