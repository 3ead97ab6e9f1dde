package correlate

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/mjgate/internal/models"
)

// content is what the vendor's "**prompt** - suffix" message line tells us.
type content struct {
	Prompt   string
	Action   models.TaskAction
	Index    int    // upscale sub-image, 1-based
	Progress string // "42%", empty when absent
	Waiting  bool
}

var (
	contentRe   = regexp.MustCompile(`(?s)^\*\*(.*)\*\*\s+-\s+(.*)$`)
	progressRe  = regexp.MustCompile(`\((\d{1,3})%\)`)
	upscaleRe   = regexp.MustCompile(`(?i)\bImage #(\d)`)
	upscaleHDRe = regexp.MustCompile(`(?i)\bUpscaled(?:\s*\([^)]*\))?\s+by\b`)
	varyRe      = regexp.MustCompile(`(?i)\b(?:Variations|Remix)\s*(?:\([^)]*\))?\s*by\b`)
	panRe       = regexp.MustCompile(`(?i)\bPan (?:Left|Right|Up|Down)\b`)
	zoomRe      = regexp.MustCompile(`(?i)\bZoom Out\b`)
	videoRe     = regexp.MustCompile(`(?i)\b(?:Animate|Extended)\b`)
	seedFlagRe  = regexp.MustCompile(`(?i)(?:^|\s)--seed\s+(\d+)`)
	flagStartRe = regexp.MustCompile(`(?:^|\s)--[a-zA-Z]`)
	mentionRe   = regexp.MustCompile(`<[@#][!&]?\d+>`)
	urlRe       = regexp.MustCompile(`<?https?://[^\s>]+>?`)
	spaceRe     = regexp.MustCompile(`\s+`)
	uuidRe      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	jobURLRe    = regexp.MustCompile(`https?://(?:www\.)?midjourney\.com/jobs/([0-9a-fA-F-]{36})`)
)

// linkToken replaces every URL when comparing prompts at the last tier.
const linkToken = "<link>"

// parseContent splits a vendor message line. ok is false for messages that
// do not follow the prompt line format.
func parseContent(s string) (content, bool) {
	m := contentRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return content{}, false
	}
	c := content{Prompt: strings.TrimSpace(m[1]), Action: models.ActionImagine}
	suffix := m[2]

	if p := progressRe.FindStringSubmatch(suffix); p != nil {
		c.Progress = p[1] + "%"
	}
	c.Waiting = strings.Contains(suffix, "(Waiting to start)")

	switch {
	case upscaleRe.MatchString(suffix):
		c.Action = models.ActionUpscale
		c.Index, _ = strconv.Atoi(upscaleRe.FindStringSubmatch(suffix)[1])
	case upscaleHDRe.MatchString(suffix):
		c.Action = models.ActionUpscaleHD
	case varyRe.MatchString(suffix):
		c.Action = models.ActionVariation
	case panRe.MatchString(suffix):
		c.Action = models.ActionPan
	case zoomRe.MatchString(suffix):
		c.Action = models.ActionZoom
	case videoRe.MatchString(suffix):
		c.Action = models.ActionVideo
	}
	return c, true
}

// InProgress reports whether the line describes an unfinished job.
func (c content) InProgress() bool {
	return c.Waiting || c.Progress != ""
}

// actionsFor lists the task actions a message of action a can complete.
func actionsFor(a models.TaskAction) []models.TaskAction {
	switch a {
	case models.ActionImagine:
		return []models.TaskAction{models.ActionImagine, models.ActionReroll, models.ActionBlend}
	case models.ActionVariation:
		return []models.TaskAction{models.ActionVariation, models.ActionReroll}
	case models.ActionVideo:
		return []models.TaskAction{models.ActionVideo}
	default:
		return []models.TaskAction{a}
	}
}

// CleanPrompt canonicalizes a prompt for equality: parameters after the
// first "--flag", mentions and markdown emphasis are dropped, whitespace is
// collapsed and case folded.
func CleanPrompt(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	if loc := flagStartRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	s = mentionRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// LinkPrompt is CleanPrompt with every URL, bracketed or not, replaced by
// a placeholder.
func LinkPrompt(s string) string {
	return CleanPrompt(urlRe.ReplaceAllString(s, linkToken))
}

// seedOf returns the value of an explicit --seed parameter.
func seedOf(prompt string) string {
	if m := seedFlagRe.FindStringSubmatch(prompt); m != nil {
		return m[1]
	}
	return ""
}

// jobIDFromURL extracts the job UUID from a canonical job URL, a CDN URL
// or an attachment file name.
func jobIDFromURL(u string) string {
	if m := jobURLRe.FindStringSubmatch(u); m != nil {
		return strings.ToLower(m[1])
	}
	if id := uuidRe.FindString(u); id != "" {
		return strings.ToLower(id)
	}
	return ""
}

// jobIDFromFilename falls back to the last underscore-separated segment
// of an attachment name, without extension.
func jobIDFromFilename(name string) string {
	if id := uuidRe.FindString(name); id != "" {
		return strings.ToLower(id)
	}
	base := strings.TrimSuffix(name, path.Ext(name))
	if i := strings.LastIndex(base, "_"); i >= 0 && i < len(base)-1 {
		return base[i+1:]
	}
	return ""
}

// jobIDOf derives the job id a message refers to. The canonical job URL
// wins over attachment-derived ids.
func jobIDOf(m *discordgo.Message) string {
	for _, e := range m.Embeds {
		if mm := jobURLRe.FindStringSubmatch(e.URL); mm != nil {
			return strings.ToLower(mm[1])
		}
	}
	if mm := jobURLRe.FindStringSubmatch(m.Content); mm != nil {
		return strings.ToLower(mm[1])
	}
	if len(m.Attachments) > 0 {
		a := m.Attachments[0]
		if id := jobIDFromURL(a.URL); id != "" {
			return id
		}
		return jobIDFromFilename(a.Filename)
	}
	return ""
}

// media returns the first image and video locations carried by a message.
func media(m *discordgo.Message) (image, video string) {
	for _, a := range m.Attachments {
		if isVideo(a.ContentType, a.Filename) {
			if video == "" {
				video = a.URL
			}
			continue
		}
		if image == "" {
			image = a.URL
		}
	}
	for _, e := range m.Embeds {
		if image == "" && e.Image != nil {
			image = e.Image.URL
		}
		if video == "" && e.Video != nil {
			video = e.Video.URL
		}
	}
	return image, video
}

func isVideo(contentType, name string) bool {
	if strings.HasPrefix(contentType, "video/") {
		return true
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".webm", ".mov":
		return true
	}
	return false
}

// buttons flattens the message's action rows.
func buttons(m *discordgo.Message) []*discordgo.Button {
	var out []*discordgo.Button
	for _, c := range m.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			if b, ok := c.(*discordgo.Button); ok {
				out = append(out, b)
			}
			continue
		}
		for _, inner := range row.Components {
			if b, ok := inner.(*discordgo.Button); ok {
				out = append(out, b)
			}
		}
	}
	return out
}
