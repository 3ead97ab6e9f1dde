package correlate

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/mjgate/internal/models"
)

func TestParseContent(t *testing.T) {
	tests := []struct {
		in       string
		prompt   string
		action   models.TaskAction
		index    int
		progress string
		waiting  bool
	}{
		{"**a red fox --v 6** - <@123> (Waiting to start)", "a red fox --v 6", models.ActionImagine, 0, "", true},
		{"**a red fox --v 6** - <@123> (42%) (fast)", "a red fox --v 6", models.ActionImagine, 0, "42%", false},
		{"**a red fox --v 6** - <@123> (fast)", "a red fox --v 6", models.ActionImagine, 0, "", false},
		{"**a red fox** - Image #3 <@123>", "a red fox", models.ActionUpscale, 3, "", false},
		{"**a red fox** - Upscaled (Subtle) by <@123> (fast)", "a red fox", models.ActionUpscaleHD, 0, "", false},
		{"**a red fox** - Variations (Strong) by <@123> (31%) (fast)", "a red fox", models.ActionVariation, 0, "31%", false},
		{"**a red fox** - Remix (Subtle) by <@123> (fast)", "a red fox", models.ActionVariation, 0, "", false},
		{"**a red fox** - Pan Left by <@123> (fast)", "a red fox", models.ActionPan, 0, "", false},
		{"**a red fox** - Zoom Out by <@123> (fast)", "a red fox", models.ActionZoom, 0, "", false},
		{"**a red fox** - Extended by <@123> (fast)", "a red fox", models.ActionVideo, 0, "", false},
	}
	for _, tt := range tests {
		c, ok := parseContent(tt.in)
		if !ok {
			t.Errorf("parseContent(%q) not ok", tt.in)
			continue
		}
		if c.Prompt != tt.prompt || c.Action != tt.action || c.Index != tt.index || c.Progress != tt.progress || c.Waiting != tt.waiting {
			t.Errorf("parseContent(%q) = %+v", tt.in, c)
		}
	}

	if _, ok := parseContent("Remix mode turned on"); ok {
		t.Error("plain text parsed as a prompt line")
	}
}

func TestCleanPrompt(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"A  red\tfox", "a red fox", true},
		{"a red fox --ar 16:9 --v 6", "a red fox", true},
		{"**a red fox** <@123>", "a red fox", true},
		{"a red fox", "a blue fox", false},
		{"https://x.com/a.png a fox", "<https://s.mj.run/abc> a fox", false},
	}
	for _, tt := range tests {
		if got := CleanPrompt(tt.a) == CleanPrompt(tt.b); got != tt.same {
			t.Errorf("CleanPrompt(%q) == CleanPrompt(%q): %v, want %v", tt.a, tt.b, got, tt.same)
		}
	}
}

func TestLinkPrompt(t *testing.T) {
	a := LinkPrompt("https://example.com/cat.png a fluffy cat --v 6")
	b := LinkPrompt("<https://s.mj.run/Zx9> a fluffy cat --v 6.1")
	if a != b {
		t.Errorf("LinkPrompt mismatch: %q vs %q", a, b)
	}
	if a != "<link> a fluffy cat" {
		t.Errorf("LinkPrompt = %q", a)
	}
}

func TestSeedOf(t *testing.T) {
	if got := seedOf("a fox --seed 1234 --v 6"); got != "1234" {
		t.Errorf("seedOf = %q", got)
	}
	if got := seedOf("a fox --v 6"); got != "" {
		t.Errorf("seedOf = %q, want empty", got)
	}
}

func TestJobIDOf(t *testing.T) {
	const id = "0f3a2b1c-4d5e-6f70-8192-a3b4c5d6e7f8"
	tests := []struct {
		name string
		msg  *discordgo.Message
		want string
	}{
		{"job url in embed", &discordgo.Message{
			Embeds:      []*discordgo.MessageEmbed{{URL: "https://www.midjourney.com/jobs/" + id}},
			Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn.example/other.png", Filename: "x_other.png"}},
		}, id},
		{"cdn url", &discordgo.Message{
			Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn.midjourney.com/" + id + "/0_0.png"}},
		}, id},
		{"file name uuid", &discordgo.Message{
			Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn.discordapp.com/attachments/1/2/f.png", Filename: "user_a_red_fox_" + id + ".png"}},
		}, id},
		{"file name fallback", &discordgo.Message{
			Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn.discordapp.com/attachments/1/2/f.png", Filename: "user_a_red_fox_abc123.png"}},
		}, "abc123"},
		{"nothing", &discordgo.Message{}, ""},
	}
	for _, tt := range tests {
		if got := jobIDOf(tt.msg); got != tt.want {
			t.Errorf("%s: jobIDOf = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMedia(t *testing.T) {
	msg := &discordgo.Message{Attachments: []*discordgo.MessageAttachment{
		{URL: "https://cdn/x.mp4", Filename: "x.mp4"},
		{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"},
	}}
	image, video := media(msg)
	if image != "https://cdn/x.png" || video != "https://cdn/x.mp4" {
		t.Errorf("media = %q, %q", image, video)
	}
}

func TestExtendButton(t *testing.T) {
	msg := &discordgo.Message{Components: []discordgo.MessageComponent{
		&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			&discordgo.Button{Label: "Upscale (Subtle)", CustomID: "MJ::JOB::upsample_v6_2x_subtle::1::h::SOLO"},
			&discordgo.Button{Label: "Extend (Low)", CustomID: "MJ::JOB::animate_low_extend::1::h::SOLO"},
			&discordgo.Button{Label: "Extend (High)", CustomID: "MJ::JOB::animate_high_extend::1::h::SOLO"},
		}},
	}}
	if b := extendButton(msg, "high"); b == nil || b.Label != "Extend (High)" {
		t.Errorf("extendButton(high) = %+v", b)
	}
	if b := extendButton(msg, "medium"); b == nil || b.Label != "Extend (Low)" {
		t.Errorf("extendButton(medium) fallback = %+v", b)
	}
	if b := extendButton(&discordgo.Message{}, "high"); b != nil {
		t.Errorf("extendButton on bare message = %+v", b)
	}
}

func TestIsVerification(t *testing.T) {
	if !isVerification("MJ::iframe::captcha", "") || !isVerification("x", "Verify you are human") {
		t.Error("verification modal not detected")
	}
	if isVerification("MJ::RemixModal::abc", "Remix Prompt") {
		t.Error("remix modal detected as verification")
	}
}
