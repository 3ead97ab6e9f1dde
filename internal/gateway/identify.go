package gateway

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultUserAgent is used when an account has none configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// identifyCapabilities is the capability bitmask the web client announces.
const identifyCapabilities = 16381

const clientBuildNumber = 222963

var (
	chromeVersionRe  = regexp.MustCompile(`Chrome/([\d.]+)`)
	firefoxVersionRe = regexp.MustCompile(`Firefox/([\d.]+)`)
	windowsVersionRe = regexp.MustCompile(`Windows NT ([\d.]+)`)
)

type identifyData struct {
	Token        string              `json:"token"`
	Capabilities int                 `json:"capabilities"`
	Properties   identifyProperties  `json:"properties"`
	Presence     identifyPresence    `json:"presence"`
	Compress     bool                `json:"compress"`
	ClientState  identifyClientState `json:"client_state"`
}

type identifyProperties struct {
	OS                     string `json:"os"`
	Browser                string `json:"browser"`
	Device                 string `json:"device"`
	SystemLocale           string `json:"system_locale"`
	BrowserUserAgent       string `json:"browser_user_agent"`
	BrowserVersion         string `json:"browser_version"`
	OSVersion              string `json:"os_version"`
	Referrer               string `json:"referrer"`
	ReferringDomain        string `json:"referring_domain"`
	ReferrerCurrent        string `json:"referrer_current"`
	ReferringDomainCurrent string `json:"referring_domain_current"`
	ReleaseChannel         string `json:"release_channel"`
	ClientBuildNumber      int    `json:"client_build_number"`
	ClientEventSource      any    `json:"client_event_source"`
	ClientLaunchID         string `json:"client_launch_id"`
}

type identifyPresence struct {
	Status     string `json:"status"`
	Since      int    `json:"since"`
	Activities []any  `json:"activities"`
	AFK        bool   `json:"afk"`
}

type identifyClientState struct {
	GuildVersions            map[string]any `json:"guild_versions"`
	HighestLastMessageID     string         `json:"highest_last_message_id"`
	ReadStateVersion         int            `json:"read_state_version"`
	UserGuildSettingsVersion int            `json:"user_guild_settings_version"`
	PrivateChannelsVersion   string         `json:"private_channels_version"`
	APICodeVersion           int            `json:"api_code_version"`
}

// buildIdentify assembles the Identify payload for a user token.
func buildIdentify(token, userAgent string) identifyData {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	browser, version := browserOf(userAgent)
	osName, osVersion := osOf(userAgent)
	return identifyData{
		Token:        token,
		Capabilities: identifyCapabilities,
		Properties: identifyProperties{
			OS:                osName,
			Browser:           browser,
			SystemLocale:      "en-US",
			BrowserUserAgent:  userAgent,
			BrowserVersion:    version,
			OSVersion:         osVersion,
			ReleaseChannel:    "stable",
			ClientBuildNumber: clientBuildNumber,
			ClientLaunchID:    uuid.NewString(),
		},
		Presence: identifyPresence{
			Status:     "online",
			Activities: []any{},
		},
		Compress: false,
		ClientState: identifyClientState{
			GuildVersions:            map[string]any{},
			HighestLastMessageID:     "0",
			UserGuildSettingsVersion: -1,
			PrivateChannelsVersion:   "0",
		},
	}
}

func browserOf(ua string) (name, version string) {
	if m := firefoxVersionRe.FindStringSubmatch(ua); m != nil {
		return "Firefox", m[1]
	}
	if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
		return "Chrome", m[1]
	}
	return "Chrome", ""
}

func osOf(ua string) (name, version string) {
	switch {
	case strings.Contains(ua, "Windows"):
		if m := windowsVersionRe.FindStringSubmatch(ua); m != nil {
			v := m[1]
			if v == "10.0" {
				v = "10"
			}
			return "Windows", v
		}
		return "Windows", ""
	case strings.Contains(ua, "Mac OS X"):
		return "Mac OS X", ""
	case strings.Contains(ua, "Linux"):
		return "Linux", ""
	}
	return "Windows", "10"
}
