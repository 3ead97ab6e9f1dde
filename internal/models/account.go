package models

import "time"

// Speed modes reported by the vendor's settings panel.
const (
	ModeFast  = "fast"
	ModeRelax = "relax"
	ModeTurbo = "turbo"
)

// Button styles the vendor uses to mark a settings toggle as active.
const (
	StyleSecondary = 2
	StyleSuccess   = 3
)

// Account is a chat-platform user account that holds one gateway
// connection. Only one live connection may exist per Account across the
// whole deployment.
type Account struct {
	ID               string            `gorm:"primaryKey;size:64"`
	Name             string            `gorm:"size:128"`
	GuildID          string            `gorm:"size:32"`
	ChannelID        string            `gorm:"size:32;index"`
	PrivateChannelID string            `gorm:"size:32"`                 // seed / DM channel
	SubChannels      map[string]string `gorm:"serializer:json;type:text"` // channel ID -> guild ID
	UserToken        string            `gorm:"size:256;not null"`
	UserAgent        string            `gorm:"size:512"`

	Enabled        bool   `gorm:"index"`
	Locked         bool   `gorm:"default:false"`
	LockReason     string `gorm:"size:256"`
	DisabledReason string `gorm:"size:512"`
	CaptchaURL     string `gorm:"size:1024"`
	Connecting     bool   `gorm:"default:false"`

	Components        []Component `gorm:"serializer:json;type:text"`
	Mode              string      `gorm:"size:16"`
	RemixOn           bool
	AutoRelax         bool
	FastExhausted     bool
	FastTimeRemaining string `gorm:"size:64"`
	AvailableTasks    int
	RelaxedAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Component is one button captured from the vendor's settings panel.
type Component struct {
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
	Style    int    `json:"style"`
	Emoji    string `json:"emoji,omitempty"`
}

// IsWatchedChannel reports whether events from channelID belong to this
// account: the main channel, the private seed channel, or a sub-channel.
func (a *Account) IsWatchedChannel(channelID string) bool {
	if channelID == "" {
		return false
	}
	if channelID == a.ChannelID || channelID == a.PrivateChannelID {
		return true
	}
	_, ok := a.SubChannels[channelID]
	return ok
}

// SetComponentStyle sets the style of the component whose label matches.
// It reports whether anything changed.
func (a *Account) SetComponentStyle(label string, style int) bool {
	for i := range a.Components {
		if a.Components[i].Label != label {
			continue
		}
		if a.Components[i].Style == style {
			return false
		}
		a.Components[i].Style = style
		return true
	}
	return false
}

// ActiveComponent reports whether the labelled toggle is currently on.
func (a *Account) ActiveComponent(label string) bool {
	for _, c := range a.Components {
		if c.Label == label {
			return c.Style == StyleSuccess
		}
	}
	return false
}
