package models

import (
	"strconv"
	"sync/atomic"
	"time"
)

// TaskAction is the kind of generation or transformation a task requests.
type TaskAction string

const (
	ActionImagine   TaskAction = "imagine"
	ActionUpscale   TaskAction = "upscale"
	ActionUpscaleHD TaskAction = "upscale_hd"
	ActionVariation TaskAction = "variation"
	ActionReroll    TaskAction = "reroll"
	ActionPan       TaskAction = "pan"
	ActionZoom      TaskAction = "zoom"
	ActionVideo     TaskAction = "video"
	ActionDescribe  TaskAction = "describe"
	ActionBlend     TaskAction = "blend"
)

// TaskStatus moves forward only: submitted -> in_progress -> success|failure.
type TaskStatus string

const (
	StatusSubmitted  TaskStatus = "submitted"
	StatusInProgress TaskStatus = "in_progress"
	StatusSuccess    TaskStatus = "success"
	StatusFailure    TaskStatus = "failure"
)

// Task is one job submitted by the job-submission layer. This service only
// advances its status and fills in fields observed on the gateway.
type Task struct {
	ID                    string     `gorm:"primaryKey;size:64"`
	AccountID             string     `gorm:"size:64;index"`
	Action                TaskAction `gorm:"size:16;index"`
	Status                TaskStatus `gorm:"size:16;default:submitted;index"`
	Nonce                 string     `gorm:"size:64;index"`
	MessageID             string     `gorm:"size:32;index"`
	MessageIDs            []string   `gorm:"serializer:json;type:text"`
	InteractionMetadataID string     `gorm:"size:32"`
	JobID                 string     `gorm:"size:64;index"`
	Index                 int        // sub-image index for upscale / vary / pan
	Prompt                string     `gorm:"type:text"`
	PromptEn              string     `gorm:"type:text"`
	PromptFull            string     `gorm:"type:text"`
	Seed                  string     `gorm:"size:32"`
	Progress              string     `gorm:"size:16"`
	ImageURL              string     `gorm:"size:1024"`
	VideoURL              string     `gorm:"size:1024"`
	Description           string     `gorm:"type:text"`
	FailReason            string     `gorm:"type:text"`
	UserID                string     `gorm:"size:64"`
	ClientIP              string     `gorm:"size:64"`
	Props                 TaskProps  `gorm:"serializer:json;type:text"`
	SubmitTime            time.Time  `gorm:"index"`
	StartTime             *time.Time
	FinishTime            *time.Time
}

// IsTerminal reports whether the task reached success or failure.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailure
}

// TrackMessage records a message id seen for this task.
func (t *Task) TrackMessage(id string) {
	if id == "" {
		return
	}
	t.MessageID = id
	for _, existing := range t.MessageIDs {
		if existing == id {
			return
		}
	}
	t.MessageIDs = append(t.MessageIDs, id)
}

// HasMessage reports whether id is one of the task's tracked messages.
func (t *Task) HasMessage(id string) bool {
	if id == "" {
		return false
	}
	if t.MessageID == id {
		return true
	}
	for _, existing := range t.MessageIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// MarkInProgress moves a submitted task to in_progress and records the
// progress string. Terminal tasks are left untouched.
func (t *Task) MarkInProgress(progress string, now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	if t.Status != StatusInProgress {
		t.Status = StatusInProgress
		if t.StartTime == nil {
			t.StartTime = &now
		}
	}
	if progress != "" {
		t.Progress = progress
	}
	return true
}

// MarkSuccess finalizes the task. It returns false if already terminal.
func (t *Task) MarkSuccess(now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	t.Status = StatusSuccess
	t.Progress = "100%"
	t.FinishTime = &now
	return true
}

// MarkFailure finalizes the task with reason. It returns false if already
// terminal.
func (t *Task) MarkFailure(reason string, now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	t.Status = StatusFailure
	t.FailReason = reason
	t.FinishTime = &now
	return true
}

// Rearm puts a non-terminal task back to submitted under a new nonce for a
// chained follow-up interaction.
func (t *Task) Rearm(nonce string) bool {
	if t.IsTerminal() {
		return false
	}
	t.Nonce = nonce
	t.Status = StatusSubmitted
	t.Progress = ""
	return true
}

// PropKey names an entry in TaskProps.Extra.
type PropKey string

// Known extra keys written by the job-submission layer.
const (
	PropBotType        PropKey = "bot_type"
	PropReferencedJob  PropKey = "referenced_job_id"
	PropCustomID       PropKey = "custom_id"
	PropFinalPrompt    PropKey = "final_prompt"
	PropProgressMsgID  PropKey = "progress_message_id"
	PropReplyMessageID PropKey = "reply_message_id"
)

// TaskProps is the typed protocol metadata attached to a task. Fields the
// correlator relies on are named; anything else lives in Extra.
type TaskProps struct {
	VideoExtendTarget  string `json:"video_extend_target,omitempty"`
	VideoExtendPrompt  string `json:"video_extend_prompt,omitempty"`
	ModalCustomID      string `json:"modal_custom_id,omitempty"`
	ModalInteractionID string `json:"modal_interaction_id,omitempty"`
	RemixModal         bool   `json:"remix_modal,omitempty"`
	SeedMessageID      string `json:"seed_message_id,omitempty"`
	MessageFlags       int    `json:"message_flags,omitempty"`

	Extra map[PropKey]string `json:"extra,omitempty"`
}

// Get returns the extra value stored under key.
func (p *TaskProps) Get(key PropKey) (string, bool) {
	v, ok := p.Extra[key]
	return v, ok
}

// Set stores an extra value under key.
func (p *TaskProps) Set(key PropKey, value string) {
	if p.Extra == nil {
		p.Extra = make(map[PropKey]string)
	}
	p.Extra[key] = value
}

// discordEpoch is the first millisecond of 2015 in Unix milliseconds.
const discordEpoch = 1420070400000

var nonceSeq atomic.Uint32

// NewNonce returns a snowflake-shaped correlation nonce. Nonces from one
// process are unique and increase with time.
func NewNonce() string {
	ms := time.Now().UnixMilli() - discordEpoch
	seq := nonceSeq.Add(1) & 0x3fffff
	return strconv.FormatUint(uint64(ms)<<22|uint64(seq), 10)
}
