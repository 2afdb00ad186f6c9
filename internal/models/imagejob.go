package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ImageJob status values. Transitions are monotone
// (queued → running → {completed, failed}); terminal states are sticky.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Extension map keys carried in ImageJob.Extensions. These are routing
// hints attached at submission time and consumed by the callback handler.
const (
	ExtChannelID    = "channel_id"    // explicit delivery destination
	ExtCaption      = "caption"       // caption to attach to the result
	ExtSkipDelivery = "skip_delivery" // "true": side-effect only, no chat delivery
	ExtProfileAsset = "profile_asset" // "true": assign result as the requester's profile asset
)

// ImageJob is a unit of delegated external generation work, keyed by a
// caller-generated Reference the worker echoes back in its callback.
// The conversation link is optional: deleting the conversation clears
// the reference instead of removing the job.
type ImageJob struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Reference      string `gorm:"size:64;not null;uniqueIndex"`
	RequesterID    string `gorm:"size:64;not null;index"`
	ConversationID *uint  `gorm:"index"`
	Prompt         string `gorm:"type:text"`
	NegativePrompt string `gorm:"type:text"`
	Status         string `gorm:"size:16;default:queued;index"`
	ResultURL      string `gorm:"size:512"`
	ObscuredURL    string `gorm:"size:512"`
	Error          string `gorm:"type:text"`
	Extensions     string `gorm:"type:json"`
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// Terminal reports whether the job has reached a sticky final state.
func (j *ImageJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Ext decodes the Extensions JSON map. An empty column yields an empty map.
func (j *ImageJob) Ext() (map[string]string, error) {
	if j.Extensions == "" {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(j.Extensions), &m); err != nil {
		return nil, fmt.Errorf("models: decode extensions for job %s: %w", j.Reference, err)
	}
	return m, nil
}

// SetExt encodes m into the Extensions column.
func (j *ImageJob) SetExt(m map[string]string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("models: encode extensions: %w", err)
	}
	j.Extensions = string(data)
	return nil
}
