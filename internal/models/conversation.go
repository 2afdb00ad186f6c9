package models

import "time"

// Conversation status values.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Conversation is one ongoing dialogue context between a subject and the
// assistant on a chat platform. At most one processing run may hold
// IsProcessing at any time; a run older than the configured ceiling is
// treated as stale and cleared on the next observation.
type Conversation struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement"`
	SubjectID           string `gorm:"size:64;not null;index"`
	ChannelID           string `gorm:"size:128;not null;index"`
	Platform            string `gorm:"size:16;default:discord"`
	Status              string `gorm:"size:16;default:active;index"` // active, archived
	IsProcessing        bool   `gorm:"default:false;index"`
	ProcessingStartedAt *time.Time
	LastUserActivityAt  time.Time
	LastResponseAt      *time.Time
	LastNudgeAt         *time.Time
	MessageCount        int `gorm:"default:0"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Inbox []InboxMessage `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// InboxMessage is one raw unit of unprocessed input tied to a
// Conversation. The set of unprocessed rows for a conversation, ordered
// by creation time, is exactly the batch the next processing run
// consumes.
type InboxMessage struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index:idx_inbox_convo_unprocessed"`
	Text           string `gorm:"type:text;not null"`
	IsProcessed    bool   `gorm:"default:false;index:idx_inbox_convo_unprocessed"`
	CreatedAt      time.Time

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
}
