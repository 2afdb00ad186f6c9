// Package convo implements the per-conversation single-flight batching
// lock: every inbound message is preserved in the inbox, and at most one
// processing run is active per conversation at any instant.
package convo

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// DefaultStaleCeiling is how long a run may hold the processing flag
// before the lock is considered stale and self-heals.
const DefaultStaleCeiling = 10 * time.Minute

// Batch is the ordered set of inbox messages one processing run consumes.
type Batch struct {
	Conversation *models.Conversation
	Messages     []models.InboxMessage
}

// Combined concatenates the batch texts in arrival order.
func (b *Batch) Combined() string {
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

// Ensure finds or creates the conversation for a (subject, channel)
// pair and records user activity.
func Ensure(db *gorm.DB, subjectID, channelID, platform string) (*models.Conversation, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("convo: subjectID is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("convo: channelID is required")
	}
	if platform == "" {
		platform = "discord"
	}

	var convo models.Conversation
	err := db.Where(models.Conversation{
		SubjectID: subjectID,
		ChannelID: channelID,
		Status:    models.ConversationActive,
	}).Attrs(models.Conversation{
		Platform:           platform,
		LastUserActivityAt: time.Now(),
	}).FirstOrCreate(&convo).Error
	if err != nil {
		return nil, fmt.Errorf("convo: ensure conversation for %s/%s: %w", subjectID, channelID, err)
	}
	return &convo, nil
}

// Enqueue appends an unprocessed inbox message and bumps the
// conversation's activity accounting.
func Enqueue(db *gorm.DB, convoID uint, text string) (*models.InboxMessage, error) {
	if text == "" {
		return nil, fmt.Errorf("convo: text is required")
	}

	msg := models.InboxMessage{ConversationID: convoID, Text: text}
	if err := db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("convo: enqueue for conversation %d: %w", convoID, err)
	}

	if err := db.Model(&models.Conversation{}).Where("id = ?", convoID).
		Updates(map[string]interface{}{
			"last_user_activity_at": time.Now(),
			"message_count":         gorm.Expr("message_count + 1"),
		}).Error; err != nil {
		return nil, fmt.Errorf("convo: bump activity for conversation %d: %w", convoID, err)
	}
	return &msg, nil
}

// MarkResponded records that the assistant answered the conversation.
func MarkResponded(db *gorm.DB, convoID uint) error {
	now := time.Now()
	if err := db.Model(&models.Conversation{}).Where("id = ?", convoID).
		Update("last_response_at", now).Error; err != nil {
		return fmt.Errorf("convo: mark responded %d: %w", convoID, err)
	}
	return nil
}

// Archive soft-deletes a conversation. History stays referenced, so the
// row is never hard-deleted while archived.
func Archive(db *gorm.DB, convoID uint) error {
	result := db.Model(&models.Conversation{}).
		Where("id = ? AND status = ?", convoID, models.ConversationActive).
		Update("status", models.ConversationArchived)
	if result.Error != nil {
		return fmt.Errorf("convo: archive %d: %w", convoID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("convo: archive %d: not found or not active", convoID)
	}
	return nil
}

// Delete removes a conversation and its inbox. Image jobs outlive the
// conversation: their back-reference is cleared, not cascaded.
func Delete(db *gorm.DB, convoID uint) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ImageJob{}).
			Where("conversation_id = ?", convoID).
			Update("conversation_id", nil).Error; err != nil {
			return fmt.Errorf("detach image jobs: %w", err)
		}
		if err := tx.Where("conversation_id = ?", convoID).
			Delete(&models.InboxMessage{}).Error; err != nil {
			return fmt.Errorf("delete inbox: %w", err)
		}
		if err := tx.Delete(&models.Conversation{}, convoID).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("convo: delete %d: %w", convoID, err)
	}
	return nil
}
