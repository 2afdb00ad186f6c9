package convo

import (
	"fmt"
	"log"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// TryClaim atomically test-and-sets the conversation's run flag. It
// first self-heals a stale lock (processing flag held longer than the
// ceiling), then claims via a conditional update: exactly one caller
// observes RowsAffected == 1.
//
// The stale recovery is a liveness ceiling, not a lease with fencing
// tokens: an owner that is merely slow loses the lock without being
// verified dead. The ceiling is sized far above any legitimate run.
func TryClaim(db *gorm.DB, convoID uint, ceiling time.Duration) (bool, error) {
	if ceiling <= 0 {
		ceiling = DefaultStaleCeiling
	}

	cutoff := time.Now().Add(-ceiling)
	stale := db.Model(&models.Conversation{}).
		Where("id = ? AND is_processing = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?",
			convoID, true, cutoff).
		Updates(map[string]interface{}{
			"is_processing":         false,
			"processing_started_at": nil,
		})
	if stale.Error != nil {
		return false, fmt.Errorf("convo: clear stale lock %d: %w", convoID, stale.Error)
	}
	if stale.RowsAffected > 0 {
		log.Printf("convo: recovered stale run lock for conversation %d (held > %s)", convoID, ceiling)
	}

	claim := db.Model(&models.Conversation{}).
		Where("id = ? AND is_processing = ?", convoID, false).
		Updates(map[string]interface{}{
			"is_processing":         true,
			"processing_started_at": time.Now(),
		})
	if claim.Error != nil {
		return false, fmt.Errorf("convo: claim %d: %w", convoID, claim.Error)
	}
	return claim.RowsAffected == 1, nil
}

// Release clears the run flag. Runs call it on every exit path, success
// or failure, so the conversation can never stay stuck.
func Release(db *gorm.DB, convoID uint) error {
	result := db.Model(&models.Conversation{}).
		Where("id = ?", convoID).
		Updates(map[string]interface{}{
			"is_processing":         false,
			"processing_started_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("convo: release %d: %w", convoID, result.Error)
	}
	return nil
}

// Drain reads the entire current unprocessed batch for the conversation
// and marks it processed in one transaction. Only the run that owns the
// claim may call it.
func Drain(db *gorm.DB, convoID uint) (*Batch, error) {
	var batch *Batch

	err := db.Transaction(func(tx *gorm.DB) error {
		var convo models.Conversation
		if err := tx.First(&convo, convoID).Error; err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		var msgs []models.InboxMessage
		if err := tx.Where("conversation_id = ? AND is_processed = ?", convoID, false).
			Order("created_at ASC, id ASC").
			Find(&msgs).Error; err != nil {
			return fmt.Errorf("load batch: %w", err)
		}

		if len(msgs) > 0 {
			ids := make([]uint, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			if err := tx.Model(&models.InboxMessage{}).
				Where("id IN ?", ids).
				Update("is_processed", true).Error; err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
		}

		batch = &Batch{Conversation: &convo, Messages: msgs}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("convo: drain %d: %w", convoID, err)
	}
	return batch, nil
}
