// Package broadcast delivers one-to-many campaigns through a durable
// per-recipient ledger: atomic campaign claim, batched rate-limited
// sending, outcome classification, bounded retries, and resume.
package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimedElsewhere means a concurrent scheduler won the claim for
// the row we selected. Other due campaigns may still be waiting, so
// callers should try again rather than end the sweep.
var ErrClaimedElsewhere = errors.New("broadcast: campaign claimed elsewhere")

// ClaimDue atomically claims the oldest due campaign and transitions it
// to sending. It uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// schedulers never claim the same campaign.
//
// Note: SQLite ignores row-level SKIP LOCKED. Correctness is preserved
// by the guarded status transition; just lower concurrency.
func ClaimDue(db *gorm.DB, now time.Time) (*models.BroadcastCampaign, error) {
	var claimed models.BroadcastCampaign

	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("status = ? AND scheduled_at <= ?", models.CampaignScheduled, now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("scheduled_at ASC, id ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("broadcast: find due campaign: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("broadcast: no due campaigns: %w", gorm.ErrRecordNotFound)
		}

		// Guarded transition: only the scheduled row moves, so a racing
		// claimer loses even where SKIP LOCKED is a no-op.
		res := tx.Model(&models.BroadcastCampaign{}).
			Where("id = ? AND status = ?", claimed.ID, models.CampaignScheduled).
			Update("status", models.CampaignSending)
		if res.Error != nil {
			return fmt.Errorf("broadcast: claim campaign %d: %w", claimed.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("broadcast: campaign %d: %w", claimed.ID, ErrClaimedElsewhere)
		}
		claimed.Status = models.CampaignSending
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &claimed, nil
}
