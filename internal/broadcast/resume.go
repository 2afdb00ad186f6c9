package broadcast

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// Resume restarts a campaign from its ledger. It accepts cancelled and
// failed campaigns, a sending campaign whose process died mid-drain,
// and a completed one (to pick up recipients who became eligible since
// the first run). Deliveries already sent or blocked stay settled and
// are never re-sent; failed ones return to pending with a fresh retry
// budget. The campaign then drains like a normal run.
func (e *Engine) Resume(ctx context.Context, campaignID uint) error {
	var campaign models.BroadcastCampaign
	if err := e.DB.First(&campaign, campaignID).Error; err != nil {
		return fmt.Errorf("broadcast: load campaign %d: %w", campaignID, err)
	}
	if !resumable(campaign.Status) {
		return fmt.Errorf("broadcast: campaign %d is %s and cannot resume", campaignID, campaign.Status)
	}

	if err := reopen(e.DB, campaignID, models.CampaignSending); err != nil {
		return err
	}

	campaign.Status = models.CampaignSending
	return e.Run(ctx, &campaign)
}

// Requeue resets a campaign's ledger and returns it to scheduled, so
// the serving process claims and drains it on its next poll. Same
// accepted statuses and settling rules as Resume, without sending
// in-process.
func Requeue(db *gorm.DB, campaignID uint) error {
	var campaign models.BroadcastCampaign
	if err := db.First(&campaign, campaignID).Error; err != nil {
		return fmt.Errorf("broadcast: load campaign %d: %w", campaignID, err)
	}
	if !resumable(campaign.Status) {
		return fmt.Errorf("broadcast: campaign %d is %s and cannot resume", campaignID, campaign.Status)
	}
	return reopen(db, campaignID, models.CampaignScheduled)
}

// resumable reports whether a campaign in the given status may be
// reopened. Drafts have no ledger and scheduled campaigns are already
// waiting for the scheduler.
func resumable(status string) bool {
	switch status {
	case models.CampaignCancelled, models.CampaignFailed, models.CampaignSending, models.CampaignCompleted:
		return true
	}
	return false
}

// reopen returns failed deliveries to pending with a fresh retry budget
// and moves the campaign to the given status. Sent and blocked
// deliveries stay settled.
func reopen(db *gorm.DB, campaignID uint, status string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeliveryRecord{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.DeliveryFailed).
			Updates(map[string]interface{}{
				"status":      models.DeliveryPending,
				"error":       "",
				"retry_count": 0,
			})
		if res.Error != nil {
			return fmt.Errorf("broadcast: reset deliveries for campaign %d: %w", campaignID, res.Error)
		}
		log.Printf("broadcast: campaign %d resuming, %d deliveries reset", campaignID, res.RowsAffected)

		if err := tx.Model(&models.BroadcastCampaign{}).
			Where("id = ?", campaignID).
			Updates(map[string]interface{}{
				"status":  status,
				"sent_at": nil,
			}).Error; err != nil {
			return fmt.Errorf("broadcast: reopen campaign %d: %w", campaignID, err)
		}
		return nil
	})
}
