package broadcast

import (
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// Cancel flags a scheduled or sending campaign as cancelled. A draining
// engine observes the flag at its next batch boundary and abandons the
// rest of the ledger; a campaign already terminal cannot be cancelled.
func Cancel(db *gorm.DB, campaignID uint) error {
	res := db.Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status IN ?", campaignID,
			[]string{models.CampaignDraft, models.CampaignScheduled, models.CampaignSending}).
		Update("status", models.CampaignCancelled)
	if res.Error != nil {
		return fmt.Errorf("broadcast: cancel campaign %d: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("broadcast: campaign %d cannot be cancelled", campaignID)
	}
	return nil
}
