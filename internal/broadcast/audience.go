package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResolveAudience materializes a campaign's selector into concrete
// recipients. Recipients flagged unreachable are always excluded.
func ResolveAudience(db *gorm.DB, campaign *models.BroadcastCampaign) ([]models.Recipient, error) {
	q := db.Where("unreachable = ?", false)

	switch campaign.Selector {
	case models.SelectorEveryone, "":
	case models.SelectorSubject:
		q = q.Where("subject_id = ?", campaign.SelectorArg)
	case models.SelectorList:
		var ids []string
		if err := json.Unmarshal([]byte(campaign.SelectorArg), &ids); err != nil {
			return nil, fmt.Errorf("broadcast: campaign %d selector list: %w", campaign.ID, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		q = q.Where("subject_id IN ?", ids)
	case models.SelectorGroup:
		q = q.Where("group_name = ?", campaign.SelectorArg)
	default:
		return nil, fmt.Errorf("broadcast: campaign %d: unknown selector %q", campaign.ID, campaign.Selector)
	}

	var recipients []models.Recipient
	if err := q.Order("id ASC").Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("broadcast: resolve audience for campaign %d: %w", campaign.ID, err)
	}
	return recipients, nil
}

// EnsureLedger creates one pending delivery record per recipient. The
// (campaign, recipient) pair is unique, so re-running after a crash or
// on resume only fills the gaps and never duplicates a delivery.
func EnsureLedger(db *gorm.DB, campaignID uint, maxRetries int, recipients []models.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	records := make([]models.DeliveryRecord, 0, len(recipients))
	for _, r := range recipients {
		records = append(records, models.DeliveryRecord{
			CampaignID:  campaignID,
			RecipientID: r.ID,
			Status:      models.DeliveryPending,
			MaxRetries:  maxRetries,
		})
	}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, 100).Error
	if err != nil {
		return fmt.Errorf("broadcast: ensure ledger for campaign %d: %w", campaignID, err)
	}
	return nil
}
