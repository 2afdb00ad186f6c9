package broadcast

import (
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// CampaignStats summarizes a campaign's delivery ledger.
type CampaignStats struct {
	Total     int64
	Pending   int64
	Sent      int64
	Failed    int64
	Blocked   int64
	Retryable int64 // failed deliveries with retry budget left
}

// Stats counts the campaign's deliveries by status.
func Stats(db *gorm.DB, campaignID uint) (*CampaignStats, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.Model(&models.DeliveryRecord{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("broadcast: stats for campaign %d: %w", campaignID, err)
	}

	stats := &CampaignStats{}
	for _, r := range rows {
		stats.Total += r.N
		switch r.Status {
		case models.DeliveryPending:
			stats.Pending = r.N
		case models.DeliverySent:
			stats.Sent = r.N
		case models.DeliveryFailed:
			stats.Failed = r.N
		case models.DeliveryBlocked:
			stats.Blocked = r.N
		}
	}

	err = db.Model(&models.DeliveryRecord{}).
		Where("campaign_id = ? AND status = ? AND retry_count < max_retries AND error != ?",
			campaignID, models.DeliveryFailed, cancelledReason).
		Count(&stats.Retryable).Error
	if err != nil {
		return nil, fmt.Errorf("broadcast: stats for campaign %d: %w", campaignID, err)
	}
	return stats, nil
}
