package broadcast

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/courier/internal/models"
)

// RetryPass re-attempts failed deliveries that still have retry budget,
// across every campaign currently sending. Each attempt waits an
// exponential backoff with jitter keyed to the delivery's own retry
// count, and retry_count never exceeds max_retries. Returns how many
// deliveries were re-attempted.
func (e *Engine) RetryPass(ctx context.Context) (int, error) {
	var campaigns []models.BroadcastCampaign
	err := e.DB.Where("status = ?", models.CampaignSending).Find(&campaigns).Error
	if err != nil {
		return 0, fmt.Errorf("broadcast: load sending campaigns: %w", err)
	}

	total := 0
	for i := range campaigns {
		n, err := e.retryCampaign(ctx, &campaigns[i])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) retryCampaign(ctx context.Context, campaign *models.BroadcastCampaign) (int, error) {
	var failed []models.DeliveryRecord
	err := e.DB.Preload("Recipient").
		Where("campaign_id = ? AND status = ? AND retry_count < max_retries AND error != ?",
			campaign.ID, models.DeliveryFailed, cancelledReason).
		Order("id ASC").
		Find(&failed).Error
	if err != nil {
		return 0, fmt.Errorf("broadcast: load failed deliveries for campaign %d: %w", campaign.ID, err)
	}
	if len(failed) == 0 {
		return 0, e.Finalize(campaign.ID)
	}

	base := time.Duration(e.Cfg.BackoffBaseSeconds) * time.Second
	jitter := time.Duration(e.Cfg.BackoffJitterMillis) * time.Millisecond

	attempted := 0
	outcomes := make([]outcome, 0, len(failed))
	for i := range failed {
		rec := &failed[i]
		if ctx.Err() != nil {
			break
		}

		e.Sleep(Backoff(base, rec.RetryCount, jitter, e.Rand))
		if err := e.Limiter.Wait(ctx); err != nil {
			break
		}

		ref, sendErr := e.Adapter.Send(ctx, campaignMessage(campaign, rec.Recipient.ChannelID))
		o := classify(rec, ref, sendErr)
		if o.status == models.DeliveryFailed {
			o.retryCount = rec.RetryCount + 1
		}
		outcomes = append(outcomes, o)
		attempted++
	}

	if err := e.persist(campaign.ID, outcomes); err != nil {
		return attempted, err
	}
	log.Printf("broadcast: campaign %d: retried %d deliveries", campaign.ID, attempted)
	return attempted, e.Finalize(campaign.ID)
}
