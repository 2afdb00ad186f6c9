package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/transport"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// cancelledReason is recorded on deliveries abandoned by a cancel.
const cancelledReason = "campaign cancelled"

// Engine drains a claimed campaign's delivery ledger: batched sends
// with a shared per-recipient rate limit, outcome classification, and a
// pause between batches. Sleep and Rand are injectable for tests.
type Engine struct {
	DB      *gorm.DB
	Adapter transport.Adapter
	Cfg     config.BroadcastConfig

	Limiter *rate.Limiter
	Sleep   func(time.Duration)
	Rand    *rand.Rand
}

// NewEngine builds an engine with the wall-clock defaults. The rate
// limiter is shared across every send the engine makes, so retries and
// the main pass together stay under the platform's ceiling.
func NewEngine(db *gorm.DB, adapter transport.Adapter, cfg config.BroadcastConfig) *Engine {
	perSend := time.Duration(cfg.PerRecipientMillis) * time.Millisecond
	if perSend <= 0 {
		perSend = 100 * time.Millisecond
	}
	return &Engine{
		DB:      db,
		Adapter: adapter,
		Cfg:     cfg,
		Limiter: rate.NewLimiter(rate.Every(perSend), 1),
		Sleep:   time.Sleep,
		Rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// outcome is one delivery's classified result, buffered so a whole
// batch persists in a single transaction.
type outcome struct {
	recordID    uint
	recipientID uint
	status      string
	ref         string
	errText     string
	unreachable bool
	retryCount  int // written only when > 0
}

// Run resolves the campaign's audience, fills the ledger, and drains it
// to completion. The campaign must already be in the sending state.
func (e *Engine) Run(ctx context.Context, campaign *models.BroadcastCampaign) error {
	audience, err := ResolveAudience(e.DB, campaign)
	if err != nil {
		return err
	}
	if err := EnsureLedger(e.DB, campaign.ID, e.Cfg.MaxRetries, audience); err != nil {
		return err
	}
	log.Printf("broadcast: campaign %d: %d recipients", campaign.ID, len(audience))
	return e.drain(ctx, campaign.ID)
}

// drain sends pending deliveries in batches until none remain or the
// campaign is cancelled. Cancellation is honored at batch boundaries:
// the in-flight batch finishes, everything after it is abandoned.
func (e *Engine) drain(ctx context.Context, campaignID uint) error {
	for {
		var campaign models.BroadcastCampaign
		if err := e.DB.First(&campaign, campaignID).Error; err != nil {
			return fmt.Errorf("broadcast: load campaign %d: %w", campaignID, err)
		}
		if campaign.Status == models.CampaignCancelled {
			return e.markRemainingCancelled(campaignID)
		}

		var batch []models.DeliveryRecord
		err := e.DB.Preload("Recipient").
			Where("campaign_id = ? AND status = ?", campaignID, models.DeliveryPending).
			Order("id ASC").
			Limit(e.Cfg.BatchSize).
			Find(&batch).Error
		if err != nil {
			return fmt.Errorf("broadcast: load batch for campaign %d: %w", campaignID, err)
		}
		if len(batch) == 0 {
			return e.Finalize(campaignID)
		}

		outcomes, err := e.sendBatch(ctx, &campaign, batch)
		if perr := e.persist(campaignID, outcomes); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}

		// A short batch means the ledger is nearly drained; skip the pause.
		if len(batch) == e.Cfg.BatchSize {
			e.Sleep(time.Duration(e.Cfg.BatchDelaySeconds) * time.Second)
		}
	}
}

// sendBatch delivers one batch, classifying each result. On context
// cancellation it returns the outcomes gathered so far together with
// the context error, so partial progress is still persisted.
func (e *Engine) sendBatch(ctx context.Context, campaign *models.BroadcastCampaign, batch []models.DeliveryRecord) ([]outcome, error) {
	outcomes := make([]outcome, 0, len(batch))
	for i := range batch {
		rec := &batch[i]
		if err := e.Limiter.Wait(ctx); err != nil {
			return outcomes, fmt.Errorf("broadcast: campaign %d interrupted: %w", campaign.ID, err)
		}

		ref, err := e.Adapter.Send(ctx, campaignMessage(campaign, rec.Recipient.ChannelID))
		outcomes = append(outcomes, classify(rec, ref, err))
	}
	return outcomes, nil
}

// campaignMessage renders a campaign for one destination. A campaign
// with a photo goes out as the photo with the body as caption.
func campaignMessage(campaign *models.BroadcastCampaign, channelID string) transport.Message {
	if campaign.PhotoURL != "" {
		return transport.Message{ChannelID: channelID, PhotoURL: campaign.PhotoURL, Caption: campaign.Body}
	}
	return transport.Message{ChannelID: channelID, Text: campaign.Body}
}

// classify maps one send result onto the delivery ledger. A recipient
// that is gone (left, blocked the sender, channel deleted) is marked
// blocked and excluded from every future audience.
func classify(rec *models.DeliveryRecord, ref string, err error) outcome {
	o := outcome{recordID: rec.ID, recipientID: rec.RecipientID}
	switch {
	case err == nil:
		o.status = models.DeliverySent
		o.ref = ref
	case errors.Is(err, transport.ErrRecipientGone):
		o.status = models.DeliveryBlocked
		o.errText = err.Error()
		o.unreachable = true
	default:
		o.status = models.DeliveryFailed
		o.errText = err.Error()
	}
	return o
}

// persist writes one batch's outcomes in a single transaction.
func (e *Engine) persist(campaignID uint, outcomes []outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	err := e.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, o := range outcomes {
			updates := map[string]interface{}{
				"status": o.status,
				"error":  o.errText,
			}
			if o.status == models.DeliverySent {
				updates["sent_at"] = now
				updates["external_ref"] = o.ref
			}
			if o.retryCount > 0 {
				updates["retry_count"] = o.retryCount
			}
			if err := tx.Model(&models.DeliveryRecord{}).
				Where("id = ?", o.recordID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("broadcast: record outcome %d: %w", o.recordID, err)
			}
			if o.unreachable {
				if err := tx.Model(&models.Recipient{}).
					Where("id = ?", o.recipientID).
					Update("unreachable", true).Error; err != nil {
					return fmt.Errorf("broadcast: flag recipient %d: %w", o.recipientID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.status != models.DeliverySent {
			log.Printf("broadcast: campaign %d delivery %d %s: %s", campaignID, o.recordID, o.status, o.errText)
		}
	}
	return nil
}

// markRemainingCancelled abandons every still-pending delivery of a
// cancelled campaign. Already sent or blocked deliveries are untouched.
func (e *Engine) markRemainingCancelled(campaignID uint) error {
	res := e.DB.Model(&models.DeliveryRecord{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.DeliveryPending).
		Updates(map[string]interface{}{
			"status": models.DeliveryFailed,
			"error":  cancelledReason,
		})
	if res.Error != nil {
		return fmt.Errorf("broadcast: abandon campaign %d: %w", campaignID, res.Error)
	}
	log.Printf("broadcast: campaign %d cancelled, %d deliveries abandoned", campaignID, res.RowsAffected)
	return nil
}

// Finalize settles a drained campaign's terminal state: completed once
// nothing is pending or failed, failed once every remaining failure has
// exhausted its retry budget. A campaign with retryable failures stays
// in sending for the retry pass.
func (e *Engine) Finalize(campaignID uint) error {
	stats, err := Stats(e.DB, campaignID)
	if err != nil {
		return err
	}

	switch {
	case stats.Pending == 0 && stats.Failed == 0:
		now := time.Now()
		err = e.DB.Model(&models.BroadcastCampaign{}).
			Where("id = ? AND status = ?", campaignID, models.CampaignSending).
			Updates(map[string]interface{}{
				"status":  models.CampaignCompleted,
				"sent_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("broadcast: complete campaign %d: %w", campaignID, err)
		}
		log.Printf("broadcast: campaign %d completed (%d sent, %d blocked)", campaignID, stats.Sent, stats.Blocked)
	case stats.Pending == 0 && stats.Retryable == 0:
		err = e.DB.Model(&models.BroadcastCampaign{}).
			Where("id = ? AND status = ?", campaignID, models.CampaignSending).
			Update("status", models.CampaignFailed).Error
		if err != nil {
			return fmt.Errorf("broadcast: fail campaign %d: %w", campaignID, err)
		}
		log.Printf("broadcast: campaign %d failed (%d undeliverable)", campaignID, stats.Failed)
	}
	return nil
}
