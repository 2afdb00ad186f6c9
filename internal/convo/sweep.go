package convo

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// SweepOrphans restarts processing for conversations that have
// unprocessed messages but no active run. Messages that arrived during
// a run are queued, not picked up by that run; this sweep (or the next
// inbound message) discovers them. Returns the number of runs started.
func SweepOrphans(ctx context.Context, db *gorm.DB, ceiling time.Duration, fn ProcessFunc) (int, error) {
	var ids []uint
	err := db.Model(&models.InboxMessage{}).
		Distinct("conversation_id").
		Where("is_processed = ?", false).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("convo: sweep scan: %w", err)
	}

	started := 0
	for _, id := range ids {
		claimed, err := TryClaim(db, id, ceiling)
		if err != nil {
			log.Printf("convo: sweep claim %d: %v", id, err)
			continue
		}
		if !claimed {
			continue // an active run owns it; it will be re-swept if orphaned
		}
		if err := runOnce(ctx, db, id, fn); err != nil {
			log.Printf("convo: sweep run %d: %v", id, err)
			continue
		}
		started++
	}
	return started, nil
}

// RunSweeper polls SweepOrphans at the given interval until ctx is
// cancelled.
func RunSweeper(ctx context.Context, db *gorm.DB, interval, ceiling time.Duration, fn ProcessFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := SweepOrphans(ctx, db, ceiling, fn); err != nil {
				log.Printf("convo: sweep: %v", err)
			}
		}
	}
}
