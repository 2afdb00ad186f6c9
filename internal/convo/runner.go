package convo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ProcessFunc handles one drained batch. Implementations are the
// conversation-reasoning collaborator; this package only requires that
// the call returns, so the run flag can be cleared.
type ProcessFunc func(ctx context.Context, batch *Batch) error

// HandleInbound runs the full protocol for one inbound message: enqueue
// it, attempt to claim the run flag, and when this caller wins the
// claim, drain and process the entire pending batch. When another run
// already holds the flag the message stays safely queued for that run
// (or the next one after stale recovery); that is an expected
// concurrency outcome, not an error.
//
// The returned bool reports whether this call owned a processing run.
func HandleInbound(ctx context.Context, db *gorm.DB, convoID uint, text string, ceiling time.Duration, fn ProcessFunc) (bool, error) {
	if _, err := Enqueue(db, convoID, text); err != nil {
		return false, err
	}

	claimed, err := TryClaim(db, convoID, ceiling)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	return true, runOnce(ctx, db, convoID, fn)
}

// runOnce drains and processes the pending batch for a conversation
// whose run flag the caller already owns. The flag is cleared on every
// exit path.
func runOnce(ctx context.Context, db *gorm.DB, convoID uint, fn ProcessFunc) error {
	batch, err := Drain(db, convoID)
	if err != nil {
		_ = Release(db, convoID)
		return err
	}
	if len(batch.Messages) == 0 {
		return Release(db, convoID)
	}

	procErr := fn(ctx, batch)
	relErr := Release(db, convoID)

	if procErr != nil {
		return fmt.Errorf("convo: process conversation %d: %w", convoID, procErr)
	}
	if relErr != nil {
		return relErr
	}
	return MarkResponded(db, convoID)
}
