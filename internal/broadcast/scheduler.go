package broadcast

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the
// duration until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// RunScheduler polls for due campaigns and drains each claimed one, and
// runs the retry pass on its cron schedule. Blocks until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context) {
	poll := time.Duration(e.Cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 30 * time.Second
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	retryTimer := time.NewTimer(retryWait(e.Cfg.RetryCron, poll))
	defer retryTimer.Stop()

	log.Printf("broadcast: scheduler started (poll %s, retry cron %q)", poll, e.Cfg.RetryCron)
	for {
		select {
		case <-ctx.Done():
			log.Printf("broadcast: scheduler stopped")
			return
		case <-ticker.C:
			e.claimAndRun(ctx)
		case <-retryTimer.C:
			if n, err := e.RetryPass(ctx); err != nil {
				log.Printf("broadcast: retry pass: %v", err)
			} else if n > 0 {
				log.Printf("broadcast: retry pass re-attempted %d deliveries", n)
			}
			retryTimer.Reset(retryWait(e.Cfg.RetryCron, poll))
		}
	}
}

// claimAndRun drains every campaign currently due, one at a time.
func (e *Engine) claimAndRun(ctx context.Context) {
	for {
		campaign, err := ClaimDue(e.DB, time.Now())
		if errors.Is(err, ErrClaimedElsewhere) {
			// Another scheduler took that row; keep sweeping.
			continue
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return
		}
		if err != nil {
			log.Printf("broadcast: claim: %v", err)
			return
		}
		if err := e.Run(ctx, campaign); err != nil {
			log.Printf("broadcast: campaign %d: %v", campaign.ID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func retryWait(expr string, fallback time.Duration) time.Duration {
	if d := nextCronDuration(expr); d > 0 {
		return d
	}
	return fallback
}
