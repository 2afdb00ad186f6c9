package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/transport"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Recipient{}, &models.BroadcastCampaign{}, &models.DeliveryRecord{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func seedRecipients(t *testing.T, db *gorm.DB, n int) []models.Recipient {
	t.Helper()
	recipients := make([]models.Recipient, n)
	for i := range recipients {
		recipients[i] = models.Recipient{
			SubjectID: fmt.Sprintf("s-%03d", i),
			ChannelID: fmt.Sprintf("chan-%03d", i),
		}
	}
	if err := db.Create(&recipients).Error; err != nil {
		t.Fatalf("seed recipients: %v", err)
	}
	return recipients
}

func testConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		BatchSize:          30,
		BatchDelaySeconds:  60,
		PerRecipientMillis: 100,
		MaxRetries:         3,
		BackoffBaseSeconds: 1,
		PollSeconds:        30,
		RetryCron:          "*/5 * * * *",
	}
}

// newTestEngine disables real waiting: the rate limiter is unlimited
// and Sleep records requested durations instead of blocking.
func newTestEngine(t *testing.T, db *gorm.DB) (*Engine, *transport.MockAdapter, *[]time.Duration) {
	t.Helper()
	adapter := transport.NewMockAdapter()
	var slept []time.Duration
	var mu sync.Mutex
	eng := &Engine{
		DB:      db,
		Adapter: adapter,
		Cfg:     testConfig(),
		Limiter: rate.NewLimiter(rate.Inf, 1),
		Sleep: func(d time.Duration) {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
		},
		Rand: rand.New(rand.NewSource(1)),
	}
	return eng, adapter, &slept
}

func createSending(t *testing.T, db *gorm.DB, selector, arg string) *models.BroadcastCampaign {
	t.Helper()
	c := models.BroadcastCampaign{
		Title:       "release notes",
		Body:        "a new version is out",
		Selector:    selector,
		SelectorArg: arg,
		Status:      models.CampaignSending,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return &c
}

func TestClaimDue(t *testing.T) {
	db := openTestDB(t)
	c := models.BroadcastCampaign{
		Title: "t", Body: "b",
		Status:      models.CampaignScheduled,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := ClaimDue(db, time.Now())
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if claimed.ID != c.ID || claimed.Status != models.CampaignSending {
		t.Errorf("claimed = %+v", claimed)
	}

	// Nothing left to claim.
	if _, err := ClaimDue(db, time.Now()); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("second claim err = %v, want ErrRecordNotFound", err)
	}
}

func TestClaimDue_IgnoresFutureAndDraft(t *testing.T) {
	db := openTestDB(t)
	db.Create(&models.BroadcastCampaign{Title: "t", Body: "b", Status: models.CampaignScheduled, ScheduledAt: time.Now().Add(time.Hour)})
	db.Create(&models.BroadcastCampaign{Title: "t", Body: "b", Status: models.CampaignDraft, ScheduledAt: time.Now().Add(-time.Hour)})

	if _, err := ClaimDue(db, time.Now()); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestConcurrent_ClaimDue_OneWinner(t *testing.T) {
	db := openTestDB(t)
	db.Create(&models.BroadcastCampaign{Title: "t", Body: "b", Status: models.CampaignScheduled, ScheduledAt: time.Now().Add(-time.Minute)})

	var wins atomic.Int32
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ClaimDue(db, time.Now())
			if err == nil {
				wins.Add(1)
				return
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
	// Losers see either sentinel; anything else would make a scheduler
	// treat the race as a hard failure.
	for err := range errs {
		if !errors.Is(err, ErrClaimedElsewhere) && !errors.Is(err, gorm.ErrRecordNotFound) {
			t.Errorf("loser err = %v, want claimed-elsewhere or not-found", err)
		}
	}
}

// One sweep drains every due campaign, not just the first.
func TestClaimAndRun_DrainsAllDue(t *testing.T) {
	db := openTestDB(t)
	seedRecipients(t, db, 2)
	for i := 0; i < 3; i++ {
		db.Create(&models.BroadcastCampaign{
			Title: "t", Body: "b",
			Selector:    models.SelectorEveryone,
			Status:      models.CampaignScheduled,
			ScheduledAt: time.Now().Add(-time.Minute),
		})
	}
	eng, adapter, _ := newTestEngine(t, db)

	eng.claimAndRun(context.Background())

	var remaining int64
	db.Model(&models.BroadcastCampaign{}).Where("status <> ?", models.CampaignCompleted).Count(&remaining)
	if remaining != 0 {
		t.Errorf("campaigns not completed = %d, want 0", remaining)
	}
	if got := len(adapter.Sent()); got != 6 {
		t.Errorf("sends = %d, want 6", got)
	}
}

func TestResolveAudience(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 4)
	db.Model(&models.Recipient{}).Where("id = ?", recipients[3].ID).Update("unreachable", true)
	db.Model(&models.Recipient{}).Where("id IN ?", []uint{recipients[0].ID, recipients[1].ID}).Update("group_name", "beta")

	cases := []struct {
		name     string
		selector string
		arg      string
		want     int
	}{
		{"everyone excludes unreachable", models.SelectorEveryone, "", 3},
		{"single subject", models.SelectorSubject, "s-001", 1},
		{"list", models.SelectorList, `["s-000","s-002"]`, 2},
		{"list includes unreachable member", models.SelectorList, `["s-000","s-003"]`, 1},
		{"group", models.SelectorGroup, "beta", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &models.BroadcastCampaign{Selector: tc.selector, SelectorArg: tc.arg}
			got, err := ResolveAudience(db, c)
			if err != nil {
				t.Fatalf("ResolveAudience: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("audience = %d, want %d", len(got), tc.want)
			}
		})
	}

	t.Run("bad selector", func(t *testing.T) {
		if _, err := ResolveAudience(db, &models.BroadcastCampaign{Selector: "bogus"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestEnsureLedger_Idempotent(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 3)
	c := createSending(t, db, models.SelectorEveryone, "")

	if err := EnsureLedger(db, c.ID, 3, recipients); err != nil {
		t.Fatalf("EnsureLedger: %v", err)
	}
	if err := EnsureLedger(db, c.ID, 3, recipients); err != nil {
		t.Fatalf("EnsureLedger (again): %v", err)
	}

	var count int64
	db.Model(&models.DeliveryRecord{}).Where("campaign_id = ?", c.ID).Count(&count)
	if count != 3 {
		t.Errorf("ledger rows = %d, want 3", count)
	}
}

func TestRun_DrainsInBatches(t *testing.T) {
	db := openTestDB(t)
	seedRecipients(t, db, 65)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, slept := newTestEngine(t, db)

	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(adapter.Sent()); got != 65 {
		t.Errorf("sends = %d, want 65", got)
	}
	// Two full batches pause; the final short batch of 5 does not.
	if len(*slept) != 2 {
		t.Errorf("batch pauses = %d, want 2", len(*slept))
	}

	stats, err := Stats(db, c.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sent != 65 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}

	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignCompleted || after.SentAt == nil {
		t.Errorf("campaign = %s sent_at=%v, want completed with sent_at", after.Status, after.SentAt)
	}

	var rec models.DeliveryRecord
	db.Where("campaign_id = ?", c.ID).First(&rec)
	if rec.ExternalRef == "" || rec.SentAt == nil {
		t.Errorf("delivery missing provenance: %+v", rec)
	}
}

func TestRun_ClassifiesOutcomes(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 3)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, _ := newTestEngine(t, db)

	adapter.FailChannel(recipients[1].ChannelID, errors.New("gateway timeout"))
	adapter.FailChannel(recipients[2].ChannelID, transport.ErrRecipientGone)

	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats, _ := Stats(db, c.ID)
	if stats.Sent != 1 || stats.Failed != 1 || stats.Blocked != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var gone models.Recipient
	db.First(&gone, recipients[2].ID)
	if !gone.Unreachable {
		t.Error("gone recipient not flagged unreachable")
	}
	var flaky models.Recipient
	db.First(&flaky, recipients[1].ID)
	if flaky.Unreachable {
		t.Error("transient failure must not flag the recipient")
	}

	// One transient failure with budget: campaign stays sending.
	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignSending {
		t.Errorf("campaign = %s, want sending until retries settle", after.Status)
	}
}

func TestRun_CancelBetweenBatches(t *testing.T) {
	db := openTestDB(t)
	seedRecipients(t, db, 65)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, _ := newTestEngine(t, db)

	// Cancel lands during the pause after the first batch.
	eng.Sleep = func(time.Duration) {
		if err := Cancel(db, c.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}

	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(adapter.Sent()); got != 30 {
		t.Errorf("sends = %d, want the first batch of 30 only", got)
	}

	stats, _ := Stats(db, c.ID)
	if stats.Sent != 30 || stats.Failed != 35 {
		t.Errorf("stats = %+v, want 30 sent / 35 abandoned", stats)
	}

	var abandoned models.DeliveryRecord
	db.Where("campaign_id = ? AND status = ?", c.ID, models.DeliveryFailed).First(&abandoned)
	if abandoned.Error != cancelledReason {
		t.Errorf("abandoned reason = %q", abandoned.Error)
	}

	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignCancelled {
		t.Errorf("campaign = %s, want cancelled", after.Status)
	}
}

func TestCancel_TerminalCampaign(t *testing.T) {
	db := openTestDB(t)
	c := createSending(t, db, models.SelectorEveryone, "")
	db.Model(c).Update("status", models.CampaignCompleted)

	if err := Cancel(db, c.ID); err == nil {
		t.Error("cancelling a completed campaign must fail")
	}
}

func TestRetryPass(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 2)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, slept := newTestEngine(t, db)

	adapter.FailChannel(recipients[0].ChannelID, errors.New("gateway timeout"))
	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// First retry still fails, bumping the counter and backing off.
	n, err := eng.RetryPass(context.Background())
	if err != nil {
		t.Fatalf("RetryPass: %v", err)
	}
	if n != 1 {
		t.Errorf("retried = %d, want 1", n)
	}
	if len(*slept) != 1 || (*slept)[0] < time.Second {
		t.Errorf("backoff sleeps = %v, want one of at least the base", *slept)
	}

	var rec models.DeliveryRecord
	db.Where("campaign_id = ? AND status = ?", c.ID, models.DeliveryFailed).First(&rec)
	if rec.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", rec.RetryCount)
	}

	// The channel recovers; the next pass delivers and completes.
	adapter.FailChannel(recipients[0].ChannelID, nil)
	if _, err := eng.RetryPass(context.Background()); err != nil {
		t.Fatalf("RetryPass: %v", err)
	}

	stats, _ := Stats(db, c.ID)
	if stats.Sent != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignCompleted {
		t.Errorf("campaign = %s, want completed", after.Status)
	}
}

func TestRetryPass_BudgetExhausted(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 1)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, _ := newTestEngine(t, db)
	eng.Cfg.MaxRetries = 2

	adapter.FailChannel(recipients[0].ChannelID, errors.New("gateway timeout"))
	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := eng.RetryPass(context.Background()); err != nil {
			t.Fatalf("RetryPass: %v", err)
		}
	}

	var rec models.DeliveryRecord
	db.Where("campaign_id = ?", c.ID).First(&rec)
	if rec.RetryCount != 2 {
		t.Errorf("retry_count = %d, must stop at max_retries", rec.RetryCount)
	}
	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignFailed {
		t.Errorf("campaign = %s, want failed after budget exhausted", after.Status)
	}
}

func TestResume(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 65)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, _ := newTestEngine(t, db)

	// First run is cancelled after one batch: 30 sent, 35 abandoned.
	eng.Sleep = func(time.Duration) { Cancel(db, c.ID) }
	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(adapter.Sent()); got != 30 {
		t.Fatalf("first pass sends = %d, want 30", got)
	}

	// One delivered recipient later becomes unreachable; never re-sent anyway.
	db.Model(&models.Recipient{}).Where("id = ?", recipients[0].ID).Update("unreachable", true)

	eng.Sleep = func(time.Duration) {}
	if err := eng.Resume(context.Background(), c.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Only the 35 abandoned deliveries are reprocessed.
	if got := len(adapter.Sent()); got != 65 {
		t.Errorf("total sends = %d, want 65 (no recipient sent twice)", got)
	}

	stats, _ := Stats(db, c.ID)
	if stats.Sent != 65 || stats.Pending != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignCompleted {
		t.Errorf("campaign = %s, want completed", after.Status)
	}
}

func TestResume_AddsNewlyEligible(t *testing.T) {
	db := openTestDB(t)
	seedRecipients(t, db, 2)
	c := createSending(t, db, models.SelectorEveryone, "")
	eng, adapter, _ := newTestEngine(t, db)

	if err := eng.Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	db.Model(c).Update("status", models.CampaignCancelled)

	// A recipient registered after the first run.
	db.Create(&models.Recipient{SubjectID: "s-late", ChannelID: "chan-late"})

	if err := eng.Resume(context.Background(), c.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	sent := adapter.Sent()
	if len(sent) != 3 {
		t.Fatalf("total sends = %d, want 3", len(sent))
	}
	if sent[2].ChannelID != "chan-late" {
		t.Errorf("late recipient not reached: %+v", sent[2])
	}
}

// A campaign left in sending after a process restart has a pending
// ledger and no scheduler path back: Resume picks it up and drains it.
func TestResume_InterruptedSendingCampaign(t *testing.T) {
	db := openTestDB(t)
	recipients := seedRecipients(t, db, 5)
	c := createSending(t, db, models.SelectorEveryone, "")
	if err := EnsureLedger(db, c.ID, 3, recipients); err != nil {
		t.Fatalf("EnsureLedger: %v", err)
	}
	eng, adapter, _ := newTestEngine(t, db)

	if err := eng.Resume(context.Background(), c.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if got := len(adapter.Sent()); got != 5 {
		t.Errorf("sends = %d, want 5", got)
	}
	stats, _ := Stats(db, c.ID)
	if stats.Pending != 0 || stats.Sent != 5 {
		t.Errorf("stats = %+v", stats)
	}
	var after models.BroadcastCampaign
	db.First(&after, c.ID)
	if after.Status != models.CampaignCompleted {
		t.Errorf("campaign = %s, want completed", after.Status)
	}
}

func TestResume_RejectsScheduledAndDraft(t *testing.T) {
	db := openTestDB(t)
	eng, _, _ := newTestEngine(t, db)

	for _, status := range []string{models.CampaignDraft, models.CampaignScheduled} {
		c := models.BroadcastCampaign{Title: "t", Body: "b", Status: status, ScheduledAt: time.Now()}
		if err := db.Create(&c).Error; err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := eng.Resume(context.Background(), c.ID); err == nil {
			t.Errorf("resuming a %s campaign must fail", status)
		}
		if err := Requeue(db, c.ID); err == nil {
			t.Errorf("requeueing a %s campaign must fail", status)
		}
	}
}

// Requeue returns an interrupted campaign to scheduled so the serving
// process can claim it on the next poll.
func TestRequeue_InterruptedSendingCampaign(t *testing.T) {
	db := openTestDB(t)
	c := createSending(t, db, models.SelectorEveryone, "")

	if err := Requeue(db, c.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	claimed, err := ClaimDue(db, time.Now())
	if err != nil {
		t.Fatalf("ClaimDue after Requeue: %v", err)
	}
	if claimed.ID != c.ID {
		t.Errorf("claimed campaign %d, want %d", claimed.ID, c.ID)
	}
}

func TestBackoff(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	if got := Backoff(time.Second, 0, 0, nil); got != time.Second {
		t.Errorf("attempt 0 = %v, want 1s", got)
	}
	if got := Backoff(time.Second, 3, 0, nil); got != 8*time.Second {
		t.Errorf("attempt 3 = %v, want 8s", got)
	}
	for i := 0; i < 100; i++ {
		d := Backoff(time.Second, 1, 500*time.Millisecond, rnd)
		if d < 2*time.Second || d >= 2500*time.Millisecond {
			t.Fatalf("jittered = %v, want [2s, 2.5s)", d)
		}
	}
	// Degenerate inputs stay sane.
	if got := Backoff(0, -5, 0, nil); got != time.Second {
		t.Errorf("degenerate = %v, want base default", got)
	}
}

func TestCampaignMessage(t *testing.T) {
	text := campaignMessage(&models.BroadcastCampaign{Body: "hello"}, "C1")
	if text.Text != "hello" || text.PhotoURL != "" {
		t.Errorf("text message = %+v", text)
	}
	photo := campaignMessage(&models.BroadcastCampaign{Body: "hello", PhotoURL: "https://img/p.png"}, "C1")
	if photo.PhotoURL != "https://img/p.png" || photo.Caption != "hello" || photo.Text != "" {
		t.Errorf("photo message = %+v", photo)
	}
}

func TestNextCronDuration(t *testing.T) {
	if d := nextCronDuration("*/5 * * * *"); d <= 0 || d > 5*time.Minute {
		t.Errorf("next = %v, want within 5 minutes", d)
	}
	if d := nextCronDuration("not a cron"); d != 0 {
		t.Errorf("parse failure = %v, want 0", d)
	}
}
