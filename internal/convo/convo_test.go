package convo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/models"
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
	if err := db.AutoMigrate(&models.Conversation{}, &models.InboxMessage{}, &models.ImageJob{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newConversation(t *testing.T, db *gorm.DB) *models.Conversation {
	t.Helper()
	convo, err := Ensure(db, "subject-1", "chan-1", "discord")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return convo
}

func TestEnsure_CreatesAndReuses(t *testing.T) {
	db := openTestDB(t)

	first, err := Ensure(db, "u1", "c1", "discord")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := Ensure(db, "u1", "c1", "discord")
	if err != nil {
		t.Fatalf("Ensure (reuse): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Ensure created a second conversation: %d vs %d", first.ID, second.ID)
	}
	if first.Status != models.ConversationActive {
		t.Errorf("Status = %q, want active", first.Status)
	}
}

func TestEnsure_Validation(t *testing.T) {
	db := openTestDB(t)
	if _, err := Ensure(db, "", "c1", ""); err == nil {
		t.Error("expected error for empty subject")
	}
	if _, err := Ensure(db, "u1", "", ""); err == nil {
		t.Error("expected error for empty channel")
	}
}

func TestHandleInbound_BatchesPending(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	// Two messages already queued, third arrives while idle.
	if _, err := Enqueue(db, convo.ID, "first"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := Enqueue(db, convo.ID, "second"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var got *Batch
	owned, err := HandleInbound(context.Background(), db, convo.ID, "third", 0,
		func(ctx context.Context, b *Batch) error {
			got = b
			return nil
		})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !owned {
		t.Fatal("expected this call to own the run")
	}
	if got == nil || len(got.Messages) != 3 {
		t.Fatalf("batch = %+v, want 3 messages", got)
	}
	want := []string{"first", "second", "third"}
	for i, m := range got.Messages {
		if m.Text != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, m.Text, want[i])
		}
	}
	if got.Combined() != "first\nsecond\nthird" {
		t.Errorf("Combined = %q", got.Combined())
	}

	// Whole batch consumed, lock released.
	var pending int64
	db.Model(&models.InboxMessage{}).
		Where("conversation_id = ? AND is_processed = ?", convo.ID, false).
		Count(&pending)
	if pending != 0 {
		t.Errorf("unprocessed after run = %d, want 0", pending)
	}
	var after models.Conversation
	db.First(&after, convo.ID)
	if after.IsProcessing {
		t.Error("run flag still set after completion")
	}
	if after.LastResponseAt == nil {
		t.Error("LastResponseAt not recorded")
	}
}

func TestHandleInbound_LockContention(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	claimed, err := TryClaim(db, convo.ID, 0)
	if err != nil || !claimed {
		t.Fatalf("TryClaim: claimed=%v err=%v", claimed, err)
	}

	// A message arriving during the run is queued, not processed.
	ran := false
	owned, err := HandleInbound(context.Background(), db, convo.ID, "mid-run", 0,
		func(ctx context.Context, b *Batch) error {
			ran = true
			return nil
		})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if owned || ran {
		t.Error("contended call must not own a run")
	}

	var pending int64
	db.Model(&models.InboxMessage{}).
		Where("conversation_id = ? AND is_processed = ?", convo.ID, false).
		Count(&pending)
	if pending != 1 {
		t.Errorf("queued messages = %d, want 1", pending)
	}
}

func TestHandleInbound_ReleasesOnError(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	owned, err := HandleInbound(context.Background(), db, convo.ID, "boom", 0,
		func(ctx context.Context, b *Batch) error {
			return fmt.Errorf("reasoning failed")
		})
	if !owned {
		t.Fatal("expected to own the run")
	}
	if err == nil {
		t.Fatal("expected processing error to propagate")
	}

	var after models.Conversation
	db.First(&after, convo.ID)
	if after.IsProcessing {
		t.Error("run flag must be cleared even when processing fails")
	}
}

func TestTryClaim_Exclusive(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	first, err := TryClaim(db, convo.ID, 0)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	second, err := TryClaim(db, convo.ID, 0)
	if err != nil {
		t.Fatalf("TryClaim (second): %v", err)
	}
	if !first || second {
		t.Errorf("claims = (%v, %v), want (true, false)", first, second)
	}
}

func TestConcurrent_TryClaim_OneWinner(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	const goroutines = 8
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			claimed, err := TryClaim(db, convo.ID, 0)
			if err == nil && claimed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("concurrent claim winners = %d, want exactly 1", got)
	}
}

func TestTryClaim_StaleRecovery(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	// Simulate a run that died holding the lock.
	stale := time.Now().Add(-15 * time.Minute)
	db.Model(&models.Conversation{}).Where("id = ?", convo.ID).
		Updates(map[string]interface{}{
			"is_processing":         true,
			"processing_started_at": stale,
		})

	claimed, err := TryClaim(db, convo.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if !claimed {
		t.Error("expected stale lock to self-heal and claim to succeed")
	}
}

func TestTryClaim_FreshLockHeld(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	now := time.Now()
	db.Model(&models.Conversation{}).Where("id = ?", convo.ID).
		Updates(map[string]interface{}{
			"is_processing":         true,
			"processing_started_at": now,
		})

	claimed, err := TryClaim(db, convo.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if claimed {
		t.Error("fresh lock must not be stolen")
	}
}

func TestExactlyOnce_AcrossRuns(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	const total = 10
	seen := map[string]int{}
	for i := 0; i < total; i++ {
		text := fmt.Sprintf("msg-%d", i)
		_, err := HandleInbound(context.Background(), db, convo.ID, text, 0,
			func(ctx context.Context, b *Batch) error {
				for _, m := range b.Messages {
					seen[m.Text]++
				}
				return nil
			})
		if err != nil {
			t.Fatalf("HandleInbound %d: %v", i, err)
		}
	}

	if len(seen) != total {
		t.Fatalf("consumed %d distinct messages, want %d", len(seen), total)
	}
	for text, n := range seen {
		if n != 1 {
			t.Errorf("%s consumed %d times, want exactly once", text, n)
		}
	}
}

func TestSweepOrphans(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	// A message arrived during a run and the run has since completed:
	// it sits unprocessed with no lock held.
	if _, err := Enqueue(db, convo.ID, "orphaned"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var got *Batch
	started, err := SweepOrphans(context.Background(), db, 0,
		func(ctx context.Context, b *Batch) error {
			got = b
			return nil
		})
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if started != 1 {
		t.Errorf("runs started = %d, want 1", started)
	}
	if got == nil || len(got.Messages) != 1 || got.Messages[0].Text != "orphaned" {
		t.Errorf("batch = %+v, want the orphaned message", got)
	}
}

func TestSweepOrphans_SkipsActiveRuns(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	if _, err := Enqueue(db, convo.ID, "queued"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if claimed, _ := TryClaim(db, convo.ID, 0); !claimed {
		t.Fatal("setup claim failed")
	}

	started, err := SweepOrphans(context.Background(), db, 0,
		func(ctx context.Context, b *Batch) error { return nil })
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if started != 0 {
		t.Errorf("sweep started %d runs under an active lock, want 0", started)
	}
}

func TestDelete_DetachesImageJobs(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	job := models.ImageJob{Reference: "ref-1", RequesterID: "u1", ConversationID: &convo.ID}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := Enqueue(db, convo.ID, "hello"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := Delete(db, convo.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var after models.ImageJob
	if err := db.First(&after, job.ID).Error; err != nil {
		t.Fatalf("job must survive conversation deletion: %v", err)
	}
	if after.ConversationID != nil {
		t.Error("job conversation link must be cleared, not cascaded")
	}

	var inbox int64
	db.Model(&models.InboxMessage{}).Where("conversation_id = ?", convo.ID).Count(&inbox)
	if inbox != 0 {
		t.Errorf("inbox rows after delete = %d, want 0", inbox)
	}
}

func TestArchive(t *testing.T) {
	db := openTestDB(t)
	convo := newConversation(t, db)

	if err := Archive(db, convo.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	var after models.Conversation
	db.First(&after, convo.ID)
	if after.Status != models.ConversationArchived {
		t.Errorf("status = %q, want archived", after.Status)
	}

	if err := Archive(db, convo.ID); err == nil {
		t.Error("expected error archiving an already-archived conversation")
	}
}
