package imagejob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/ratelimit"
	"github.com/zulandar/courier/internal/transport"
	"gorm.io/gorm"
)

// Callback status codes reported by the external worker.
const (
	CallbackCompleted = "COMPLETED"
	CallbackFailed    = "FAILED"
)

// ErrUnknownReference is returned for callbacks that match no job.
var ErrUnknownReference = errors.New("imagejob: unknown reference")

// Callback is the asynchronous completion notification from the worker.
type Callback struct {
	Reference string `json:"reference" binding:"required"`
	Status    string `json:"status" binding:"required"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

// CallbackResult reports what handling a callback did.
type CallbackResult struct {
	Job       *models.ImageJob
	Duplicate bool // job was already terminal; nothing changed
	Delivered bool // result was handed to the destination
}

// Sign computes the hex HMAC-SHA256 of the reference under secret.
// The worker includes it with every callback so forged completions are
// rejected at the door.
func Sign(secret, reference string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(reference))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature for reference,
// compared in constant time.
func Verify(secret, reference, sig string) bool {
	want := Sign(secret, reference)
	return hmac.Equal([]byte(want), []byte(sig))
}

// HandleCallback reconciles a worker callback against the durable job
// record. A callback for a job already in a terminal state is
// acknowledged and ignored: terminal states are sticky, so duplicate or
// retried callbacks never change state or trigger a second delivery.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (*CallbackResult, error) {
	var job models.ImageJob
	err := s.DB.Where("reference = ?", cb.Reference).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, cb.Reference)
	}
	if err != nil {
		return nil, fmt.Errorf("imagejob: load %s: %w", cb.Reference, err)
	}

	if job.Terminal() {
		return &CallbackResult{Job: &job, Duplicate: true}, nil
	}

	status := models.JobFailed
	if cb.Status == CallbackCompleted {
		status = models.JobCompleted
	}

	// Guarded transition: only a non-terminal row moves. A concurrent
	// duplicate callback loses the race and is treated as a no-op.
	now := time.Now()
	res := s.DB.Model(&models.ImageJob{}).
		Where("id = ? AND status IN ?", job.ID, []string{models.JobQueued, models.JobRunning}).
		Updates(map[string]interface{}{
			"status":      status,
			"result_url":  cb.ResultURL,
			"error":       cb.Error,
			"finished_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("imagejob: transition %s: %w", cb.Reference, res.Error)
	}
	if res.RowsAffected == 0 {
		return &CallbackResult{Job: &job, Duplicate: true}, nil
	}

	job.Status = status
	job.ResultURL = cb.ResultURL
	job.Error = cb.Error
	job.FinishedAt = &now

	s.releaseSlot(ctx, job.RequesterID)

	ext, err := job.Ext()
	if err != nil {
		return nil, err
	}
	dest := s.destination(&job, ext)
	if dest != "" && s.Presence != nil {
		s.Presence.Stop(dest)
	}

	if status == models.JobFailed {
		if dest != "" && ext[models.ExtSkipDelivery] != "true" && s.Adapter != nil {
			if _, err := s.Adapter.Send(ctx, transport.Message{ChannelID: dest, Text: FailureNotice}); err != nil {
				log.Printf("imagejob: failure notice to %s: %v", dest, err)
			}
		}
		return &CallbackResult{Job: &job}, nil
	}

	if ext[models.ExtSkipDelivery] == "true" {
		if ext[models.ExtProfileAsset] == "true" && s.AssignProfile != nil {
			if err := s.AssignProfile(ctx, job.RequesterID, job.ResultURL); err != nil {
				return nil, fmt.Errorf("imagejob: assign profile asset %s: %w", cb.Reference, err)
			}
		}
		return &CallbackResult{Job: &job}, nil
	}

	delivered, err := s.deliver(ctx, &job, ext, dest)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Job: &job, Delivered: delivered}, nil
}

// deliver hands a completed result to its destination, applying the
// obscure policy first. The original result stays on the record so an
// obscured send can be unlocked later without regenerating.
func (s *Service) deliver(ctx context.Context, job *models.ImageJob, ext map[string]string, dest string) (bool, error) {
	if dest == "" || s.Adapter == nil {
		return false, nil
	}

	url := job.ResultURL
	if s.Obscure != nil && s.Obscure(ctx, job) {
		if s.Obscurer == nil {
			return false, fmt.Errorf("imagejob: obscure policy set without an obscurer")
		}
		obscured, err := s.Obscurer.Obscure(ctx, job.ResultURL)
		if err != nil {
			return false, fmt.Errorf("imagejob: obscure %s: %w", job.Reference, err)
		}
		if err := s.DB.Model(&models.ImageJob{}).Where("id = ?", job.ID).
			Update("obscured_url", obscured).Error; err != nil {
			return false, fmt.Errorf("imagejob: store obscured variant %s: %w", job.Reference, err)
		}
		job.ObscuredURL = obscured
		url = obscured
	}

	_, err := s.Adapter.Send(ctx, transport.Message{
		ChannelID: dest,
		PhotoURL:  url,
		Caption:   ext[models.ExtCaption],
	})
	if err != nil {
		return false, fmt.Errorf("imagejob: deliver %s: %w", job.Reference, err)
	}
	return true, nil
}

func (s *Service) releaseSlot(ctx context.Context, requesterID string) {
	if s.Slots == nil {
		return
	}
	key := ratelimit.SlotKey(requesterID, SlotKind)
	if err := s.Slots.ReleaseSlot(ctx, key); err != nil {
		log.Printf("imagejob: release slot %s: %v", key, err)
	}
}
