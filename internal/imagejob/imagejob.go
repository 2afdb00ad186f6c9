// Package imagejob tracks delegated image-generation work through a
// durable state machine: queued → running → {completed, failed}, with
// an idempotent callback handler and a delivery policy for results.
package imagejob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/presence"
	"github.com/zulandar/courier/internal/ratelimit"
	"github.com/zulandar/courier/internal/transport"
	"gorm.io/gorm"
)

// SlotKind is the concurrency-slot action kind for generation work.
const SlotKind = "image_generation"

// FailureNotice is sent to the destination when a job fails. Failures
// are terminal; the caller layer may resubmit as a new job.
const FailureNotice = "Sorry, I couldn't finish that image. Please try again."

// ErrBusy marks a submit rejected by the per-requester concurrency
// ceiling. The requester's earlier jobs must settle first.
var ErrBusy = errors.New("imagejob: too many jobs in flight")

// Params are the generation parameters handed to the external worker.
type Params struct {
	Prompt         string
	NegativePrompt string
}

// Worker submits generation requests to the external image service.
// Completion arrives later through the asynchronous callback.
type Worker interface {
	Generate(ctx context.Context, reference string, params Params) error
}

// ObscureDecision decides whether a completed result must be obscured
// for its recipient (for example, below a credit threshold).
type ObscureDecision func(ctx context.Context, job *models.ImageJob) bool

// Obscurer produces an obscured variant of a result. The original is
// retained on the job so it can be unlocked later without regenerating.
type Obscurer interface {
	Obscure(ctx context.Context, resultURL string) (string, error)
}

// ProfileAssigner applies an out-of-band completed result, such as
// assigning it as the requester's profile asset.
type ProfileAssigner func(ctx context.Context, requesterID, resultURL string) error

// Service owns the job lifecycle and its collaborators.
type Service struct {
	DB       *gorm.DB
	Worker   Worker
	Adapter  transport.Adapter
	Presence *presence.Registry
	Slots    *ratelimit.Limiter
	SlotMax  int
	SlotTTL  time.Duration

	Obscure       ObscureDecision
	Obscurer      Obscurer
	AssignProfile ProfileAssigner
}

// SubmitRequest describes one unit of generation work.
type SubmitRequest struct {
	RequesterID    string
	ConversationID *uint
	ChannelID      string // explicit destination; empty falls back at delivery time
	Params         Params
	Caption        string // attached to the result once ready
	SkipDelivery   bool   // side-effect only, no chat delivery
	ProfileAsset   bool   // assign result as the requester's profile asset
}

// Submit creates the durable job record and hands the work to the
// external worker under a deterministic reference id. While the job is
// in flight a presence indicator runs for the destination.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.ImageJob, error) {
	if req.RequesterID == "" {
		return nil, fmt.Errorf("imagejob: requester is required")
	}
	if req.Params.Prompt == "" {
		return nil, fmt.Errorf("imagejob: prompt is required")
	}

	// The slot is held until the callback settles the job; the TTL
	// covers a worker that never calls back.
	if s.Slots != nil && s.SlotMax > 0 {
		ok, err := s.Slots.AcquireSlot(ctx, ratelimit.SlotKey(req.RequesterID, SlotKind), s.SlotMax, s.SlotTTL)
		if err != nil {
			log.Printf("imagejob: acquire slot for %s: %v", req.RequesterID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBusy, req.RequesterID)
		}
	}

	job := models.ImageJob{
		Reference:      uuid.NewString(),
		RequesterID:    req.RequesterID,
		ConversationID: req.ConversationID,
		Prompt:         req.Params.Prompt,
		NegativePrompt: req.Params.NegativePrompt,
		Status:         models.JobQueued,
	}

	ext := map[string]string{}
	if req.ChannelID != "" {
		ext[models.ExtChannelID] = req.ChannelID
	}
	if req.Caption != "" {
		ext[models.ExtCaption] = req.Caption
	}
	if req.SkipDelivery {
		ext[models.ExtSkipDelivery] = "true"
	}
	if req.ProfileAsset {
		ext[models.ExtProfileAsset] = "true"
	}
	if err := job.SetExt(ext); err != nil {
		return nil, err
	}

	if err := s.DB.Create(&job).Error; err != nil {
		s.releaseSlot(ctx, req.RequesterID)
		return nil, fmt.Errorf("imagejob: create job: %w", err)
	}

	if err := s.Worker.Generate(ctx, job.Reference, req.Params); err != nil {
		s.releaseSlot(ctx, req.RequesterID)
		now := time.Now()
		s.DB.Model(&models.ImageJob{}).Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":      models.JobFailed,
				"error":       err.Error(),
				"finished_at": now,
			})
		return nil, fmt.Errorf("imagejob: submit %s: %w", job.Reference, err)
	}

	s.DB.Model(&models.ImageJob{}).Where("id = ?", job.ID).
		Update("status", models.JobRunning)
	job.Status = models.JobRunning

	if dest := s.destination(&job, ext); dest != "" && !req.SkipDelivery && s.Presence != nil {
		s.Presence.Start(dest)
	}
	return &job, nil
}

// destination resolves where a job's result should go: explicit channel
// hint, then the linked conversation's channel, then the requester's
// default channel.
func (s *Service) destination(job *models.ImageJob, ext map[string]string) string {
	if ch := ext[models.ExtChannelID]; ch != "" {
		return ch
	}
	if job.ConversationID != nil {
		var convo models.Conversation
		if err := s.DB.First(&convo, *job.ConversationID).Error; err == nil {
			return convo.ChannelID
		}
	}
	var recip models.Recipient
	if err := s.DB.Where("subject_id = ?", job.RequesterID).First(&recip).Error; err == nil {
		return recip.ChannelID
	}
	return ""
}
