// Package webhook exposes the inbound HTTP surface: the image worker's
// signed completion callback and campaign delivery stats.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/broadcast"
	"github.com/zulandar/courier/internal/imagejob"
	"github.com/zulandar/courier/internal/ingress"
	"gorm.io/gorm"
)

// SignatureHeader carries the callback's HMAC over the job reference.
const SignatureHeader = "X-Signature"

// StartOpts holds configuration for the webhook server.
type StartOpts struct {
	DB      *gorm.DB
	Jobs    *imagejob.Service
	Ingress *ingress.Pipeline // optional; enables the inbound relay route
	Secret  string
	Port    int
	Out     io.Writer
}

// Start launches the webhook HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("webhook: db is required")
	}
	if opts.Secret == "" {
		return fmt.Errorf("webhook: secret is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Webhook server listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.POST("/callbacks/image", handleImageCallback(opts))
	router.GET("/campaigns/:id/stats", handleCampaignStats(opts.DB))
	if opts.Ingress != nil {
		router.POST("/inbound", handleInbound(opts.Ingress))
	}
}

// handleInbound accepts a message relayed from the platform gateway.
// A limiter denial is 429 so the gateway can surface the throttle to
// the sender; a queued message (another run holds the lock) is still
// 202, the batch protocol answers it with the running turn's successor.
func handleInbound(pipeline *ingress.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg struct {
			SubjectID string `json:"subject_id" binding:"required"`
			ChannelID string `json:"channel_id" binding:"required"`
			Platform  string `json:"platform"`
			Text      string `json:"text" binding:"required"`
		}
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed message"})
			return
		}

		owned, err := pipeline.Handle(c.Request.Context(), ingress.Inbound{
			SubjectID: msg.SubjectID,
			ChannelID: msg.ChannelID,
			Platform:  msg.Platform,
			Text:      msg.Text,
		})
		if errors.Is(err, ingress.ErrAdmissionDenied) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "inbound handling failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "owned": owned})
	}
}

// handleImageCallback verifies the worker's signature and reconciles
// the callback. Duplicates acknowledge with 200 so the worker stops
// retrying; an unknown reference is 404 so a misrouted callback is
// visible on the worker side.
func handleImageCallback(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cb imagejob.Callback
		if err := c.ShouldBindJSON(&cb); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed callback"})
			return
		}

		sig := c.GetHeader(SignatureHeader)
		if !imagejob.Verify(opts.Secret, cb.Reference, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}

		res, err := opts.Jobs.HandleCallback(c.Request.Context(), cb)
		if errors.Is(err, imagejob.ErrUnknownReference) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown reference"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "callback handling failed"})
			return
		}

		if res.Duplicate {
			c.JSON(http.StatusOK, gin.H{"status": "already-processed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "delivered": res.Delivered})
	}
}

func handleCampaignStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad campaign id"})
			return
		}

		stats, err := broadcast.Stats(db, uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
			return
		}
		if stats.Total == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no deliveries for campaign"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"campaign_id": id,
			"total":       stats.Total,
			"pending":     stats.Pending,
			"sent":        stats.Sent,
			"failed":      stats.Failed,
			"blocked":     stats.Blocked,
			"retryable":   stats.Retryable,
		})
	}
}
