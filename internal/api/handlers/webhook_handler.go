package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetlabs/fleet-server/internal/api/models"
	"github.com/fleetlabs/fleet-server/internal/core/services"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

// WebhookHandler translates CI platform webhook deliveries into demand
// signals. It never touches the ledger directly.
type WebhookHandler struct {
	demand *services.DemandService
}

func NewWebhookHandler(demand *services.DemandService) *WebhookHandler {
	return &WebhookHandler{demand: demand}
}

// WorkflowJob handles workflow_job deliveries. Unknown actions and
// unknown jobs answer 200: the platform retries on anything else and a
// retry cannot make them known.
func (h *WebhookHandler) WorkflowJob(c *gin.Context) {
	log := logger.WithComponent("webhook_handler")

	var event models.WorkflowJobEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		log.Error().Err(err).Msg("Invalid webhook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	owner := event.Repository.Owner.Login
	repo := event.Repository.Name
	job := event.WorkflowJob

	var err error
	switch event.Action {
	case "queued":
		err = h.demand.JobQueued(ctx, owner, repo, job.ID, job.Labels, job.HTMLURL)
	case "in_progress":
		err = h.demand.JobInProgress(ctx, job.ID, job.RunnerName, job.HTMLURL)
	case "completed":
		if job.Conclusion == "cancelled" {
			err = h.demand.JobCancelled(ctx, job.ID)
		} else {
			err = h.demand.JobCompleted(ctx, job.ID)
		}
	default:
		log.Debug().Str("action", event.Action).Msg("Ignoring workflow_job action")
		c.Status(http.StatusOK)
		return
	}

	if err != nil {
		if errors.Is(err, services.ErrUnknownJob) {
			log.Warn().
				Str("action", event.Action).
				Int64("ci_job_id", job.ID).
				Msg("Webhook for job the ledger does not track")
			c.Status(http.StatusOK)
			return
		}
		log.Error().Err(err).Str("action", event.Action).Int64("ci_job_id", job.ID).Msg("Webhook processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}

// RunnerProvisioned is the boot confirmation callback.
func (h *WebhookHandler) RunnerProvisioned(c *gin.Context) {
	log := logger.WithComponent("webhook_handler")

	var req models.ProvisionCallback
	if err := c.ShouldBindJSON(&req); err != nil || req.Hostname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname required"})
		return
	}

	if err := h.demand.RunnerProvisioned(c.Request.Context(), req.Hostname); err != nil {
		log.Error().Err(err).Str("hostname", req.Hostname).Msg("Provision confirmation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// RunnerProvisionFailed is the boot failure callback.
func (h *WebhookHandler) RunnerProvisionFailed(c *gin.Context) {
	log := logger.WithComponent("webhook_handler")

	var req models.ProvisionCallback
	if err := c.ShouldBindJSON(&req); err != nil || req.Hostname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname required"})
		return
	}

	if err := h.demand.RunnerProvisionFailed(c.Request.Context(), req.Hostname, req.Reason); err != nil {
		log.Error().Err(err).Str("hostname", req.Hostname).Msg("Provision failure report failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
