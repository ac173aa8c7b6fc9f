package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetlabs/fleet-server/internal/api/models"
	coremodels "github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

type StatusHandler struct {
	runners ports.RunnerRepository
	jobs    ports.JobRepository
	createQ ports.CreateTaskQueue
	deleteQ ports.DeleteTaskQueue
}

func NewStatusHandler(
	runners ports.RunnerRepository,
	jobs ports.JobRepository,
	createQ ports.CreateTaskQueue,
	deleteQ ports.DeleteTaskQueue,
) *StatusHandler {
	return &StatusHandler{runners: runners, jobs: jobs, createQ: createQ, deleteQ: deleteQ}
}

// FleetStatus returns a point-in-time summary of the fleet.
func (h *StatusHandler) FleetStatus(c *gin.Context) {
	log := logger.WithComponent("status_handler")
	ctx := c.Request.Context()

	var status models.FleetStatus
	var err error

	if status.RunnersTotal, err = h.runners.Count(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to count runners")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	online, err := h.runners.ListOnline(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list online runners")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status.RunnersOnline = len(online)

	if status.JobsQueued, err = h.jobs.CountByStatus(ctx, coremodels.JobStatusQueued); err == nil {
		if status.JobsRunning, err = h.jobs.CountByStatus(ctx, coremodels.JobStatusInProgress); err == nil {
			status.JobsThrottled, err = h.jobs.CountByStatus(ctx, coremodels.JobStatusThrottled)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to count jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if status.CreateQueue, err = h.createQ.Count(ctx); err == nil {
		status.DeleteQueue, err = h.deleteQ.Count(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue depths")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}
