package v1

import (
	"github.com/gin-gonic/gin"

	"github.com/fleetlabs/fleet-server/internal/api/handlers"
)

func registerWebhookRoutes(router *gin.RouterGroup, webhookHandler *handlers.WebhookHandler) {
	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/workflow-job", webhookHandler.WorkflowJob)
	}

	runners := router.Group("/runners")
	{
		runners.POST("/provisioned", webhookHandler.RunnerProvisioned)
		runners.POST("/provision-failed", webhookHandler.RunnerProvisionFailed)
	}
}

func registerStatusRoutes(router *gin.RouterGroup, statusHandler *handlers.StatusHandler) {
	router.GET("/fleet/status", statusHandler.FleetStatus)
}

func RegisterRoutes(api *gin.RouterGroup, webhookHandler *handlers.WebhookHandler, statusHandler *handlers.StatusHandler) {
	registerWebhookRoutes(api, webhookHandler)
	registerStatusRoutes(api, statusHandler)
}
