package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetlabs/fleet-server/internal/api/handlers"
	"github.com/fleetlabs/fleet-server/internal/api/middleware"
	v1 "github.com/fleetlabs/fleet-server/internal/api/v1"
)

func init() {
	// Set Gin to release mode to disable debug logging
	gin.SetMode(gin.ReleaseMode)
}

type Router struct {
	engine   *gin.Engine
	endpoint string
}

func NewRouter(webhookHandler *handlers.WebhookHandler, statusHandler *handlers.StatusHandler, endpoint string) *Router {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.Logging())

	r := &Router{
		engine:   engine,
		endpoint: endpoint,
	}

	r.registerRoutes(webhookHandler, statusHandler)
	return r
}

func (r *Router) registerRoutes(webhookHandler *handlers.WebhookHandler, statusHandler *handlers.StatusHandler) {
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.engine.Group(r.endpoint)
	v1.RegisterRoutes(api, webhookHandler, statusHandler)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) AddMiddleware(middleware gin.HandlerFunc) {
	r.engine.Use(middleware)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
