package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/compute-swarm/agent/internal/middleware"
	"github.com/compute-swarm/agent/internal/services"
)

// NewRouter assembles the node's HTTP API. Mutating routes require a JWT when
// a secret is configured; the health endpoint is always open.
func NewRouter(swarm *services.Swarm, jwtSecret string) *gin.Engine {
	router := gin.Default()
	jobs := NewJobHandler(swarm)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peer_id": swarm.SelfID()})
	})

	api := router.Group("/api/v1")
	if jwtSecret != "" {
		api.Use(middleware.JWTMiddleware(jwtSecret))
	}

	api.POST("/jobs", jobs.Submit)
	api.GET("/jobs/:id", jobs.Get)
	api.DELETE("/jobs/:id", jobs.Cancel)
	api.GET("/status", jobs.NodeStatus)
	api.GET("/trust", jobs.Trust)
	api.GET("/checkpoints", jobs.Checkpoints)

	return router
}
