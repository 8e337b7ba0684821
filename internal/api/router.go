// internal/api/router.go
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/Slade66/media-tracker/internal/manager"
	"github.com/Slade66/media-tracker/pkg/job"
)

// Tracker is what the view layer can ask of the job manager.
type Tracker interface {
	SubmitJob(ctx context.Context, endpoint string, payload map[string]any) manager.SubmitResponse
	Snapshot() map[string]job.DownloadJob
	ClearJob(ctx context.Context, id string) manager.ClearResponse
	Degraded() bool
}

type handler struct {
	tracker Tracker
	log     logr.Logger
}

// NewRouter builds the HTTP surface over a tracker.
func NewRouter(tracker Tracker, log logr.Logger) *gin.Engine {
	h := &handler{tracker: tracker, log: log}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	api := router.Group("/api")
	{
		api.POST("/jobs", h.submit)
		api.GET("/jobs", h.list)
		api.DELETE("/jobs/:id", h.clear)
	}
	router.GET("/healthz", h.health)

	return router
}

func (h *handler) submit(c *gin.Context) {
	var request struct {
		Endpoint string         `json:"endpoint"`
		Payload  map[string]any `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, manager.SubmitResponse{Success: false, Message: "invalid request: " + err.Error()})
		return
	}

	resp := h.tracker.SubmitJob(c.Request.Context(), request.Endpoint, request.Payload)
	if !resp.Success {
		c.JSON(http.StatusBadGateway, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *handler) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"downloads": h.tracker.Snapshot(),
	})
}

func (h *handler) clear(c *gin.Context) {
	resp := h.tracker.ClearJob(c.Request.Context(), c.Param("id"))
	if !resp.Success {
		c.JSON(http.StatusNotFound, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"degraded": h.tracker.Degraded(),
		"jobs":     len(h.tracker.Snapshot()),
	})
}

func requestLogger(log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.V(1).Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
