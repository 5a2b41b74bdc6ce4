package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

type AnalyticsHandler struct {
	engine *services.AnalyticsEngine
	log    *zap.Logger
}

func NewAnalyticsHandler(engine *services.AnalyticsEngine, log *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		engine: engine,
		log:    log,
	}
}

type trackRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Data      map[string]any `json:"data"`
	UserID    *string        `json:"user_id"`
	URL       string         `json:"url"`
}

// TrackEvent queues one client event under the caller's session
func (h *AnalyticsHandler) TrackEvent(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client := clientContext(c, req.URL)
	err := h.engine.TrackClientEvent(client, models.EventType(req.EventType), req.Data, req.UserID)
	if errors.Is(err, services.ErrUnknownEventType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("Failed to track event", zap.String("event_type", req.EventType), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":     "queued",
		"session_id": client.SessionID,
	})
}

func (h *AnalyticsHandler) Flush(c *gin.Context) {
	if err := h.engine.FlushEvents(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "flushed",
		"pending": h.engine.QueueSize(),
	})
}

// Lifecycle handles page suspend and resume notifications
func (h *AnalyticsHandler) Lifecycle(c *gin.Context) {
	client := clientContext(c, "")

	var err error
	switch hook := c.Param("hook"); hook {
	case "suspend":
		err = h.engine.OnSuspend(c.Request.Context(), client)
	case "resume":
		err = h.engine.OnResume(client)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "hook must be 'suspend' or 'resume'"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *AnalyticsHandler) GetUserBehavior(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultReportDays)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}
	report, err := h.engine.GetUserBehaviorAnalytics(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AnalyticsHandler) GetSearchAnalytics(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultReportDays)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}
	report, err := h.engine.GetSearchAnalytics(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AnalyticsHandler) GetCardPerformance(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultCardReportDays)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}
	report, err := h.engine.GetCardPerformanceAnalytics(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AnalyticsHandler) GetReport(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultReportDays)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}
	report, err := h.engine.GenerateAnalyticsReport(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
