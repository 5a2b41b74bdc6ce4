package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

// CollectionHandler exposes the price collector and its schedule.
type CollectionHandler struct {
	collector *services.PriceCollector
	scheduler *services.CollectionScheduler
}

func NewCollectionHandler(collector *services.PriceCollector, scheduler *services.CollectionScheduler) *CollectionHandler {
	return &CollectionHandler{
		collector: collector,
		scheduler: scheduler,
	}
}

// Collect runs one collection synchronously and returns its result
func (h *CollectionHandler) Collect(c *gin.Context) {
	limit, ok := queryInt(c, "limit", h.collector.DefaultLimit())
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	result := h.collector.Collect(c.Request.Context(), limit)
	switch {
	case result.Rejected:
		c.JSON(http.StatusConflict, result)
	case !result.Success:
		c.JSON(http.StatusInternalServerError, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (h *CollectionHandler) GetTrends(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultTrendDays)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}

	analysis, err := h.collector.GenerateMarketTrendAnalysis(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

type scheduleRequest struct {
	IntervalHours *int `json:"interval_hours" binding:"required"`
}

// Schedule replaces the collection interval. Zero stops scheduled collection.
func (h *CollectionHandler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.IntervalHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval_hours must not be negative"})
		return
	}

	h.scheduler.ScheduleCollection(*req.IntervalHours)
	c.JSON(http.StatusOK, gin.H{
		"interval_hours": h.scheduler.IntervalHours(),
	})
}

func (h *CollectionHandler) GetStatus(c *gin.Context) {
	status, err := h.scheduler.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}
