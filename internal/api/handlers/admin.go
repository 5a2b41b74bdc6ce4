package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

// maxBatchOperations bounds one batch request
const maxBatchOperations = 1000

type AdminHandler struct {
	dashboard   *services.DashboardService
	maintenance *services.MaintenanceWorker
	executor    *services.QueryExecutor
	batch       *services.BatchExecutor
	log         *zap.Logger
}

func NewAdminHandler(dashboard *services.DashboardService, maintenance *services.MaintenanceWorker, executor *services.QueryExecutor, batch *services.BatchExecutor, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		dashboard:   dashboard,
		maintenance: maintenance,
		executor:    executor,
		batch:       batch,
		log:         log,
	}
}

func (h *AdminHandler) GetDashboard(c *gin.Context) {
	dashboard, err := h.dashboard.Generate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

// RunMaintenance runs every maintenance task now. Task failures are reported in the body,
// so the status is 200 unless the report itself could not be produced.
func (h *AdminHandler) RunMaintenance(c *gin.Context) {
	report := h.maintenance.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) GetLastMaintenance(c *gin.Context) {
	report := h.maintenance.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "maintenance has not run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) GetPerformance(c *gin.Context) {
	c.JSON(http.StatusOK, h.executor.GetPerformanceMetrics())
}

func (h *AdminHandler) ClearCache(c *gin.Context) {
	h.executor.ClearCache()
	h.log.Info("Query cache cleared by admin request")
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

type batchRequest struct {
	Operations []database.Operation `json:"operations" binding:"required"`
	BatchSize  int                  `json:"batch_size"`
}

// ExecuteBatch applies generic mutations to one table
func (h *AdminHandler) ExecuteBatch(c *gin.Context) {
	table := c.Param("table")

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Operations) > maxBatchOperations {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many operations in one batch"})
		return
	}
	for _, op := range req.Operations {
		switch op.Type {
		case database.OpInsert, database.OpUpdate, database.OpDelete:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "operation type must be insert, update or delete"})
			return
		}
	}
	if err := database.ValidateTable(table); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrUnknownTable) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	result := h.batch.Execute(c.Request.Context(), table, req.Operations, req.BatchSize)
	c.JSON(http.StatusOK, result)
}
