package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

type CardHandler struct {
	queries *services.CardQueries
}

func NewCardHandler(queries *services.CardQueries) *CardHandler {
	return &CardHandler{
		queries: queries,
	}
}

type searchRequest struct {
	Query    string   `form:"q"`
	SetID    string   `form:"set_id"`
	Rarity   string   `form:"rarity"`
	Type     string   `form:"type"`
	PriceMin *float64 `form:"price_min"`
	PriceMax *float64 `form:"price_max"`
	SortBy   string   `form:"sort_by"`
	Limit    int      `form:"limit" binding:"min=0"`
	Offset   int      `form:"offset" binding:"min=0"`
}

// SearchCards searches the local card cache
func (h *CardHandler) SearchCards(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SortBy != "" && req.SortBy != "name" && req.SortBy != "price" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort_by must be 'name' or 'price'"})
		return
	}

	result, err := h.queries.SearchCards(c.Request.Context(), database.CardSearchParams{
		Query:    strings.TrimSpace(req.Query),
		SetID:    req.SetID,
		Rarity:   req.Rarity,
		Type:     req.Type,
		PriceMin: req.PriceMin,
		PriceMax: req.PriceMax,
		SortBy:   req.SortBy,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetPriceHistory returns the stored samples for one card variant
func (h *CardHandler) GetPriceHistory(c *gin.Context) {
	cardID := c.Param("id")

	var variant models.PriceVariant
	if raw := c.Query("variant"); raw != "" {
		v, ok := models.ParsePriceVariant(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown price variant"})
			return
		}
		variant = v
	}

	days, ok := queryInt(c, "days", 0)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}

	history, err := h.queries.GetPriceHistory(c.Request.Context(), cardID, variant, days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"card_id": cardID,
		"history": history,
	})
}
