package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// queryInt reads a non-negative integer query parameter. Missing means def.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
