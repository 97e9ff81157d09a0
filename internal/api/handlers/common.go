package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// getCallerIdentity returns the authenticated identity set by the auth middleware
func getCallerIdentity(c *gin.Context) (string, bool) {
	identity := c.GetString("user_id")
	return identity, identity != ""
}

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}

// parseOrderID reads the :id path parameter
func parseOrderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, ErrCodeInvalidID, "Invalid order ID")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt returns an integer query parameter or def when absent or malformed
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
