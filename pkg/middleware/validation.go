package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/troikatech/voicebridge/pkg/errors"
)

// ValidateUUIDParam rejects malformed entity IDs before the handler runs.
func ValidateUUIDParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		idStr := c.Param(paramName)
		if idStr == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			c.Abort()
			return
		}

		if _, err := uuid.Parse(idStr); err != nil {
			errors.BadRequest(c, "invalid "+paramName+" parameter: must be a UUID")
			c.Abort()
			return
		}

		c.Next()
	}
}
