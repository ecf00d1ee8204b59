package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/troikatech/voicebridge/pkg/errors"
)

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestSizeLimit rejects oversized bodies. Declared lengths above the
// limit get an immediate 413; chunked bodies are capped with
// http.MaxBytesReader so reads fail once the limit is crossed.
func RequestSizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			errors.ErrorResponse(c, http.StatusRequestEntityTooLarge,
				"Payload Too Large",
				"request body exceeds the size limit",
			)
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
