package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/troikatech/voicebridge/pkg/errors"
)

const internalSecretHeader = "X-Internal-Secret"

// RequireInternalSecret guards the callback endpoints the voice-AI
// process posts to. The shared secret is compared in constant time.
func RequireInternalSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(internalSecretHeader)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			errors.Unauthorized(c, "invalid internal secret")
			c.Abort()
			return
		}
		c.Next()
	}
}
