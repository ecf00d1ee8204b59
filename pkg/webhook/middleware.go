package webhook

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

const ctxRawBody = "webhook_raw_body"

// Guard is the ingress policy for provider webhooks. Every delivery is
// deduplicated first and signature-checked second, so a replay is
// acknowledged without any HMAC work or handler run.
type Guard struct {
	// Secrets resolves the signing secret for a provider name. An empty
	// result means no secret is configured for that provider.
	Secrets func(provider string) string
	Dedup   *Deduper
	// Production controls the missing-secret policy: refuse deliveries in
	// production, accept them with a warning everywhere else.
	Production bool
	// PublicBaseURL, when set, overrides the Host header when rebuilding
	// the full URL a provider signed.
	PublicBaseURL string
	Log           *zap.Logger
}

type verifyFunc func(g *Guard, c *gin.Context, secret string, body []byte) error

// Providers without an entry here have no signature scheme and are accepted
// as-is.
var verifiers = map[string]verifyFunc{
	"exotel": func(_ *Guard, c *gin.Context, secret string, body []byte) error {
		return VerifyExotel(secret, body, c.GetHeader(HeaderExotelSignature))
	},
	"plivo": func(_ *Guard, c *gin.Context, secret string, body []byte) error {
		return VerifyPlivo(secret, body, c.GetHeader(HeaderPlivoNonce), c.GetHeader(HeaderPlivoSignature))
	},
	"twilio": func(g *Guard, c *gin.Context, secret string, body []byte) error {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return ErrInvalidSignature
		}
		return VerifyTwilio(secret, g.requestURL(c), form, c.GetHeader(HeaderTwilioSignature))
	},
}

// Middleware returns the guard for one provider endpoint. kind labels the
// endpoint for logs and metrics ("voice", "status").
func (g *Guard) Middleware(provider, kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.WebhooksReceived.WithLabelValues(provider, kind).Inc()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apperrors.BadRequest(c, "request body could not be read")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(ctxRawBody, body)

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			key = Fingerprint(c.Request.URL.Path, body)
		}
		if g.Dedup.Remember(key) {
			metrics.WebhooksDuplicate.WithLabelValues(provider).Inc()
			g.Log.Info("duplicate webhook acknowledged",
				zap.String("provider", provider),
				zap.String("kind", kind),
			)
			c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
			c.Abort()
			return
		}

		verify, signed := verifiers[provider]
		if !signed {
			g.Log.Warn("provider has no signature scheme, accepting delivery",
				zap.String("provider", provider))
			c.Next()
			return
		}

		secret := g.Secrets(provider)
		if secret == "" {
			if g.Production {
				g.Log.Error("webhook secret not configured",
					zap.String("provider", provider))
				apperrors.ErrorResponse(c, http.StatusInternalServerError,
					"Internal Server Error",
					"webhook verification is not configured for this provider")
				c.Abort()
				return
			}
			g.Log.Warn("webhook secret not configured, accepting unverified delivery",
				zap.String("provider", provider))
			c.Next()
			return
		}

		if err := verify(g, c, secret, body); err != nil {
			metrics.WebhooksUnauthorized.WithLabelValues(provider).Inc()
			g.Log.Warn("webhook signature rejected",
				zap.String("provider", provider),
				zap.String("kind", kind),
				zap.Error(err),
			)
			apperrors.Unauthorized(c, "webhook signature verification failed")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RawBody returns the request body captured by the guard, or nil when the
// guard did not run.
func RawBody(c *gin.Context) []byte {
	if v, ok := c.Get(ctxRawBody); ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

func (g *Guard) requestURL(c *gin.Context) string {
	if g.PublicBaseURL != "" {
		return strings.TrimRight(g.PublicBaseURL, "/") + c.Request.URL.RequestURI()
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
