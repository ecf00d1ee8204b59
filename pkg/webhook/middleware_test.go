package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
	metrics.Init()
}

func testSecrets(p string) string {
	return map[string]string{
		"exotel": "exotel-secret",
		"plivo":  "plivo-token",
		"twilio": "twilio-token",
	}[p]
}

func newGuard(production bool) *Guard {
	return &Guard{
		Secrets:    testSecrets,
		Dedup:      NewDeduper(100),
		Production: production,
		Log:        zap.NewNop(),
	}
}

func guardRouter(g *Guard, provider string, handled *int) *gin.Engine {
	r := gin.New()
	r.POST("/webhooks/"+provider+"/status", g.Middleware(provider, "status"), func(c *gin.Context) {
		*handled++
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return r
}

func TestGuardAcceptsSignedDelivery(t *testing.T) {
	var handled int
	g := newGuard(true)

	body := `{"CallSid":"abc123","CallStatus":"completed"}`
	var captured []byte
	r := gin.New()
	r.POST("/webhooks/exotel/status", g.Middleware("exotel", "status"), func(c *gin.Context) {
		handled++
		captured = RawBody(c)
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/exotel/status", strings.NewReader(body))
	req.Header.Set(HeaderExotelSignature, "qZxZVNnFT6o0NQFc24RnUXqA5Xo=")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if handled != 1 {
		t.Errorf("handler ran %d times, want 1", handled)
	}
	if string(captured) != body {
		t.Errorf("RawBody = %q, want the posted body", captured)
	}
}

func TestGuardRejectsBadSignature(t *testing.T) {
	var handled int
	g := newGuard(true)
	r := guardRouter(g, "exotel", &handled)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/exotel/status",
		strings.NewReader(`{"CallSid":"abc123","CallStatus":"completed"}`))
	req.Header.Set(HeaderExotelSignature, "bm90LWEtcmVhbC1zaWduYXR1cmU=")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if handled != 0 {
		t.Errorf("handler ran %d times for a forged delivery", handled)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/problem+json") {
		t.Errorf("Content-Type = %q, want problem+json", ct)
	}
}

func TestGuardShortCircuitsDuplicates(t *testing.T) {
	var handled int
	g := newGuard(true)
	r := guardRouter(g, "exotel", &handled)

	body := `{"CallSid":"abc123","CallStatus":"completed"}`
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/exotel/status", strings.NewReader(body))
		req.Header.Set(HeaderExotelSignature, "qZxZVNnFT6o0NQFc24RnUXqA5Xo=")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send()
	second := send()

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d; want 200, 200", first.Code, second.Code)
	}
	if handled != 1 {
		t.Errorf("handler ran %d times, want 1", handled)
	}
	if !bytes.Contains(second.Body.Bytes(), []byte(`"duplicate":true`)) {
		t.Errorf("replay response %s does not mark the duplicate", second.Body.String())
	}
}

func TestGuardDuplicateWinsOverBadSignature(t *testing.T) {
	var handled int
	g := newGuard(true)
	r := guardRouter(g, "exotel", &handled)

	// Unsigned garbage, delivered twice: the replay must be acknowledged
	// with 200 even though the signature never verified.
	body := `{"CallSid":"zzz","CallStatus":"failed"}`
	for i, want := range []int{http.StatusUnauthorized, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/exotel/status", strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("delivery %d: status = %d, want %d", i+1, w.Code, want)
		}
	}
	if handled != 0 {
		t.Errorf("handler ran %d times for unsigned deliveries", handled)
	}
}

func TestGuardIdempotencyKeyOverridesFingerprint(t *testing.T) {
	var handled int
	g := newGuard(false)
	r := guardRouter(g, "vonage", &handled)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/vonage/status", strings.NewReader(body))
		req.Header.Set(HeaderIdempotencyKey, "delivery-42")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	send(`{"uuid":"1","status":"ringing"}`)
	second := send(`{"uuid":"1","status":"answered"}`)

	if handled != 1 {
		t.Errorf("handler ran %d times, want 1", handled)
	}
	if !bytes.Contains(second.Body.Bytes(), []byte(`"duplicate":true`)) {
		t.Errorf("second delivery with the same key was not deduplicated: %s", second.Body.String())
	}
}

func TestGuardMissingSecretPolicy(t *testing.T) {
	tests := []struct {
		name       string
		production bool
		wantStatus int
		wantRuns   int
	}{
		{"production refuses", true, http.StatusInternalServerError, 0},
		{"development warns and allows", false, http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled int
			g := &Guard{
				Secrets:    func(string) string { return "" },
				Dedup:      NewDeduper(100),
				Production: tt.production,
				Log:        zap.NewNop(),
			}
			r := guardRouter(g, "exotel", &handled)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/exotel/status",
				strings.NewReader(`{"CallSid":"s1"}`))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if handled != tt.wantRuns {
				t.Errorf("handler ran %d times, want %d", handled, tt.wantRuns)
			}
		})
	}
}

func TestGuardAcceptsUnsignedVonage(t *testing.T) {
	var handled int
	g := newGuard(true)
	r := guardRouter(g, "vonage", &handled)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/vonage/status",
		strings.NewReader(`{"uuid":"v1","status":"completed"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if handled != 1 {
		t.Errorf("handler ran %d times, want 1", handled)
	}
}

func TestGuardTwilioSignsPublicURL(t *testing.T) {
	var handled int
	g := newGuard(true)
	g.PublicBaseURL = "https://voice.example.com"
	r := guardRouter(g, "twilio", &handled)

	// Signed against the public URL, delivered to an internal host.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status",
		strings.NewReader("CallSid=CA123&CallStatus=completed&From=%2B15550100"))
	req.Host = "10.0.3.7:8080"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderTwilioSignature, "jrB9b4XyuOOVfPi34ZbTWlB3WWQ=")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if handled != 1 {
		t.Errorf("handler ran %d times, want 1", handled)
	}
}
