package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/otel"
)

// ExotelClient originates calls through Exotel's Connect API.
type ExotelClient struct {
	baseURL    string
	accountSID string
	apiKey     string
	apiToken   string
	httpClient *http.Client
}

// normalizeSubdomain drops .exotel.com when the configured value already
// carries it.
func normalizeSubdomain(subdomain string) string {
	return strings.ReplaceAll(subdomain, ".exotel.com", "")
}

func NewExotelClient(subdomain, accountSID, apiKey, apiToken string) *ExotelClient {
	return &ExotelClient{
		baseURL:    fmt.Sprintf("https://%s.exotel.com", normalizeSubdomain(subdomain)),
		accountSID: accountSID,
		apiKey:     apiKey,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ExotelClient) Dial(ctx context.Context, req DialRequest) (*DialResult, error) {
	var res *DialResult
	err := otel.WithClientSpan(ctx, "exotel", "dial", func(ctx context.Context) error {
		var derr error
		res, derr = c.dial(ctx, req)
		return derr
	})
	metrics.ObserveProvider("exotel", "dial", err)
	return res, err
}

func (c *ExotelClient) dial(ctx context.Context, req DialRequest) (*DialResult, error) {
	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/connect.json", c.baseURL, c.accountSID)

	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("CallerId", req.From)
	form.Set("CallType", "trans")
	if req.CallbackURL != "" {
		form.Set("StatusCallback", req.CallbackURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build exotel request: %w", err)
	}
	httpReq.SetBasicAuth(c.apiKey, c.apiToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("exotel connect: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read exotel response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exotel API error: %s (status %d)", string(body), resp.StatusCode)
	}

	var out struct {
		Call struct {
			Sid    string `json:"Sid"`
			Status string `json:"Status"`
		} `json:"Call"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse exotel response: %w", err)
	}
	if out.Call.Sid == "" {
		return nil, fmt.Errorf("exotel response carried no call sid")
	}

	return &DialResult{ExternalID: out.Call.Sid, Status: store.StatusConnecting}, nil
}
