package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/otel"
)

// TwilioClient redirects live calls through Twilio's Call resource.
// Outbound origination on Twilio is delegated to the voice-AI process,
// which holds the account credentials for dialing, so this client only
// transfers.
type TwilioClient struct {
	baseURL    string
	accountSID string
	authToken  string
	httpClient *http.Client
}

func NewTwilioClient(accountSID, authToken string) *TwilioClient {
	return &TwilioClient{
		baseURL:    "https://api.twilio.com",
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *TwilioClient) Transfer(ctx context.Context, req TransferRequest) error {
	err := otel.WithClientSpan(ctx, "twilio", "transfer", func(ctx context.Context) error {
		return c.transfer(ctx, req)
	})
	metrics.ObserveProvider("twilio", "transfer", err)
	return err
}

// transfer updates the live call with inline instructions that dial the
// human number.
func (c *TwilioClient) transfer(ctx context.Context, req TransferRequest) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, req.ExternalID)

	form := url.Values{}
	form.Set("Twiml", TransferXML(req.ToNumber))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	httpReq.SetBasicAuth(c.accountSID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("twilio call update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twilio API error: %s (status %d)", string(body), resp.StatusCode)
	}
	return nil
}
