package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/otel"
)

// PlivoClient originates and redirects calls through Plivo's Call API.
type PlivoClient struct {
	baseURL    string
	authID     string
	authToken  string
	httpClient *http.Client
}

func NewPlivoClient(authID, authToken string) *PlivoClient {
	return &PlivoClient{
		baseURL:    "https://api.plivo.com",
		authID:     authID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *PlivoClient) Dial(ctx context.Context, req DialRequest) (*DialResult, error) {
	var res *DialResult
	err := otel.WithClientSpan(ctx, "plivo", "dial", func(ctx context.Context) error {
		var derr error
		res, derr = c.dial(ctx, req)
		return derr
	})
	metrics.ObserveProvider("plivo", "dial", err)
	return res, err
}

func (c *PlivoClient) dial(ctx context.Context, req DialRequest) (*DialResult, error) {
	endpoint := fmt.Sprintf("%s/v1/Account/%s/Call/", c.baseURL, c.authID)

	payload := map[string]string{
		"from":          req.From,
		"to":            req.To,
		"answer_url":    req.AnswerURL,
		"answer_method": "POST",
	}
	if req.CallbackURL != "" {
		payload["hangup_url"] = req.CallbackURL
		payload["hangup_method"] = "POST"
	}

	body, err := c.post(ctx, endpoint, payload, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	var out struct {
		RequestUUID string `json:"request_uuid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse plivo response: %w", err)
	}
	if out.RequestUUID == "" {
		return nil, fmt.Errorf("plivo response carried no request uuid")
	}

	return &DialResult{ExternalID: out.RequestUUID, Status: store.StatusConnecting}, nil
}

func (c *PlivoClient) Transfer(ctx context.Context, req TransferRequest) error {
	err := otel.WithClientSpan(ctx, "plivo", "transfer", func(ctx context.Context) error {
		return c.transfer(ctx, req)
	})
	metrics.ObserveProvider("plivo", "transfer", err)
	return err
}

// transfer points the caller's leg at the hosted transfer document, which
// dials the human number.
func (c *PlivoClient) transfer(ctx context.Context, req TransferRequest) error {
	endpoint := fmt.Sprintf("%s/v1/Account/%s/Call/%s/", c.baseURL, c.authID, req.ExternalID)

	payload := map[string]string{
		"legs":        "aleg",
		"aleg_url":    req.InstructionURL,
		"aleg_method": "GET",
	}

	_, err := c.post(ctx, endpoint, payload, http.StatusAccepted)
	return err
}

func (c *PlivoClient) post(ctx context.Context, endpoint string, payload map[string]string, wantStatus int) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal plivo request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build plivo request: %w", err)
	}
	httpReq.SetBasicAuth(c.authID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("plivo call API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read plivo response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("plivo API error: %s (status %d)", string(body), resp.StatusCode)
	}
	return body, nil
}
