package vocode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/circuitbreaker"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/otel"
	"github.com/troikatech/voicebridge/pkg/retry"
)

// ConversationRequest asks the voice-AI process to run a conversation on a
// live or to-be-dialed call. Credentials arrive decrypted; the process
// holds them only for the duration of the call.
type ConversationRequest struct {
	CallID     string `json:"call_id"`
	ExternalID string `json:"external_id,omitempty"`
	Provider   string `json:"provider"`
	Direction  string `json:"direction"`
	FromPhone  string `json:"from_phone"`
	ToPhone    string `json:"to_phone"`

	SystemPrompt string `json:"system_prompt"`
	Greeting     string `json:"greeting,omitempty"`
	FallbackText string `json:"fallback_text,omitempty"`
	VoiceID      string `json:"voice_id,omitempty"`
	Language     string `json:"language,omitempty"`

	STTProvider string `json:"stt_provider,omitempty"`
	TTSProvider string `json:"tts_provider,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`

	STTKey string `json:"stt_key,omitempty"`
	TTSKey string `json:"tts_key,omitempty"`
	LLMKey string `json:"llm_key,omitempty"`

	Context          map[string]interface{} `json:"context,omitempty"`
	ContextNarrative string                 `json:"context_narrative,omitempty"`

	MaxDurationSecs   int  `json:"max_duration_secs,omitempty"`
	RecordCall        bool `json:"record_call"`
	ExtractionEnabled bool `json:"extraction_enabled"`

	// CallbackURL is where the process posts transcripts, extractions and
	// the completion event for this call.
	CallbackURL string `json:"callback_url,omitempty"`
}

// ConversationResponse identifies the conversation the process started.
type ConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	// ExternalID is present when the process originated the call itself
	// and already knows the provider call id.
	ExternalID string `json:"external_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Client talks to the voice-AI process that owns the media leg of every
// call. Requests run under a retry policy inside a circuit breaker; 5xx
// responses count as failures so a dying process trips the breaker.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		log:     log,
	}
}

// CreateConversation hands a call to the voice-AI process and returns its
// conversation id.
func (c *Client) CreateConversation(ctx context.Context, req *ConversationRequest) (*ConversationResponse, error) {
	var out ConversationResponse
	if err := c.post(ctx, "create_conversation", "/conversations", req, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		return nil, fmt.Errorf("voice-AI process returned no conversation id")
	}
	return &out, nil
}

// EndConversation tells the process to tear a conversation down, used when
// the provider reports the call over before the process does.
func (c *Client) EndConversation(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/end", conversationID)
	return c.post(ctx, "end_conversation", path, struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, op, path string, body, out interface{}) error {
	start := time.Now()

	var respBody []byte
	err := otel.WithClientSpan(ctx, "vocode", op, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func() error {
			return retry.Do(ctx, retry.DefaultPolicy(), func() error {
				data, err := json.Marshal(body)
				if err != nil {
					return err
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
				if err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := c.http.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()

				respBody, err = io.ReadAll(resp.Body)
				if err != nil {
					return err
				}
				if resp.StatusCode >= 500 {
					return fmt.Errorf("voice-AI process error: %s (status %d)", string(respBody), resp.StatusCode)
				}
				if resp.StatusCode >= 400 {
					// Client errors are not retried; the request will not get
					// better on its own.
					return retry.Unrecoverable(fmt.Errorf("voice-AI process rejected request: %s (status %d)", string(respBody), resp.StatusCode))
				}
				return nil
			})
		})
	})

	metrics.ObserveVocode(err, time.Since(start))
	metrics.BreakerFailures.WithLabelValues("vocode").Set(float64(c.breaker.Failures()))

	if err != nil {
		c.log.Warn("voice-AI request failed",
			zap.String("path", path),
			zap.String("breaker", c.breaker.GetState().String()),
			zap.Error(err),
		)
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse voice-AI response: %w", err)
		}
	}
	return nil
}
