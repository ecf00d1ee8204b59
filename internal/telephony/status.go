package telephony

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cast"

	"github.com/troikatech/voicebridge/internal/store"
)

// Payload is a decoded webhook body. JSON providers decode to it directly;
// Twilio's form fields are flattened into the same shape.
type Payload map[string]interface{}

// DecodePayload parses a raw webhook body for the given provider.
func DecodePayload(p store.Provider, body []byte) (Payload, error) {
	if p == store.ProviderTwilio {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse twilio form: %w", err)
		}
		m := make(Payload, len(form))
		for k, v := range form {
			if len(v) > 0 {
				m[k] = v[0]
			}
		}
		return m, nil
	}
	var m Payload
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", p.Route(), err)
	}
	return m, nil
}

func (p Payload) first(keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			if s := cast.ToString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// StatusEvent is a provider status callback normalized to one shape.
type StatusEvent struct {
	ExternalID string
	// FallbackID is a secondary correlation id some providers send.
	// Plivo's dial response returns a request UUID while later callbacks
	// carry the call UUID, so lookups may need both.
	FallbackID   string
	RawStatus    string
	DurationSecs int
	RecordingURL string
}

// InboundEvent announces a live call leg: a fresh inbound call, or the
// answered leg of a call this service dialed.
type InboundEvent struct {
	ExternalID string
	// FallbackID mirrors StatusEvent.FallbackID for providers whose
	// answer callback carries both a request id and a call id.
	FallbackID string
	From       string
	To         string
	Direction  store.Direction
}

// StatusEventFrom pulls the status fields out of a decoded payload using
// the provider's field names.
func StatusEventFrom(provider store.Provider, p Payload) StatusEvent {
	switch provider {
	case store.ProviderExotel:
		return StatusEvent{
			ExternalID:   p.first("CallSid"),
			RawStatus:    p.first("Status", "CallStatus"),
			DurationSecs: cast.ToInt(p["ConversationDuration"]),
			RecordingURL: p.first("RecordingUrl"),
		}
	case store.ProviderPlivo:
		return StatusEvent{
			ExternalID:   p.first("CallUUID"),
			FallbackID:   p.first("RequestUUID"),
			RawStatus:    p.first("CallStatus", "Event"),
			DurationSecs: cast.ToInt(p["Duration"]),
			RecordingURL: p.first("RecordUrl", "RecordingUrl"),
		}
	case store.ProviderTwilio:
		return StatusEvent{
			ExternalID:   p.first("CallSid"),
			RawStatus:    p.first("CallStatus"),
			DurationSecs: cast.ToInt(p["CallDuration"]),
			RecordingURL: p.first("RecordingUrl"),
		}
	case store.ProviderVonage:
		return StatusEvent{
			ExternalID:   p.first("uuid"),
			RawStatus:    p.first("status"),
			DurationSecs: cast.ToInt(p["duration"]),
			RecordingURL: p.first("recording_url"),
		}
	}
	return StatusEvent{}
}

// InboundEventFrom pulls the new-call announcement fields out of a decoded
// payload.
func InboundEventFrom(provider store.Provider, p Payload) InboundEvent {
	switch provider {
	case store.ProviderExotel, store.ProviderTwilio:
		return InboundEvent{
			ExternalID: p.first("CallSid"),
			From:       p.first("From"),
			To:         p.first("To"),
			Direction:  mapDirection(p.first("Direction")),
		}
	case store.ProviderPlivo:
		return InboundEvent{
			ExternalID: p.first("CallUUID"),
			FallbackID: p.first("RequestUUID"),
			From:       p.first("From"),
			To:         p.first("To"),
			Direction:  mapDirection(p.first("Direction")),
		}
	case store.ProviderVonage:
		return InboundEvent{
			ExternalID: p.first("uuid", "conversation_uuid"),
			From:       p.first("from"),
			To:         p.first("to"),
			Direction:  mapDirection(p.first("direction")),
		}
	}
	return InboundEvent{}
}

// mapDirection folds the providers' direction vocabulary ("inbound",
// "incoming", "outbound-api", "outbound-dial") onto the two-value enum.
// Absent or unrecognized values default to inbound.
func mapDirection(raw string) store.Direction {
	if strings.Contains(strings.ToLower(raw), "outbound") {
		return store.DirectionOutbound
	}
	return store.DirectionInbound
}

// MapStatus folds a provider status string into the call lifecycle
// vocabulary. Unknown statuses pass through upper-cased so nothing a
// provider reports is silently dropped.
func MapStatus(raw string) store.CallStatus {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "ringing":
		return store.StatusRinging
	case "in-progress", "answered":
		return store.StatusInProgress
	case "completed":
		return store.StatusCompleted
	case "failed", "busy":
		return store.StatusFailed
	case "no-answer":
		return store.StatusNoAnswer
	}
	return store.CallStatus(strings.ToUpper(s))
}
