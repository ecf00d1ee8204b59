package logger

import (
	"go.uber.org/zap"
)

// CallFields returns the standard log fields for call lifecycle events.
// Phone numbers never reach the log unmasked.
func CallFields(callID, provider, externalID, phone string) []zap.Field {
	return []zap.Field{
		zap.String("call_id", callID),
		zap.String("provider", provider),
		zap.String("external_id", externalID),
		MaskPhoneIfPresent("phone", phone),
	}
}

// WebhookFields returns the standard log fields for webhook processing.
func WebhookFields(provider, kind, externalID string) []zap.Field {
	return []zap.Field{
		zap.String("provider", provider),
		zap.String("kind", kind),
		zap.String("external_id", externalID),
	}
}
