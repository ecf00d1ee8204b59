package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

// AppendTranscript records one utterance posted by the voice-AI process
// and broadcasts it to live stream subscribers.
func (b *Bridge) AppendTranscript(ctx context.Context, callID string, role store.TranscriptRole, content string, confidence *float64, spokenAt time.Time) (*store.Transcript, error) {
	call, err := b.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}

	t := &store.Transcript{
		CallID:     call.ID,
		Role:       role,
		Content:    content,
		Confidence: confidence,
		SpokenAt:   spokenAt,
	}
	if err := b.store.AppendTranscript(ctx, t); err != nil {
		return nil, fmt.Errorf("append transcript: %w", err)
	}

	metrics.TranscriptsRecorded.Inc()
	b.broadcast(call.ID, "transcript", t)
	return t, nil
}

// AppendExtraction records one structured-data item pulled from the
// conversation.
func (b *Bridge) AppendExtraction(ctx context.Context, callID, typ string, data store.JSONMap, confidence *float64) (*store.Extraction, error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: extraction type", ErrBadEvent)
	}
	call, err := b.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}

	e := &store.Extraction{
		CallID:     call.ID,
		Type:       typ,
		Data:       data,
		Confidence: confidence,
	}
	if err := b.store.AppendExtraction(ctx, e); err != nil {
		return nil, fmt.Errorf("append extraction: %w", err)
	}

	metrics.ExtractionsRecorded.Inc()
	b.broadcast(call.ID, "extraction", e)
	return e, nil
}

// Complete finalizes a call on the voice-AI process's word. Calls already
// terminal are returned unchanged, so redelivered completion callbacks and
// a provider hangup racing the process are both harmless.
func (b *Bridge) Complete(ctx context.Context, callID, summary string, sentiment store.Sentiment) (*store.Call, error) {
	call, err := b.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return call, nil
	}

	if summary != "" {
		call.Summary = summary
	}
	if sentiment != "" {
		call.Sentiment = sentiment
	}
	// The provider's own completed callback usually carries the billed
	// duration, but it arrives after this and terminal states absorb it.
	if call.DurationSecs == 0 && call.AnsweredAt != nil {
		call.DurationSecs = int(time.Since(*call.AnsweredAt).Seconds())
	}

	if err := b.transition(ctx, call, store.StatusCompleted); err != nil {
		return nil, err
	}
	b.broadcast(call.ID, "completed", map[string]interface{}{
		"summary":   call.Summary,
		"sentiment": call.Sentiment,
	})

	b.log.Info("call completed",
		zap.String("call_id", call.ID),
		zap.Int("duration_secs", call.DurationSecs))
	return call, nil
}

// Transfer moves a live call to a human number through the provider's
// transfer API. The call status is only touched after the provider accepts.
func (b *Bridge) Transfer(ctx context.Context, callID, transferTo string) (*store.Call, error) {
	if transferTo == "" {
		return nil, fmt.Errorf("%w: transfer destination", ErrBadEvent)
	}
	call, err := b.store.CallByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %s", ErrCallNotLive, call.Status)
	}
	if call.ExternalID == nil || *call.ExternalID == "" {
		return nil, ErrMissingExternalID
	}

	number, err := b.store.PhoneNumberByID(ctx, call.PhoneNumberID)
	if err != nil {
		return nil, fmt.Errorf("load phone number: %w", err)
	}

	err = b.registry.Transfer(ctx, number.Provider, telephony.TransferRequest{
		ExternalID:     *call.ExternalID,
		ToNumber:       transferTo,
		InstructionURL: b.transferInstructionURL(transferTo),
	})
	if err != nil {
		if errors.Is(err, telephony.ErrTransferUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	if err := b.transition(ctx, call, store.StatusTransferred); err != nil {
		return nil, err
	}
	b.endConversation(ctx, call)

	b.log.Info("call transferred", zap.String("call_id", call.ID))
	return call, nil
}
