package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/utils"
)

// IncomingResult reports how an incoming-call webhook was resolved.
type IncomingResult struct {
	Call *store.Call
	// Created is false when the webhook matched a call this service
	// already knew: a redelivery, or the answered leg of an outbound dial.
	Created bool
}

// HandleIncoming processes a provider's new-call webhook. A webhook whose
// call id matches an existing Call answers that call instead of creating
// rows, which makes redeliveries harmless and lets outbound answer legs
// join the call they belong to. The Call row survives a failed voice-AI
// handoff in RINGING so the provider's retry finds it.
func (b *Bridge) HandleIncoming(ctx context.Context, provider store.Provider, ev telephony.InboundEvent) (*IncomingResult, error) {
	if ev.ExternalID == "" {
		return nil, fmt.Errorf("%w: no call id", ErrBadEvent)
	}

	call, err := b.callByAnyID(ctx, ev.ExternalID, ev.FallbackID)
	switch {
	case err == nil:
		return b.answerExisting(ctx, call, ev)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if ev.From == "" || ev.To == "" {
		return nil, fmt.Errorf("%w: no caller or destination number", ErrBadEvent)
	}

	number, err := b.store.PhoneNumberByNumber(ctx, ev.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			b.log.Warn("webhook for unprovisioned number",
				zap.String("provider", provider.Route()),
				zap.String("to", utils.MaskPhone(ev.To)))
			return nil, fmt.Errorf("%w: %s", ErrUnknownNumber, ev.To)
		}
		return nil, err
	}
	if number.Provider != provider {
		b.log.Warn("webhook provider does not match the number's provider",
			zap.String("webhook_provider", provider.Route()),
			zap.String("number_provider", number.Provider.Route()))
	}

	caller, created, err := b.store.TouchCaller(ctx, number.TenantID, ev.From, number.Tenant.DataRetentionDays)
	if err != nil {
		return nil, fmt.Errorf("touch caller: %w", err)
	}

	ext := ev.ExternalID
	call = &store.Call{
		ExternalID:    &ext,
		TenantID:      number.TenantID,
		PhoneNumberID: number.ID,
		CallerID:      caller.ID,
		Direction:     ev.Direction,
		Status:        store.StatusRinging,
		StartedAt:     time.Now(),
	}
	if err := b.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	metrics.CallsCreated.WithLabelValues(provider.Route(), string(call.Direction)).Inc()

	b.log.Info("incoming call", append(
		logger.CallFields(call.ID, provider.Route(), ev.ExternalID, ev.From),
		zap.Bool("new_caller", created))...)

	if err := b.startConversation(ctx, call); err != nil {
		return nil, err
	}
	return &IncomingResult{Call: call, Created: true}, nil
}

// answerExisting joins an incoming webhook onto a call this service
// already tracks. Terminal calls swallow the event.
func (b *Bridge) answerExisting(ctx context.Context, call *store.Call, ev telephony.InboundEvent) (*IncomingResult, error) {
	if call.Status.Terminal() {
		return &IncomingResult{Call: call}, nil
	}

	// Plivo's answer leg introduces the real call UUID; later callbacks
	// use it, so rebind from the dial-time request UUID.
	if call.ExternalID == nil || *call.ExternalID != ev.ExternalID {
		if err := b.store.BindExternalID(ctx, call.ID, ev.ExternalID); err != nil {
			return nil, fmt.Errorf("bind external id: %w", err)
		}
		ext := ev.ExternalID
		call.ExternalID = &ext
	}

	// Answer legs of calls this service dialed go live here. Redelivered
	// inbound webhooks keep their status; the status callback owns it.
	if call.Direction == store.DirectionOutbound && call.Status != store.StatusInProgress {
		if err := b.transition(ctx, call, store.StatusInProgress); err != nil {
			return nil, err
		}
	}
	if call.ConversationID == "" {
		if err := b.startConversation(ctx, call); err != nil {
			return nil, err
		}
	}
	return &IncomingResult{Call: call}, nil
}

// HandleStatus applies one provider status callback. Recording URLs attach
// even when the call is already terminal since some providers post them
// after the hangup event.
func (b *Bridge) HandleStatus(ctx context.Context, provider store.Provider, ev telephony.StatusEvent) (*store.Call, error) {
	if ev.ExternalID == "" && ev.FallbackID == "" {
		return nil, fmt.Errorf("%w: no call id", ErrBadEvent)
	}

	call, err := b.callByAnyID(ctx, ev.ExternalID, ev.FallbackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("status callback for unknown call %q: %w", ev.ExternalID, err)
		}
		return nil, err
	}

	if ev.ExternalID != "" && (call.ExternalID == nil || *call.ExternalID != ev.ExternalID) {
		if err := b.store.BindExternalID(ctx, call.ID, ev.ExternalID); err != nil {
			return nil, fmt.Errorf("bind external id: %w", err)
		}
		ext := ev.ExternalID
		call.ExternalID = &ext
	}

	if ev.RecordingURL != "" {
		if _, err := b.store.AddRecording(ctx, call.ID, ev.RecordingURL, ev.DurationSecs); err != nil {
			return nil, fmt.Errorf("add recording: %w", err)
		}
		b.broadcast(call.ID, "recording", map[string]interface{}{"url": ev.RecordingURL})
	}

	if call.Status.Terminal() {
		b.log.Debug("status callback after terminal state",
			zap.String("call_id", call.ID),
			zap.String("raw_status", ev.RawStatus))
		return call, nil
	}
	if ev.RawStatus == "" {
		return call, nil
	}

	if ev.DurationSecs > 0 {
		call.DurationSecs = ev.DurationSecs
	}
	status := telephony.MapStatus(ev.RawStatus)
	if err := b.transition(ctx, call, status); err != nil {
		return nil, err
	}

	if status.Terminal() {
		b.endConversation(ctx, call)
	}

	b.log.Info("status applied",
		zap.String("call_id", call.ID),
		zap.String("provider", provider.Route()),
		zap.String("raw_status", ev.RawStatus),
		zap.String("status", string(status)))
	return call, nil
}
