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
	"github.com/troikatech/voicebridge/pkg/utils"
)

// PlaceCall originates an outbound call from a tenant number. Providers
// with a dial API are called synchronously and the Call lands in
// CONNECTING with their id; the delegated provider receives a conversation
// request and the Call waits in RINGING for its id. A refused dial leaves
// the Call in FAILED.
func (b *Bridge) PlaceCall(ctx context.Context, phoneNumberID, toNumber string) (*store.Call, error) {
	number, err := b.store.PhoneNumberByID(ctx, phoneNumberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: phone number %s", ErrUnknownNumber, phoneNumberID)
		}
		return nil, err
	}

	caps := telephony.CapabilitiesFor(number.Provider)
	if caps.Dial == telephony.DialNone {
		return nil, fmt.Errorf("%w: %s", telephony.ErrDialUnsupported, number.Provider.Route())
	}

	if _, err := b.store.AgentConfigByTenant(ctx, number.TenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoAgentConfig
		}
		return nil, err
	}

	to := utils.NormalizeE164(toNumber)
	caller, _, err := b.store.TouchCaller(ctx, number.TenantID, to, number.Tenant.DataRetentionDays)
	if err != nil {
		return nil, fmt.Errorf("touch caller: %w", err)
	}

	call := &store.Call{
		TenantID:      number.TenantID,
		PhoneNumberID: number.ID,
		CallerID:      caller.ID,
		Direction:     store.DirectionOutbound,
		Status:        store.StatusRinging,
		StartedAt:     time.Now(),
	}
	if err := b.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	metrics.CallsCreated.WithLabelValues(number.Provider.Route(), string(store.DirectionOutbound)).Inc()

	switch caps.Dial {
	case telephony.DialDirect:
		err = b.dialDirect(ctx, call, number, to)
	case telephony.DialDelegated:
		err = b.startConversation(ctx, call)
	}
	if err != nil {
		if terr := b.transition(ctx, call, store.StatusFailed); terr != nil {
			b.log.Error("could not mark failed dial", zap.String("call_id", call.ID), zap.Error(terr))
		}
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	b.log.Info("outbound call placed",
		zap.String("call_id", call.ID),
		zap.String("provider", number.Provider.Route()),
		zap.String("to", utils.MaskPhone(to)))
	return call, nil
}

func (b *Bridge) dialDirect(ctx context.Context, call *store.Call, number *store.PhoneNumber, to string) error {
	res, err := b.registry.Dial(ctx, number.Provider, telephony.DialRequest{
		From:        number.Number,
		To:          to,
		CallbackURL: b.webhookURL(number.Provider, "status"),
		AnswerURL:   b.webhookURL(number.Provider, "incoming"),
	})
	if err != nil {
		return err
	}

	if err := b.store.BindExternalID(ctx, call.ID, res.ExternalID); err != nil {
		return fmt.Errorf("bind external id: %w", err)
	}
	call.ExternalID = &res.ExternalID
	return b.transition(ctx, call, res.Status)
}
