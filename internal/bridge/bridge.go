// Package bridge runs the call lifecycle: it turns provider webhooks and
// dashboard dial requests into Call state, hands live calls to the
// voice-AI process with assembled context, and applies the callbacks the
// process posts back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/assembler"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/stream"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/vocode"
)

var (
	// ErrUnknownNumber means no tenant owns the dialed number.
	ErrUnknownNumber = errors.New("dialed number is not provisioned")
	// ErrNoAgentConfig blocks calls for tenants that never configured an agent.
	ErrNoAgentConfig = errors.New("tenant has no agent configuration")
	// ErrBadEvent flags webhook payloads missing required fields.
	ErrBadEvent = errors.New("webhook payload is missing required fields")
	// ErrMissingExternalID blocks provider actions on calls that never
	// received a provider call id.
	ErrMissingExternalID = errors.New("call has no provider call id")
	// ErrCallNotLive rejects actions on calls already in a terminal state.
	ErrCallNotLive = errors.New("call has already ended")
	// ErrDialFailed wraps provider or voice-AI refusals to place a call.
	ErrDialFailed = errors.New("outbound dial failed")
	// ErrTransferRejected wraps a provider's refusal to move a live call.
	ErrTransferRejected = errors.New("provider rejected the transfer")
)

// Bridge coordinates the store, the context assembler, the voice-AI
// process, the telephony provider clients and the live event hub.
type Bridge struct {
	store     *store.Store
	assembler *assembler.Assembler
	vocode    *vocode.Client
	registry  *telephony.Registry
	hub       *stream.Hub
	cfg       *env.Config
	log       *zap.Logger
}

func New(
	st *store.Store,
	asm *assembler.Assembler,
	vc *vocode.Client,
	reg *telephony.Registry,
	hub *stream.Hub,
	cfg *env.Config,
	log *zap.Logger,
) *Bridge {
	return &Bridge{
		store:     st,
		assembler: asm,
		vocode:    vc,
		registry:  reg,
		hub:       hub,
		cfg:       cfg,
		log:       log,
	}
}

// callByAnyID resolves a call by provider call id, falling back to the
// secondary id when the provider uses different ids for the dial response
// and later callbacks.
func (b *Bridge) callByAnyID(ctx context.Context, externalID, fallbackID string) (*store.Call, error) {
	if externalID != "" {
		call, err := b.store.CallByExternalID(ctx, externalID)
		if err == nil {
			return call, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if fallbackID != "" && fallbackID != externalID {
		return b.store.CallByExternalID(ctx, fallbackID)
	}
	return nil, store.ErrNotFound
}

// startConversation assembles the caller context and hands the call to the
// voice-AI process. The call's ConversationID, and ExternalID when the
// process originated the call, are persisted and reflected on the struct.
func (b *Bridge) startConversation(ctx context.Context, call *store.Call) error {
	asm, err := b.assembler.Assemble(ctx, call.TenantID, call.CallerID)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}
	number, err := b.store.PhoneNumberByID(ctx, call.PhoneNumberID)
	if err != nil {
		return fmt.Errorf("load phone number: %w", err)
	}

	from, to := asm.Caller.PhoneNumber, number.Number
	if call.Direction == store.DirectionOutbound {
		from, to = number.Number, asm.Caller.PhoneNumber
	}

	req := &vocode.ConversationRequest{
		CallID:    call.ID,
		Provider:  number.Provider.Route(),
		Direction: string(call.Direction),
		FromPhone: from,
		ToPhone:   to,

		SystemPrompt: asm.Config.SystemPrompt,
		Greeting:     asm.Config.Greeting,
		FallbackText: asm.Config.FallbackText,
		VoiceID:      asm.Config.VoiceID,
		Language:     asm.Config.Language,

		STTProvider: asm.Config.STTProvider,
		TTSProvider: asm.Config.TTSProvider,
		LLMProvider: asm.Config.LLMProvider,
		LLMModel:    asm.Config.LLMModel,

		STTKey: asm.Keys.STT,
		TTSKey: asm.Keys.TTS,
		LLMKey: asm.Keys.LLM,

		MaxDurationSecs:   asm.Config.MaxCallDurationSecs,
		RecordCall:        asm.Config.RecordingEnabled,
		ExtractionEnabled: asm.Config.ExtractionEnabled,

		CallbackURL: b.callbackURL(call.ID),
	}
	if call.ExternalID != nil {
		req.ExternalID = *call.ExternalID
	}
	// Tenants can switch caller memory off; the history then never leaves
	// this service.
	if asm.Config.MemoryEnabled {
		req.Context = map[string]interface{}{"caller": asm.Caller}
		req.ContextNarrative = asm.Narrative
	}

	resp, err := b.vocode.CreateConversation(ctx, req)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	if err := b.store.SetConversationID(ctx, call.ID, resp.ConversationID); err != nil {
		return fmt.Errorf("persist conversation id: %w", err)
	}
	call.ConversationID = resp.ConversationID

	if resp.ExternalID != "" && call.ExternalID == nil {
		if err := b.store.BindExternalID(ctx, call.ID, resp.ExternalID); err != nil {
			return fmt.Errorf("bind external id: %w", err)
		}
		ext := resp.ExternalID
		call.ExternalID = &ext
	}

	b.log.Info("conversation started",
		zap.String("call_id", call.ID),
		zap.String("conversation_id", call.ConversationID))
	return nil
}

// transition applies a status change, stamps the lifecycle timestamps and
// broadcasts the new state. Callers must have ruled out terminal states.
func (b *Bridge) transition(ctx context.Context, call *store.Call, status store.CallStatus) error {
	now := time.Now()
	call.Status = status
	if status == store.StatusInProgress && call.AnsweredAt == nil {
		call.AnsweredAt = &now
	}
	if status.Terminal() && call.EndedAt == nil {
		call.EndedAt = &now
	}
	if err := b.store.UpdateCall(ctx, call); err != nil {
		return fmt.Errorf("update call %s: %w", call.ID, err)
	}

	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()
	b.broadcast(call.ID, "status", map[string]interface{}{
		"status":        call.Status,
		"duration_secs": call.DurationSecs,
	})
	return nil
}

func (b *Bridge) broadcast(callID, typ string, data interface{}) {
	b.hub.Broadcast(stream.Event{Type: typ, CallID: callID, Data: data})
}

// endConversation tells the voice-AI process the provider hung up first.
// Best-effort: the process also notices dead media on its own.
func (b *Bridge) endConversation(ctx context.Context, call *store.Call) {
	if call.ConversationID == "" {
		return
	}
	if err := b.vocode.EndConversation(ctx, call.ConversationID); err != nil {
		b.log.Warn("could not end conversation",
			zap.String("call_id", call.ID),
			zap.String("conversation_id", call.ConversationID),
			zap.Error(err))
	}
}

func (b *Bridge) baseURL() string {
	if base := strings.TrimRight(b.cfg.PublicBaseURL, "/"); base != "" {
		return base
	}
	return "http://localhost:" + b.cfg.AppPort
}

// callbackURL is where the voice-AI process posts transcripts,
// extractions and the completion event for one call.
func (b *Bridge) callbackURL(callID string) string {
	return b.baseURL() + "/internal/calls/" + callID
}

func (b *Bridge) webhookURL(p store.Provider, kind string) string {
	return b.baseURL() + "/webhooks/" + p.Route() + "/" + kind
}

// transferInstructionURL serves the dial XML Plivo fetches when moving a
// live call to a human.
func (b *Bridge) transferInstructionURL(to string) string {
	return b.baseURL() + "/webhooks/plivo/transfer-xml?to=" + url.QueryEscape(to)
}
