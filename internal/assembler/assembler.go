package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/pkg/crypto"
)

// historyDepth bounds how many past calls feed the context.
const historyDepth = 5

// HistoryEntry summarizes one past call for prompt injection.
type HistoryEntry struct {
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Sentiment string    `json:"sentiment,omitempty"`
}

// CallerContext is what the voice-AI process needs to greet a caller like
// it remembers them.
type CallerContext struct {
	CallerID     string                   `json:"caller_id"`
	Name         string                   `json:"name,omitempty"`
	Email        string                   `json:"email,omitempty"`
	PhoneNumber  string                   `json:"phone_number"`
	IsReturning  bool                     `json:"is_returning"`
	TotalCalls   int                      `json:"total_calls"`
	LastCallAt   time.Time                `json:"last_call_at"`
	LastSummary  string                   `json:"last_summary,omitempty"`
	Preferences  map[string]interface{}   `json:"preferences,omitempty"`
	History      []HistoryEntry           `json:"history,omitempty"`
	Appointments []map[string]interface{} `json:"appointments,omitempty"`
	Orders       []map[string]interface{} `json:"orders,omitempty"`
	Other        []map[string]interface{} `json:"other,omitempty"`
}

// Keys carries the tenant's provider credentials, opened for the duration
// of one conversation handoff.
type Keys struct {
	STT string
	TTS string
	LLM string
}

// Result bundles everything the bridge forwards to the voice-AI process.
type Result struct {
	Caller    *CallerContext
	Config    *store.AgentConfig
	Keys      Keys
	Narrative string
}

// Assembler builds per-call context from stored caller history.
type Assembler struct {
	store  *store.Store
	sealer *crypto.Sealer
}

func New(st *store.Store, sealer *crypto.Sealer) *Assembler {
	return &Assembler{store: st, sealer: sealer}
}

// Assemble loads the caller, the tenant's agent config and recent history.
// store.ErrNotFound propagates when the caller or the config is missing; a
// tenant without an agent config cannot take calls.
func (a *Assembler) Assemble(ctx context.Context, tenantID, callerID string) (*Result, error) {
	caller, err := a.store.CallerByID(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("load caller: %w", err)
	}

	cfg, err := a.store.AgentConfigByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}

	calls, err := a.store.RecentCallsWithExtractions(ctx, callerID, historyDepth)
	if err != nil {
		return nil, fmt.Errorf("load call history: %w", err)
	}

	cc := &CallerContext{
		CallerID:    caller.ID,
		Name:        caller.Name,
		Email:       caller.Email,
		PhoneNumber: caller.PhoneNumber,
		IsReturning: caller.TotalCalls > 1,
		TotalCalls:  caller.TotalCalls,
		LastCallAt:  caller.LastCallAt,
		Preferences: caller.Preferences,
	}

	for _, call := range calls {
		cc.History = append(cc.History, HistoryEntry{
			CallID:    call.ID,
			StartedAt: call.StartedAt,
			Status:    string(call.Status),
			Summary:   call.Summary,
			Sentiment: string(call.Sentiment),
		})
		// Most-recent-first, so the first summary we see is the freshest.
		// The in-flight call has none yet and is skipped naturally.
		if cc.LastSummary == "" && call.Summary != "" {
			cc.LastSummary = call.Summary
		}

		for _, ex := range call.Extractions {
			switch strings.ToLower(ex.Type) {
			case "appointment":
				cc.Appointments = append(cc.Appointments, ex.Data)
			case "order":
				cc.Orders = append(cc.Orders, ex.Data)
			default:
				cc.Other = append(cc.Other, map[string]interface{}{
					"type": ex.Type,
					"data": map[string]interface{}(ex.Data),
				})
			}
		}
	}

	keys := Keys{}
	if keys.STT, err = a.sealer.Open(cfg.STTKeySealed); err != nil {
		return nil, fmt.Errorf("open stt key: %w", err)
	}
	if keys.TTS, err = a.sealer.Open(cfg.TTSKeySealed); err != nil {
		return nil, fmt.Errorf("open tts key: %w", err)
	}
	if keys.LLM, err = a.sealer.Open(cfg.LLMKeySealed); err != nil {
		return nil, fmt.Errorf("open llm key: %w", err)
	}

	return &Result{
		Caller:    cc,
		Config:    cfg,
		Keys:      keys,
		Narrative: cc.Narrative(),
	}, nil
}

// Narrative renders the context as one prompt-ready sentence block.
func (cc *CallerContext) Narrative() string {
	if !cc.IsReturning {
		return "This is a first-time caller with no prior history."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This is a returning caller who has called %d times.", cc.TotalCalls)
	if cc.Name != "" {
		fmt.Fprintf(&b, " Their name is %s.", cc.Name)
	}
	if cc.LastSummary != "" {
		fmt.Fprintf(&b, " Summary of the last conversation: %s", cc.LastSummary)
	}
	if len(cc.Appointments) > 0 {
		fmt.Fprintf(&b, " Appointment history: %s", renderJSON(cc.Appointments))
	}
	if len(cc.Orders) > 0 {
		fmt.Fprintf(&b, " Order history: %s", renderJSON(cc.Orders))
	}
	return b.String()
}

func renderJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
