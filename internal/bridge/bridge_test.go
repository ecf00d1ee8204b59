package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/assembler"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/stream"
	"github.com/troikatech/voicebridge/internal/telephony"
	"github.com/troikatech/voicebridge/pkg/crypto"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/vocode"
)

func init() {
	metrics.Init()
}

// fakeVocode stands in for the voice-AI process. It hands out sequential
// conversation ids and records everything it is asked to do.
type fakeVocode struct {
	mu  sync.Mutex
	srv *httptest.Server

	requests   []vocode.ConversationRequest
	ended      []string
	reject     int    // non-zero: status code to refuse /conversations with
	externalID string // non-empty: returned as external_id
}

func newFakeVocode(t *testing.T) *fakeVocode {
	t.Helper()
	f := &fakeVocode{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVocode) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/conversations":
		if f.reject != 0 {
			w.WriteHeader(f.reject)
			return
		}
		var req vocode.ConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.requests = append(f.requests, req)
		resp := map[string]string{"conversation_id": fmt.Sprintf("conv-%d", len(f.requests))}
		if f.externalID != "" {
			resp["external_id"] = f.externalID
		}
		json.NewEncoder(w).Encode(resp)
	case strings.HasPrefix(r.URL.Path, "/conversations/") && strings.HasSuffix(r.URL.Path, "/end"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/end")
		f.ended = append(f.ended, id)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeVocode) lastRequest(t *testing.T) vocode.ConversationRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no conversation request reached the voice-AI process")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeVocode) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeVocode) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type fakeDialer struct {
	res  *telephony.DialResult
	err  error
	last telephony.DialRequest
}

func (f *fakeDialer) Dial(ctx context.Context, req telephony.DialRequest) (*telephony.DialResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeTransferrer struct {
	err  error
	last telephony.TransferRequest
}

func (f *fakeTransferrer) Transfer(ctx context.Context, req telephony.TransferRequest) error {
	f.last = req
	return f.err
}

type fixture struct {
	bridge   *Bridge
	store    *store.Store
	hub      *stream.Hub
	registry *telephony.Registry
	vocode   *fakeVocode

	tenant  *store.Tenant
	numbers map[store.Provider]*store.PhoneNumber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sealer, err := crypto.NewSealer("test-master-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	fv := newFakeVocode(t)
	vc := vocode.New(fv.srv.URL, 2*time.Second, zap.NewNop())

	reg := telephony.NewRegistry()
	hub := stream.NewHub()
	cfg := &env.Config{
		AppEnv:               "test",
		AppPort:              "8080",
		PublicBaseURL:        "https://voice.example.com",
		DefaultRetentionDays: 30,
	}

	f := &fixture{
		bridge:   New(st, assembler.New(st, sealer), vc, reg, hub, cfg, zap.NewNop()),
		store:    st,
		hub:      hub,
		registry: reg,
		vocode:   fv,
		numbers:  make(map[store.Provider]*store.PhoneNumber),
	}

	f.tenant = &store.Tenant{Name: "Acme Dental", DataRetentionDays: 30}
	if err := st.CreateTenant(ctx, f.tenant); err != nil {
		t.Fatal(err)
	}

	llmKey, err := sealer.Seal("sk-live-123")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAgentConfig(ctx, &store.AgentConfig{
		TenantID:            f.tenant.ID,
		SystemPrompt:        "You are the Acme Dental receptionist.",
		Greeting:            "Thanks for calling Acme Dental!",
		Language:            "en-IN",
		LLMProvider:         "openai",
		LLMModel:            "gpt-4o-mini",
		LLMKeySealed:        llmKey,
		MemoryEnabled:       true,
		ExtractionEnabled:   true,
		MaxCallDurationSecs: 600,
	}); err != nil {
		t.Fatal(err)
	}

	for i, p := range []store.Provider{store.ProviderExotel, store.ProviderPlivo, store.ProviderTwilio, store.ProviderVonage} {
		n := &store.PhoneNumber{
			TenantID: f.tenant.ID,
			Number:   fmt.Sprintf("+91800000000%d", i+2),
			Provider: p,
		}
		if err := st.CreatePhoneNumber(ctx, n); err != nil {
			t.Fatal(err)
		}
		f.numbers[p] = n
	}
	return f
}

func (f *fixture) incomingEvent(p store.Provider, externalID, from string) telephony.InboundEvent {
	return telephony.InboundEvent{
		ExternalID: externalID,
		From:       from,
		To:         f.numbers[p].Number,
		Direction:  store.DirectionInbound,
	}
}

func receiveEvent(t *testing.T, sub *stream.Subscriber) stream.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a stream event")
	}
	return stream.Event{}
}

func TestHandleIncomingCreatesCallAndConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX100", "+919000000001"))
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if !res.Created {
		t.Error("expected a new call")
	}
	call := res.Call
	if call.Status != store.StatusRinging {
		t.Errorf("status = %s, want RINGING", call.Status)
	}
	if call.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", call.ConversationID)
	}
	if call.Direction != store.DirectionInbound {
		t.Errorf("direction = %s", call.Direction)
	}

	req := f.vocode.lastRequest(t)
	if req.CallID != call.ID {
		t.Errorf("request call id = %q, want %q", req.CallID, call.ID)
	}
	if req.ExternalID != "EX100" || req.Provider != "exotel" || req.Direction != "INBOUND" {
		t.Errorf("request identity = %+v", req)
	}
	if req.FromPhone != "+919000000001" || req.ToPhone != f.numbers[store.ProviderExotel].Number {
		t.Errorf("request legs = %s -> %s", req.FromPhone, req.ToPhone)
	}
	if req.LLMKey != "sk-live-123" {
		t.Errorf("LLM key = %q, want the opened credential", req.LLMKey)
	}
	if req.ContextNarrative != "This is a first-time caller with no prior history." {
		t.Errorf("narrative = %q", req.ContextNarrative)
	}
	if req.Context["caller"] == nil {
		t.Error("caller context missing from request")
	}
	wantCallback := "https://voice.example.com/internal/calls/" + call.ID
	if req.CallbackURL != wantCallback {
		t.Errorf("callback url = %q, want %q", req.CallbackURL, wantCallback)
	}

	caller, err := f.store.CallerByID(ctx, call.CallerID)
	if err != nil {
		t.Fatal(err)
	}
	if caller.TotalCalls != 1 || caller.ExpiresAt == nil {
		t.Errorf("caller after first contact: total=%d expires=%v", caller.TotalCalls, caller.ExpiresAt)
	}
}

func TestHandleIncomingUnknownNumberLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := telephony.InboundEvent{ExternalID: "EX404", From: "+919000000001", To: "+911111111111", Direction: store.DirectionInbound}
	_, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, ev)
	if !errors.Is(err, ErrUnknownNumber) {
		t.Fatalf("err = %v, want ErrUnknownNumber", err)
	}

	if _, total, _ := f.store.ListCallers(ctx, f.tenant.ID, 0, 10); total != 0 {
		t.Errorf("callers created for unknown number: %d", total)
	}
	if _, total, _ := f.store.ListCalls(ctx, "", 0, 10); total != 0 {
		t.Errorf("calls created for unknown number: %d", total)
	}
}

func TestHandleIncomingVoiceAIFailureLeavesRinging(t *testing.T) {
	f := newFixture(t)
	f.vocode.reject = http.StatusUnprocessableEntity
	ctx := context.Background()

	_, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX500", "+919000000001"))
	if err == nil {
		t.Fatal("expected the handoff failure to surface")
	}

	call, err := f.store.CallByExternalID(ctx, "EX500")
	if err != nil {
		t.Fatalf("call row should survive the failed handoff: %v", err)
	}
	if call.Status != store.StatusRinging {
		t.Errorf("status = %s, want RINGING", call.Status)
	}
	if call.ConversationID != "" {
		t.Errorf("conversation id = %q, want empty", call.ConversationID)
	}
}

func TestHandleIncomingRedeliveryReusesCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.incomingEvent(store.ProviderExotel, "EX200", "+919000000001")

	first, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, ev)
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, ev)
	if err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Error("redelivery created a second call")
	}
	if second.Call.ID != first.Call.ID {
		t.Errorf("redelivery resolved to %q, want %q", second.Call.ID, first.Call.ID)
	}
	if second.Call.Status != store.StatusRinging {
		t.Errorf("redelivery moved status to %s", second.Call.Status)
	}

	if _, total, _ := f.store.ListCalls(ctx, f.tenant.ID, 0, 10); total != 1 {
		t.Errorf("call rows = %d, want 1", total)
	}
	caller, _ := f.store.CallerByID(ctx, first.Call.CallerID)
	if caller.TotalCalls != 1 {
		t.Errorf("redelivery bumped TotalCalls to %d", caller.TotalCalls)
	}
	if n := f.vocode.requestCount(); n != 1 {
		t.Errorf("conversation requests = %d, want 1", n)
	}
}

func TestHandleIncomingWithoutAgentConfigFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bare := &store.Tenant{Name: "No Config Pvt Ltd", DataRetentionDays: 30}
	if err := f.store.CreateTenant(ctx, bare); err != nil {
		t.Fatal(err)
	}
	number := &store.PhoneNumber{TenantID: bare.ID, Number: "+918000000009", Provider: store.ProviderExotel}
	if err := f.store.CreatePhoneNumber(ctx, number); err != nil {
		t.Fatal(err)
	}

	ev := telephony.InboundEvent{ExternalID: "EX300", From: "+919000000001", To: number.Number, Direction: store.DirectionInbound}
	_, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, ev)
	if err == nil {
		t.Fatal("expected assembly to fail without an agent config")
	}

	call, err := f.store.CallByExternalID(ctx, "EX300")
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusRinging || call.ConversationID != "" {
		t.Errorf("call = %s/%q, want RINGING with no conversation", call.Status, call.ConversationID)
	}
}

func TestOutboundAnswerLegJoinsCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dialer := &fakeDialer{res: &telephony.DialResult{ExternalID: "REQ1", Status: store.StatusConnecting}}
	f.registry.RegisterDialer(store.ProviderPlivo, dialer)

	placed, err := f.bridge.PlaceCall(ctx, f.numbers[store.ProviderPlivo].ID, "+919000000001")
	if err != nil {
		t.Fatal(err)
	}
	if placed.Status != store.StatusConnecting {
		t.Fatalf("status after dial = %s", placed.Status)
	}
	if f.vocode.requestCount() != 0 {
		t.Fatal("direct dials must not start the conversation before answer")
	}

	// Plivo answers with the real call UUID alongside the dial-time
	// request UUID.
	answer := telephony.InboundEvent{
		ExternalID: "PL1",
		FallbackID: "REQ1",
		From:       f.numbers[store.ProviderPlivo].Number,
		To:         "+919000000001",
		Direction:  store.DirectionOutbound,
	}
	res, err := f.bridge.HandleIncoming(ctx, store.ProviderPlivo, answer)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Error("answer leg created a fresh call")
	}
	if res.Call.ID != placed.ID {
		t.Errorf("answer resolved to %q, want %q", res.Call.ID, placed.ID)
	}
	if res.Call.Status != store.StatusInProgress || res.Call.AnsweredAt == nil {
		t.Errorf("answer leg status = %s, answered=%v", res.Call.Status, res.Call.AnsweredAt)
	}
	if res.Call.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", res.Call.ConversationID)
	}

	req := f.vocode.lastRequest(t)
	if req.Direction != "OUTBOUND" {
		t.Errorf("request direction = %q", req.Direction)
	}
	if req.FromPhone != f.numbers[store.ProviderPlivo].Number || req.ToPhone != "+919000000001" {
		t.Errorf("request legs = %s -> %s", req.FromPhone, req.ToPhone)
	}

	// Later callbacks carry only the call UUID.
	if _, err := f.store.CallByExternalID(ctx, "PL1"); err != nil {
		t.Errorf("call not reachable by rebound id: %v", err)
	}
	got, err := f.bridge.HandleStatus(ctx, store.ProviderPlivo, telephony.StatusEvent{ExternalID: "PL1", RawStatus: "completed", DurationSecs: 80})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted || got.DurationSecs != 80 {
		t.Errorf("after hangup: %s/%d", got.Status, got.DurationSecs)
	}
}

func TestHandleStatusLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX600", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}
	sub := f.hub.Subscribe(res.Call.ID)
	defer f.hub.Unsubscribe(res.Call.ID, sub)

	call, err := f.bridge.HandleStatus(ctx, store.ProviderExotel, telephony.StatusEvent{ExternalID: "EX600", RawStatus: "in-progress"})
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusInProgress || call.AnsweredAt == nil {
		t.Errorf("after answer: %s answered=%v", call.Status, call.AnsweredAt)
	}
	if ev := receiveEvent(t, sub); ev.Type != "status" {
		t.Errorf("broadcast type = %q, want status", ev.Type)
	}

	call, err = f.bridge.HandleStatus(ctx, store.ProviderExotel, telephony.StatusEvent{
		ExternalID:   "EX600",
		RawStatus:    "completed",
		DurationSecs: 63,
		RecordingURL: "https://recordings.exotel.com/ex600.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusCompleted || call.EndedAt == nil || call.DurationSecs != 63 {
		t.Errorf("after hangup: %s ended=%v dur=%d", call.Status, call.EndedAt, call.DurationSecs)
	}

	rec, err := f.store.LatestRecordingByCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("recording row: %v", err)
	}
	if rec.URL != "https://recordings.exotel.com/ex600.mp3" {
		t.Errorf("recording url = %q", rec.URL)
	}

	ended := f.vocode.endedIDs()
	if len(ended) != 1 || ended[0] != call.ConversationID {
		t.Errorf("ended conversations = %v, want [%s]", ended, call.ConversationID)
	}

	// Terminal states absorb later callbacks.
	call, err = f.bridge.HandleStatus(ctx, store.ProviderExotel, telephony.StatusEvent{ExternalID: "EX600", RawStatus: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusCompleted {
		t.Errorf("terminal status regressed to %s", call.Status)
	}
	if len(f.vocode.endedIDs()) != 1 {
		t.Error("absorbed callback ended the conversation again")
	}
}

func TestHandleStatusRecordingAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderPlivo, f.incomingEvent(store.ProviderPlivo, "PL9", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.HandleStatus(ctx, store.ProviderPlivo, telephony.StatusEvent{ExternalID: "PL9", RawStatus: "completed", DurationSecs: 30}); err != nil {
		t.Fatal(err)
	}

	// Plivo posts the recording in a separate callback after hangup.
	if _, err := f.bridge.HandleStatus(ctx, store.ProviderPlivo, telephony.StatusEvent{ExternalID: "PL9", RecordingURL: "https://media.plivo.com/pl9.mp3", DurationSecs: 30}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.store.LatestRecordingByCall(ctx, res.Call.ID)
	if err != nil {
		t.Fatalf("recording should attach after terminal: %v", err)
	}
	if rec.URL != "https://media.plivo.com/pl9.mp3" {
		t.Errorf("recording url = %q", rec.URL)
	}

	call, _ := f.store.CallByID(ctx, res.Call.ID)
	if call.Status != store.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED untouched", call.Status)
	}
}

func TestHandleStatusUnknownCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.bridge.HandleStatus(context.Background(), store.ProviderExotel, telephony.StatusEvent{ExternalID: "EX999", RawStatus: "completed"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	_, err = f.bridge.HandleStatus(context.Background(), store.ProviderExotel, telephony.StatusEvent{RawStatus: "completed"})
	if !errors.Is(err, ErrBadEvent) {
		t.Errorf("err = %v, want ErrBadEvent", err)
	}
}

func TestPlaceCallDirectDial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dialer := &fakeDialer{res: &telephony.DialResult{ExternalID: "EX900", Status: store.StatusConnecting}}
	f.registry.RegisterDialer(store.ProviderExotel, dialer)

	call, err := f.bridge.PlaceCall(ctx, f.numbers[store.ProviderExotel].ID, "919000000001")
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusConnecting {
		t.Errorf("status = %s, want CONNECTING", call.Status)
	}
	if call.ExternalID == nil || *call.ExternalID != "EX900" {
		t.Errorf("external id = %v", call.ExternalID)
	}
	if call.Direction != store.DirectionOutbound {
		t.Errorf("direction = %s", call.Direction)
	}

	if dialer.last.From != f.numbers[store.ProviderExotel].Number {
		t.Errorf("dial from = %q", dialer.last.From)
	}
	if dialer.last.To != "+919000000001" {
		t.Errorf("dial to = %q, want normalized E.164", dialer.last.To)
	}
	if dialer.last.CallbackURL != "https://voice.example.com/webhooks/exotel/status" {
		t.Errorf("callback url = %q", dialer.last.CallbackURL)
	}
	if dialer.last.AnswerURL != "https://voice.example.com/webhooks/exotel/incoming" {
		t.Errorf("answer url = %q", dialer.last.AnswerURL)
	}

	caller, err := f.store.CallerByID(ctx, call.CallerID)
	if err != nil {
		t.Fatal(err)
	}
	if caller.PhoneNumber != "+919000000001" {
		t.Errorf("caller phone = %q", caller.PhoneNumber)
	}
}

func TestPlaceCallDelegated(t *testing.T) {
	f := newFixture(t)
	f.vocode.externalID = "CA777"
	ctx := context.Background()

	call, err := f.bridge.PlaceCall(ctx, f.numbers[store.ProviderTwilio].ID, "+919000000001")
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusRinging {
		t.Errorf("status = %s, want RINGING until the provider reports", call.Status)
	}
	if call.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", call.ConversationID)
	}
	if call.ExternalID == nil || *call.ExternalID != "CA777" {
		t.Errorf("external id = %v, want the id the process reported", call.ExternalID)
	}

	req := f.vocode.lastRequest(t)
	if req.Direction != "OUTBOUND" || req.Provider != "twilio" {
		t.Errorf("request = %s/%s", req.Direction, req.Provider)
	}
	if req.ToPhone != "+919000000001" {
		t.Errorf("request to = %q", req.ToPhone)
	}
	if req.ExternalID != "" {
		t.Errorf("request external id = %q, want empty before origination", req.ExternalID)
	}
}

func TestPlaceCallRefusals(t *testing.T) {
	t.Run("unknown phone number", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.bridge.PlaceCall(context.Background(), "2c9d7f54-0000-0000-0000-000000000000", "+919000000001")
		if !errors.Is(err, ErrUnknownNumber) {
			t.Errorf("err = %v, want ErrUnknownNumber", err)
		}
	})

	t.Run("provider without dial support", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.bridge.PlaceCall(context.Background(), f.numbers[store.ProviderVonage].ID, "+919000000001")
		if !errors.Is(err, telephony.ErrDialUnsupported) {
			t.Errorf("err = %v, want ErrDialUnsupported", err)
		}
	})

	t.Run("tenant without agent config", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		bare := &store.Tenant{Name: "No Config Pvt Ltd", DataRetentionDays: 30}
		if err := f.store.CreateTenant(ctx, bare); err != nil {
			t.Fatal(err)
		}
		number := &store.PhoneNumber{TenantID: bare.ID, Number: "+918000000009", Provider: store.ProviderExotel}
		if err := f.store.CreatePhoneNumber(ctx, number); err != nil {
			t.Fatal(err)
		}
		_, err := f.bridge.PlaceCall(ctx, number.ID, "+919000000001")
		if !errors.Is(err, ErrNoAgentConfig) {
			t.Errorf("err = %v, want ErrNoAgentConfig", err)
		}
	})

	t.Run("provider refuses the dial", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.registry.RegisterDialer(store.ProviderExotel, &fakeDialer{err: errors.New("insufficient balance")})

		_, err := f.bridge.PlaceCall(ctx, f.numbers[store.ProviderExotel].ID, "+919000000001")
		if !errors.Is(err, ErrDialFailed) {
			t.Fatalf("err = %v, want ErrDialFailed", err)
		}

		calls, total, err := f.store.ListCalls(ctx, f.tenant.ID, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if total != 1 {
			t.Fatalf("refused dial left %d call rows, want 1", total)
		}
		if calls[0].Status != store.StatusFailed {
			t.Errorf("refused dial left status %s, want FAILED", calls[0].Status)
		}
	})
}

func TestAppendTranscriptBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX700", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}
	sub := f.hub.Subscribe(res.Call.ID)
	defer f.hub.Unsubscribe(res.Call.ID, sub)

	conf := 0.92
	tr, err := f.bridge.AppendTranscript(ctx, res.Call.ID, store.RoleCaller, "I'd like to book a cleaning.", &conf, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.SpokenAt.IsZero() {
		t.Error("spoken-at not defaulted")
	}

	ev := receiveEvent(t, sub)
	if ev.Type != "transcript" || ev.CallID != res.Call.ID {
		t.Errorf("broadcast = %s/%s", ev.Type, ev.CallID)
	}

	rows, err := f.store.TranscriptsByCall(ctx, res.Call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Content != "I'd like to book a cleaning." {
		t.Errorf("stored transcripts = %+v", rows)
	}

	if _, err := f.bridge.AppendTranscript(ctx, "2c9d7f54-0000-0000-0000-000000000000", store.RoleAgent, "hello", nil, time.Time{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown call err = %v, want ErrNotFound", err)
	}
}

func TestAppendExtractionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX800", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}

	ex, err := f.bridge.AppendExtraction(ctx, res.Call.ID, "appointment", store.JSONMap{"service": "cleaning"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Type != "appointment" {
		t.Errorf("type = %q", ex.Type)
	}

	if _, err := f.bridge.AppendExtraction(ctx, res.Call.ID, "", nil, nil); !errors.Is(err, ErrBadEvent) {
		t.Errorf("empty type err = %v, want ErrBadEvent", err)
	}
	if _, err := f.bridge.AppendExtraction(ctx, "2c9d7f54-0000-0000-0000-000000000000", "order", nil, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown call err = %v, want ErrNotFound", err)
	}
}

func TestCompleteIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX850", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.HandleStatus(ctx, store.ProviderExotel, telephony.StatusEvent{ExternalID: "EX850", RawStatus: "in-progress"}); err != nil {
		t.Fatal(err)
	}

	call, err := f.bridge.Complete(ctx, res.Call.ID, "Asha booked a cleaning for Friday.", store.SentimentPositive)
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusCompleted || call.EndedAt == nil {
		t.Errorf("after complete: %s ended=%v", call.Status, call.EndedAt)
	}
	if call.Summary != "Asha booked a cleaning for Friday." || call.Sentiment != store.SentimentPositive {
		t.Errorf("summary/sentiment = %q/%s", call.Summary, call.Sentiment)
	}

	again, err := f.bridge.Complete(ctx, res.Call.ID, "a different summary", store.SentimentNegative)
	if err != nil {
		t.Fatal(err)
	}
	if again.Summary != "Asha booked a cleaning for Friday." || again.Sentiment != store.SentimentPositive {
		t.Errorf("second completion rewrote the record: %q/%s", again.Summary, again.Sentiment)
	}

	// The provider's late completed callback is absorbed too.
	got, err := f.bridge.HandleStatus(ctx, store.ProviderExotel, telephony.StatusEvent{ExternalID: "EX850", RawStatus: "completed", DurationSecs: 99})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestTransferLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	transferrer := &fakeTransferrer{}
	f.registry.RegisterTransferrer(store.ProviderPlivo, transferrer)

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderPlivo, f.incomingEvent(store.ProviderPlivo, "PL50", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.HandleStatus(ctx, store.ProviderPlivo, telephony.StatusEvent{ExternalID: "PL50", RawStatus: "in-progress"}); err != nil {
		t.Fatal(err)
	}

	call, err := f.bridge.Transfer(ctx, res.Call.ID, "+919876500000")
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != store.StatusTransferred || call.EndedAt == nil {
		t.Errorf("after transfer: %s ended=%v", call.Status, call.EndedAt)
	}
	if transferrer.last.ExternalID != "PL50" || transferrer.last.ToNumber != "+919876500000" {
		t.Errorf("transfer request = %+v", transferrer.last)
	}
	wantURL := "https://voice.example.com/webhooks/plivo/transfer-xml?to=%2B919876500000"
	if transferrer.last.InstructionURL != wantURL {
		t.Errorf("instruction url = %q, want %q", transferrer.last.InstructionURL, wantURL)
	}
	if ended := f.vocode.endedIDs(); len(ended) != 1 {
		t.Errorf("transfer should end the AI conversation, ended=%v", ended)
	}
}

func TestTransferRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bridge.HandleIncoming(ctx, store.ProviderExotel, f.incomingEvent(store.ProviderExotel, "EX950", "+919000000001"))
	if err != nil {
		t.Fatal(err)
	}

	// Exotel has no transfer API.
	if _, err := f.bridge.Transfer(ctx, res.Call.ID, "+919876500000"); !errors.Is(err, telephony.ErrTransferUnsupported) {
		t.Errorf("err = %v, want ErrTransferUnsupported", err)
	}
	call, _ := f.store.CallByID(ctx, res.Call.ID)
	if call.Status != store.StatusRinging {
		t.Errorf("refused transfer moved status to %s", call.Status)
	}

	// A provider API failure also leaves the status alone.
	f.registry.RegisterTransferrer(store.ProviderPlivo, &fakeTransferrer{err: errors.New("upstream 500")})
	plivoRes, err := f.bridge.HandleIncoming(ctx, store.ProviderPlivo, f.incomingEvent(store.ProviderPlivo, "PL60", "+919000000002"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.Transfer(ctx, plivoRes.Call.ID, "+919876500000"); !errors.Is(err, ErrTransferRejected) {
		t.Errorf("err = %v, want ErrTransferRejected", err)
	}
	call, _ = f.store.CallByID(ctx, plivoRes.Call.ID)
	if call.Status != store.StatusRinging {
		t.Errorf("failed transfer moved status to %s", call.Status)
	}

	// Calls that never got a provider id cannot be transferred.
	delegated, err := f.bridge.PlaceCall(ctx, f.numbers[store.ProviderTwilio].ID, "+919000000003")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.Transfer(ctx, delegated.ID, "+919876500000"); !errors.Is(err, ErrMissingExternalID) {
		t.Errorf("err = %v, want ErrMissingExternalID", err)
	}

	// Terminal calls refuse transfer.
	if _, err := f.bridge.Complete(ctx, res.Call.ID, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.Transfer(ctx, res.Call.ID, "+919876500000"); !errors.Is(err, ErrCallNotLive) {
		t.Errorf("err = %v, want ErrCallNotLive", err)
	}
}
