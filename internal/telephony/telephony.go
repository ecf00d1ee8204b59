package telephony

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/troikatech/voicebridge/internal/store"
)

// DialMode states how outbound calls reach a provider's network.
type DialMode int

const (
	// DialNone refuses outbound calls on the provider.
	DialNone DialMode = iota
	// DialDirect originates through the provider's REST API.
	DialDirect
	// DialDelegated hands origination to the voice-AI process, which holds
	// the provider credentials for the call.
	DialDelegated
)

var (
	ErrDialUnsupported     = errors.New("provider does not support outbound dialing")
	ErrTransferUnsupported = errors.New("provider does not support live transfer")
)

// Capabilities is the per-provider feature table consulted before any dial
// or transfer attempt.
type Capabilities struct {
	Dial     DialMode
	Transfer bool
}

var capabilities = map[store.Provider]Capabilities{
	store.ProviderExotel: {Dial: DialDirect},
	store.ProviderPlivo:  {Dial: DialDirect, Transfer: true},
	store.ProviderTwilio: {Dial: DialDelegated, Transfer: true},
	store.ProviderVonage: {},
}

// CapabilitiesFor returns the feature table entry for a provider. Unknown
// providers can do nothing.
func CapabilitiesFor(p store.Provider) Capabilities {
	return capabilities[p]
}

// DialRequest asks a provider to originate a call from a tenant number.
type DialRequest struct {
	From string
	To   string
	// CallbackURL receives the provider's status webhooks for the new call.
	CallbackURL string
	// AnswerURL is the instruction document the provider fetches when the
	// callee answers. Plivo requires it.
	AnswerURL string
}

// DialResult reports the provider-side identity of a successful dial.
type DialResult struct {
	ExternalID string
	Status     store.CallStatus
}

// TransferRequest redirects a live call leg to a human agent's number.
type TransferRequest struct {
	ExternalID string
	ToNumber   string
	// InstructionURL serves the transfer document for providers that pull
	// it by URL rather than accepting it inline.
	InstructionURL string
}

// Dialer originates calls on one provider's REST API.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (*DialResult, error)
}

// Transferrer redirects a live call leg to another number.
type Transferrer interface {
	Transfer(ctx context.Context, req TransferRequest) error
}

// Registry holds the provider clients that were actually configured at
// startup. A provider whose credentials are missing is simply absent.
type Registry struct {
	dialers      map[store.Provider]Dialer
	transferrers map[store.Provider]Transferrer
}

func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[store.Provider]Dialer),
		transferrers: make(map[store.Provider]Transferrer),
	}
}

func (r *Registry) RegisterDialer(p store.Provider, d Dialer) {
	r.dialers[p] = d
}

func (r *Registry) RegisterTransferrer(p store.Provider, t Transferrer) {
	r.transferrers[p] = t
}

// Dial originates a call on the named provider. ErrDialUnsupported means
// the provider can never dial; a missing client means it was not
// configured.
func (r *Registry) Dial(ctx context.Context, p store.Provider, req DialRequest) (*DialResult, error) {
	if CapabilitiesFor(p).Dial != DialDirect {
		return nil, ErrDialUnsupported
	}
	d, ok := r.dialers[p]
	if !ok {
		return nil, fmt.Errorf("no %s dialer configured", p.Route())
	}
	return d.Dial(ctx, req)
}

// Transfer redirects a live call on the named provider.
func (r *Registry) Transfer(ctx context.Context, p store.Provider, req TransferRequest) error {
	if !CapabilitiesFor(p).Transfer {
		return ErrTransferUnsupported
	}
	t, ok := r.transferrers[p]
	if !ok {
		return fmt.Errorf("no %s transfer client configured", p.Route())
	}
	return t.Transfer(ctx, req)
}

// TransferXML renders the instruction document that bridges a transferred
// leg to a human number. Twilio accepts it inline, Plivo fetches it from
// the hosted transfer endpoint.
func TransferXML(to string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("<Response><Dial><Number>")
	xml.EscapeText(&b, []byte(to))
	b.WriteString("</Number></Dial></Response>")
	return b.String()
}
