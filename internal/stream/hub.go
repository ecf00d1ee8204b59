package stream

import (
	"sync"
	"time"

	"github.com/troikatech/voicebridge/pkg/metrics"
)

// Event is one live update for a call: a status transition, an appended
// transcript or extraction, or the completion record.
type Event struct {
	Type   string      `json:"type"`
	CallID string      `json:"call_id"`
	At     time.Time   `json:"at"`
	Data   interface{} `json:"data,omitempty"`
}

// Subscriber receives one call's events until unsubscribed.
type Subscriber struct {
	ch chan Event
}

// Events is the subscriber's receive side. It closes on unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Hub fans call events out to dashboard stream subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than blocking the webhook that produced it.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers for one call's events.
func (h *Hub) Subscribe(callID string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, 16)}

	h.mu.Lock()
	set, ok := h.subs[callID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[callID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.StreamClients.Inc()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// once per subscriber.
func (h *Hub) Unsubscribe(callID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[callID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, callID)
	}
	close(sub.ch)
	metrics.StreamClients.Dec()
}

// Broadcast delivers an event to every subscriber of its call.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.CallID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
