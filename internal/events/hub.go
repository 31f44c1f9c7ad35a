// Package events fans decisions and outcomes out to in-process subscribers,
// primarily the websocket feed.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the pipeline.
const (
	TypeDecision     = "medic.decision"
	TypeOutcome      = "medic.outcome"
	TypeResurrection = "medic.resurrection"
)

// source identifies this process in every envelope.
const source = "medic-agent"

// subscriberBuffer is the per-subscriber channel depth. Slow consumers
// drop events rather than stall the pipeline.
const subscriberBuffer = 100

// Event is the envelope delivered to subscribers and over the wire.
type Event struct {
	Type    string      `json:"type"`
	Source  string      `json:"source"`
	ID      string      `json:"id"`
	Time    time.Time   `json:"time"`
	Subject string      `json:"subject,omitempty"`
	Data    interface{} `json:"data"`
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Hub is an in-process publish/subscribe fan-out. Publishing never blocks:
// a full subscriber channel loses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan *Event),
	}
}

// Subscribe registers a channel for the given event types, or for every
// event when none are named.
func (h *Hub) Subscribe(eventTypes ...string) chan *Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	if len(eventTypes) == 0 {
		h.allSubs = append(h.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		h.subscribers[et] = append(h.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes the channel from every list and closes it.
func (h *Hub) Unsubscribe(ch chan *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for et, subs := range h.subscribers {
		h.subscribers[et] = without(subs, ch)
	}
	h.allSubs = without(h.allSubs, ch)
	close(ch)
}

// Publish delivers the event to every matching subscriber.
func (h *Hub) Publish(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range h.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds an envelope for the payload and publishes it. Subject carries
// the kill ID the event concerns.
func (h *Hub) Emit(eventType, subject string, data interface{}) {
	h.Publish(&Event{
		Type:    eventType,
		Source:  source,
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Subject: subject,
		Data:    data,
	})
}

// SubscriberCount reports the number of registered subscriber channels.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := len(h.allSubs)
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

func without(subs []chan *Event, ch chan *Event) []chan *Event {
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
