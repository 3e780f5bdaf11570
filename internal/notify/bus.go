// Package notify fans engine output out to subscribers: batched MQTT
// notification topics, WebSocket clients, and anything else on the bus.
package notify

import (
	"sync"
	"time"
)

// Priority levels for notifications. High priority bypasses batching.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is one outbound message addressed to an organization
// and a topic.
type Notification struct {
	Timestamp      time.Time      `json:"ts"`
	OrganizationID int64          `json:"organizationId"`
	Topic          string         `json:"topic"`
	Priority       string         `json:"priority"`
	Data           map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive on buffered
// channels; slow subscribers miss notifications rather than blocking
// the engine. Safe to call on a nil receiver (no-op).
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Notification]struct{}
	recvToSend map[<-chan Notification]chan Notification
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Notification]struct{}),
		recvToSend: make(map[<-chan Notification]chan Notification),
	}
}

// Publish sends to all subscribers without blocking; full subscriber
// channels drop the notification.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a receive channel. Callers must Unsubscribe when
// done.
func (b *Bus) Subscribe(bufSize int) <-chan Notification {
	ch := make(chan Notification, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. No-op for
// channels already removed.
func (b *Bus) Unsubscribe(ch <-chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
