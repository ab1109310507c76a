package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub broadcasts events to subscribers. Each subscriber sees events in emission order;
// a subscriber whose buffer is full misses events rather than stalling the emitter.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription is one consumer of the hub
type Subscription struct {
	hub     *Hub
	ch      chan Envelope
	dropped atomic.Int64
	once    sync.Once
}

// C delivers envelopes; it is closed when the subscription ends.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Dropped counts envelopes lost because the buffer was full
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close ends the subscription
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Subscribe registers a consumer with the given buffer size
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{hub: h, ch: make(chan Envelope, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

func (h *Hub) publish(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- env:
		default:
			if s.dropped.Add(1) == 1 {
				slog.Warn("Event subscriber is falling behind, dropping events", "type", env.Type)
			}
		}
	}
}

func (h *Hub) RecorderStateChanged(e RecorderState) {
	h.publish(Envelope{Type: TypeRecorderState, Payload: e})
}

func (h *Hub) RecorderProgress(e RecorderProgress) {
	h.publish(Envelope{Type: TypeRecorderProgress, Payload: e})
}

func (h *Hub) PlayerProgress(e PlayerProgress) {
	h.publish(Envelope{Type: TypePlayerProgress, Payload: e})
}
