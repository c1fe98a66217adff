// Package hub fans relay envelopes out to live subscribers and tracks
// per-address presence.
package hub

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/psky-social/relay/internal/metrics"
	"go.uber.org/zap"
)

// TypeServerState is the $type of presence envelopes.
const TypeServerState = "serverState"

const defaultBufferSize = 64

// Envelope is an encoded frame ready to be written to subscribers.
type Envelope struct {
	Type string
	// Room scopes the envelope for room-filtered subscribers. Empty means no room.
	Room    string
	Payload []byte
}

// Global reports whether the envelope bypasses room filters.
func (e Envelope) Global() bool {
	return e.Type == TypeServerState
}

// Sink receives a copy of every envelope the hub publishes.
type Sink interface {
	Publish(envelope Envelope)
}

// Config describes the dependencies of a Hub.
type Config struct {
	BufferSize int
	Mirror     Sink
	Logger     *zap.Logger
}

// Hub is the single owner of subscriber registrations and address counts.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	addresses   map[string]int
	bufferSize  int
	mirror      Sink
	logger      *zap.Logger
	closed      bool
}

type subscriber struct {
	id      string
	address string
	rooms   map[string]struct{}
	stream  chan Envelope
}

// Subscription is an active registration. Stream is closed when the
// subscription ends.
type Subscription struct {
	ID     string
	Stream <-chan Envelope
}

type presencePayload struct {
	Type         string `json:"$type"`
	SessionCount int    `json:"sessionCount"`
}

func New(cfg Config) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		addresses:   make(map[string]int),
		bufferSize:  bufferSize,
		mirror:      cfg.Mirror,
		logger:      logger,
	}
}

// Subscribe registers a subscriber from address interested in rooms (empty
// means everything). The first subscriber from an address announces presence
// to everyone; later ones only receive the current presence. The returned
// cancel func, also triggered by ctx, unregisters the subscriber.
func (h *Hub) Subscribe(ctx context.Context, address string, rooms []string) (Subscription, func()) {
	sub := &subscriber{
		id:      uuid.NewString(),
		address: address,
		stream:  make(chan Envelope, h.bufferSize),
	}
	if len(rooms) > 0 {
		sub.rooms = make(map[string]struct{}, len(rooms))
		for _, room := range rooms {
			sub.rooms[room] = struct{}{}
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.stream)
		return Subscription{ID: sub.id, Stream: sub.stream}, func() {}
	}
	h.subscribers[sub.id] = sub
	h.addresses[address]++
	firstFromAddress := h.addresses[address] == 1
	presence := h.presenceLocked()
	if firstFromAddress {
		h.fanOutLocked(presence)
	} else {
		h.sendLocked(sub, presence)
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	if firstFromAddress {
		h.mirrorEnvelope(presence)
	}
	h.logger.Debug("subscriber registered", zap.String("subscriber_id", sub.id), zap.String("address", address), zap.Int("rooms", len(rooms)))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.unsubscribe(sub)
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return Subscription{ID: sub.id, Stream: sub.stream}, func() {
		stop()
		cancel()
	}
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub.id)
	close(sub.stream)
	h.addresses[sub.address]--
	lastFromAddress := h.addresses[sub.address] <= 0
	var presence Envelope
	if lastFromAddress {
		delete(h.addresses, sub.address)
		presence = h.presenceLocked()
		h.fanOutLocked(presence)
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	if lastFromAddress {
		h.mirrorEnvelope(presence)
	}
	h.logger.Debug("subscriber removed", zap.String("subscriber_id", sub.id), zap.String("address", sub.address))
}

// Publish delivers envelope to every subscriber whose filter matches, without
// blocking. A subscriber with a full buffer misses the envelope.
func (h *Hub) Publish(envelope Envelope) {
	if envelope.Type == "" || len(envelope.Payload) == 0 {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.fanOutLocked(envelope)
	h.mu.Unlock()

	h.mirrorEnvelope(envelope)
}

// SessionCount returns the number of distinct addresses with an active subscriber.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.addresses)
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.stream)
		delete(h.subscribers, id)
	}
	h.addresses = make(map[string]int)
	h.updateGaugesLocked()
}

// fanOutLocked sends while holding the lock so every subscriber observes
// envelopes in the same order.
func (h *Hub) fanOutLocked(envelope Envelope) {
	metrics.EnvelopesPublished.WithLabelValues(envelope.Type).Inc()
	for _, sub := range h.subscribers {
		if !sub.wants(envelope) {
			continue
		}
		h.sendLocked(sub, envelope)
	}
}

func (h *Hub) sendLocked(sub *subscriber, envelope Envelope) {
	select {
	case sub.stream <- envelope:
	default:
		metrics.EnvelopesDropped.Inc()
		h.logger.Debug("subscriber buffer full, envelope dropped",
			zap.String("subscriber_id", sub.id),
			zap.String("type", envelope.Type))
	}
}

func (h *Hub) presenceLocked() Envelope {
	payload, err := json.Marshal(presencePayload{Type: TypeServerState, SessionCount: len(h.addresses)})
	if err != nil {
		h.logger.Error("failed to encode presence", zap.Error(err))
	}
	return Envelope{Type: TypeServerState, Payload: payload}
}

func (h *Hub) updateGaugesLocked() {
	metrics.Subscribers.Set(float64(len(h.subscribers)))
	metrics.SessionAddresses.Set(float64(len(h.addresses)))
}

func (h *Hub) mirrorEnvelope(envelope Envelope) {
	if h.mirror == nil || len(envelope.Payload) == 0 {
		return
	}
	h.mirror.Publish(envelope)
}

func (s *subscriber) wants(envelope Envelope) bool {
	if envelope.Global() || len(s.rooms) == 0 {
		return true
	}
	_, ok := s.rooms[envelope.Room]
	return ok
}
