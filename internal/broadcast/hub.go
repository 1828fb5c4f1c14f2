// Package broadcast pushes ledger and round updates to subscribers of an
// account. Delivery is best effort: nothing is persisted and slow subscribers
// lose events instead of stalling the publisher.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventExecution      EventType = "execution"
	EventStats          EventType = "stats"
	EventRound          EventType = "round"
	EventRiskAssessment EventType = "risk_assessment"
)

// Event is one update for an account.
type Event struct {
	Type       EventType       `json:"type"`
	AccountKey string          `json:"account_key"`
	Payload    json.RawMessage `json:"payload"`
	At         time.Time       `json:"at"`
}

// NewEvent encodes payload into an Event stamped with at.
func NewEvent(typ EventType, accountKey string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{Type: typ, AccountKey: accountKey, Payload: raw, At: at.UTC()}, nil
}

// Publisher accepts events for an account. Implementations never block the
// caller on a slow consumer.
type Publisher interface {
	Publish(accountKey string, ev Event)
}

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("broadcast: hub closed")

const defaultBuffer = 64

// Hub fans events out to in-process subscribers keyed by account.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]chan Event
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]map[uint64]chan Event), buffer: buffer}
}

// Publish delivers ev to every current subscriber of accountKey. Events for a
// subscriber whose buffer is full are dropped.
func (h *Hub) Publish(accountKey string, ev Event) {
	if ev.AccountKey == "" {
		ev.AccountKey = accountKey
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[accountKey] {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber for accountKey.
func (h *Hub) Subscribe(accountKey string) (*Subscription, error) {
	if accountKey == "" {
		return nil, errors.New("broadcast: account key is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	ch := make(chan Event, h.buffer)
	if h.subs[accountKey] == nil {
		h.subs[accountKey] = make(map[uint64]chan Event)
	}
	h.subs[accountKey][id] = ch
	return &Subscription{C: ch, hub: h, key: accountKey, id: id}, nil
}

// Subscribers counts live subscriptions of accountKey.
func (h *Hub) Subscribers(accountKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountKey])
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, set := range h.subs {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(h.subs, key)
	}
}

func (h *Hub) remove(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[key]
	ch, ok := set[id]
	if !ok {
		return
	}
	close(ch)
	delete(set, id)
	if len(set) == 0 {
		delete(h.subs, key)
	}
}

// Subscription receives events on C until Close is called or the hub closes.
type Subscription struct {
	C <-chan Event

	hub  *Hub
	key  string
	id   uint64
	once sync.Once
}

// AccountKey returns the account the subscription listens to.
func (s *Subscription) AccountKey() string { return s.key }

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s.key, s.id) })
}
