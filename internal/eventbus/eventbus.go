package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type classifies a node event for live clients.
type Type string

const (
	TypeIngest     Type = "ingest"
	TypeOriginate  Type = "originate"
	TypeRelay      Type = "relay"
	TypeSync       Type = "sync"
	TypeWipe       Type = "wipe"
	TypeRadioState Type = "radio_state"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is the JSON envelope sent to subscribers.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to every subscriber. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped atomic.Uint64
}

// New returns a bus whose subscribers buffer up to buffer events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a consumer. The returned function unsubscribes and
// closes the channel; it must be called exactly once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish delivers an event of type t to all current subscribers.
func (b *Bus) Publish(t Type, data interface{}) {
	e := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was slow.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
