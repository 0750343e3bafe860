// Package radio is the message-passing boundary to the platform radio driver.
//
// The driver is an MQTT client of the node's embedded broker. It publishes
// received frames to radio/rx/<peer> and state changes to radio/state, and
// subscribes to radio/tx for frames to advertise. The bridge turns those
// publishes into typed events on a bounded channel; nothing here calls into
// platform APIs.
package radio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"sosmesh/relay-node/internal/mqttbroker"
	"sosmesh/relay-node/internal/packet"
)

const (
	TopicRxPrefix = "radio/rx/"
	TopicState    = "radio/state"
	TopicTx       = "radio/tx"

	DefaultQueueSize = 256
)

// ErrNoRadio is returned by Transmit when no driver is subscribed to radio/tx.
var ErrNoRadio = errors.New("no radio driver subscribed")

// State is the driver-reported radio state, e.g. "scanning" or "off".
type State string

const (
	StateOff         State = "off"
	StateScanning    State = "scanning"
	StateAdvertising State = "advertising"
	StateActive      State = "active"
)

// Event is either PacketReceived or StateChanged.
type Event interface {
	eventTime() time.Time
}

// PacketReceived carries one frame heard from a peer.
type PacketReceived struct {
	Payload []byte    `json:"payload"`
	RSSI    int       `json:"rssi"`
	PeerID  string    `json:"peer_id"`
	Heading *float64  `json:"heading,omitempty"`
	At      time.Time `json:"at"`
}

func (e PacketReceived) eventTime() time.Time { return e.At }

// StateChanged reports a driver state transition.
type StateChanged struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

func (e StateChanged) eventTime() time.Time { return e.At }

// RxFrame is the JSON body the driver publishes on radio/rx/<peer>.
type RxFrame struct {
	Payload []byte   `json:"payload"`
	RSSI    int      `json:"rssi"`
	Heading *float64 `json:"heading,omitempty"`
	PeerID  string   `json:"peer_id,omitempty"`
}

// Publisher is the broker side used for outbound frames.
type Publisher interface {
	Publish(topic string, payload []byte) (int, error)
}

// Bridge converts broker publishes into radio events.
type Bridge struct {
	pub     Publisher
	logger  *slog.Logger
	clock   clock.Clock
	events  chan Event
	dropped atomic.Uint64
	onDrop  func()
	state   atomic.Value // stores State
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock overrides the clock used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithQueueSize sets the event channel capacity.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.events = make(chan Event, n)
		}
	}
}

// WithDropHook is called every time an event is discarded because the queue is full.
func WithDropHook(fn func()) Option {
	return func(b *Bridge) { b.onDrop = fn }
}

// NewBridge returns a bridge publishing outbound frames through pub.
func NewBridge(pub Publisher, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		pub:    pub,
		logger: logger,
		clock:  clock.New(),
		events: make(chan Event, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.state.Store(StateOff)
	return b
}

// Events returns the receive side of the event queue.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// State returns the last state reported by the driver.
func (b *Bridge) State() State {
	return b.state.Load().(State)
}

// Dropped returns the number of events discarded because the queue was full.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// HandlePublish is installed as the broker's publish handler.
func (b *Bridge) HandlePublish(_ context.Context, msg mqttbroker.PublishMessage) {
	switch {
	case strings.HasPrefix(msg.Topic, TopicRxPrefix):
		ev, err := b.parseRx(msg)
		if err != nil {
			b.logger.Warn("invalid radio frame", "topic", msg.Topic, "client", msg.ClientID, "error", err)
			return
		}
		b.Push(ev)
	case msg.Topic == TopicState:
		st := State(strings.ToLower(strings.TrimSpace(string(msg.Payload))))
		if st == "" {
			return
		}
		b.state.Store(st)
		b.Push(StateChanged{State: st, At: b.clock.Now()})
	}
}

// Push queues ev without blocking and reports whether it was accepted.
func (b *Bridge) Push(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	default:
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
		b.logger.Warn("radio event queue full, dropping event", "dropped", b.dropped.Load())
		return false
	}
}

// Transmit hands raw to the driver for advertising.
func (b *Bridge) Transmit(_ context.Context, raw []byte) error {
	n, err := b.pub.Publish(TopicTx, raw)
	if err != nil {
		return fmt.Errorf("publish %s: %w", TopicTx, err)
	}
	if n == 0 {
		return ErrNoRadio
	}
	return nil
}

// parseRx accepts either a JSON RxFrame or a bare packet frame.
func (b *Bridge) parseRx(msg mqttbroker.PublishMessage) (PacketReceived, error) {
	peer := strings.TrimPrefix(msg.Topic, TopicRxPrefix)
	ev := PacketReceived{PeerID: peer, At: b.clock.Now()}

	if ev.PeerID == "" {
		ev.PeerID = msg.ClientID
	}

	if len(msg.Payload) >= 2 && msg.Payload[0] == 0xFF && msg.Payload[1] == 0xFF {
		ev.Payload = append([]byte(nil), msg.Payload...)
		return ev, nil
	}

	var f RxFrame
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		return PacketReceived{}, fmt.Errorf("decode rx frame: %w", err)
	}
	if len(f.Payload) == 0 {
		return PacketReceived{}, fmt.Errorf("rx frame without payload")
	}
	if len(f.Payload) > packet.ExtendedSize*4 {
		return PacketReceived{}, fmt.Errorf("rx frame of %d bytes is not a mesh packet", len(f.Payload))
	}
	ev.Payload = f.Payload
	ev.RSSI = f.RSSI
	ev.Heading = f.Heading
	if f.PeerID != "" {
		ev.PeerID = f.PeerID
	}
	return ev, nil
}
