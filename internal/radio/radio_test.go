package radio

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sosmesh/relay-node/internal/mqttbroker"
	"sosmesh/relay-node/internal/packet"
)

type fakePublisher struct {
	topic       string
	payload     []byte
	subscribers int
}

func (f *fakePublisher) Publish(topic string, payload []byte) (int, error) {
	f.topic = topic
	f.payload = payload
	return f.subscribers, nil
}

func TestBridgeParsesRxFrames(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 2, 2, 2, 0, 0, 0, time.UTC))
	b := NewBridge(&fakePublisher{}, nil, WithClock(mock))

	raw := packet.Encode(packet.Packet{OriginatorID: 5, Sequence: 1})
	heading := 90.0
	body, err := json.Marshal(RxFrame{Payload: raw, RSSI: -64, Heading: &heading})
	require.NoError(t, err)

	b.HandlePublish(context.Background(), mqttbroker.PublishMessage{ClientID: "drv", Topic: "radio/rx/aa:bb", Payload: body})
	ev := (<-b.Events()).(PacketReceived)
	assert.Equal(t, raw, ev.Payload)
	assert.Equal(t, -64, ev.RSSI)
	assert.Equal(t, "aa:bb", ev.PeerID)
	require.NotNil(t, ev.Heading)
	assert.Equal(t, 90.0, *ev.Heading)
	assert.Equal(t, mock.Now(), ev.At)

	// Bare frames are accepted too; the client id stands in for a missing peer.
	b.HandlePublish(context.Background(), mqttbroker.PublishMessage{ClientID: "drv", Topic: "radio/rx/", Payload: raw})
	ev = (<-b.Events()).(PacketReceived)
	assert.Equal(t, "drv", ev.PeerID)
	assert.Zero(t, ev.RSSI)

	b.HandlePublish(context.Background(), mqttbroker.PublishMessage{Topic: "radio/rx/x", Payload: []byte("{nope")})
	b.HandlePublish(context.Background(), mqttbroker.PublishMessage{Topic: "radio/rx/x", Payload: []byte(`{"rssi":-50}`)})
	assert.Len(t, b.Events(), 0)
}

func TestBridgeState(t *testing.T) {
	b := NewBridge(&fakePublisher{}, nil)
	assert.Equal(t, StateOff, b.State())

	b.HandlePublish(context.Background(), mqttbroker.PublishMessage{Topic: TopicState, Payload: []byte(" Scanning\n")})
	ev := (<-b.Events()).(StateChanged)
	assert.Equal(t, StateScanning, ev.State)
	assert.Equal(t, StateScanning, b.State())

	b.HandlePublish(context.Background(), mqttbroker.PublishMessage{Topic: "unrelated", Payload: []byte("x")})
	assert.Len(t, b.Events(), 0)
}

func TestBridgeDropsWhenFull(t *testing.T) {
	drops := 0
	b := NewBridge(&fakePublisher{}, nil, WithQueueSize(1), WithDropHook(func() { drops++ }))

	assert.True(t, b.Push(StateChanged{State: StateActive}))
	assert.False(t, b.Push(StateChanged{State: StateOff}))
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, 1, drops)
}

func TestBridgeTransmit(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBridge(pub, nil)

	err := b.Transmit(context.Background(), []byte{1, 2})
	assert.ErrorIs(t, err, ErrNoRadio)
	assert.Equal(t, TopicTx, pub.topic)

	pub.subscribers = 1
	require.NoError(t, b.Transmit(context.Background(), []byte{3}))
	assert.Equal(t, []byte{3}, pub.payload)
}
