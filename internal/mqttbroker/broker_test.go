package mqttbroker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"radio/tx", "radio/tx", true},
		{"radio/tx", "radio/rx", false},
		{"radio/rx/+", "radio/rx/peer-1", true},
		{"radio/rx/+", "radio/rx/peer-1/extra", false},
		{"radio/rx/+", "radio/rx", false},
		{"radio/#", "radio", true},
		{"radio/#", "radio/rx/peer-1", true},
		{"#", "radio/state", true},
		{"#", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"+/state", "radio/state", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

func TestValidateTopicFilter(t *testing.T) {
	assert.NoError(t, validateTopicFilter("radio/+/x/#"))
	assert.Error(t, validateTopicFilter("radio/#/x"))
	assert.Error(t, validateTopicFilter("radio/rx+"))
	assert.Error(t, validateTopicFilter(""))
	assert.Error(t, validateTopicName("radio/+"))
}

func startBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connect(t *testing.T, b *Broker, id string, configure func(*mqtt.ClientOptions)) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(id).
		SetAutoReconnect(false)
	if configure != nil {
		configure(opts)
	}
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func TestBrokerPublishToWildcardSubscriber(t *testing.T) {
	b := startBroker(t)
	c := connect(t, b, "radio-driver", nil)

	got := make(chan mqtt.Message, 1)
	tok := c.Subscribe("radio/#", 0, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	n, err := b.Publish("radio/tx", []byte{0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case m := <-got:
		assert.Equal(t, "radio/tx", m.Topic())
		assert.Equal(t, []byte{0xFF, 0xFF}, m.Payload())
	case <-time.After(5 * time.Second):
		t.Fatal("publish not delivered")
	}

	n, err = b.Publish("other/topic", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBrokerInvokesHandlerForQoS1(t *testing.T) {
	b := startBroker(t)
	received := make(chan PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) { received <- msg })

	c := connect(t, b, "sim", nil)
	tok := c.Publish("radio/rx/peer-7", 1, false, []byte("frame"))
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	select {
	case msg := <-received:
		assert.Equal(t, "sim", msg.ClientID)
		assert.Equal(t, "radio/rx/peer-7", msg.Topic)
		assert.Equal(t, []byte("frame"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestBrokerCredentials(t *testing.T) {
	b := startBroker(t, WithCredentials("radio", "secret"))

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID("intruder").
		SetAutoReconnect(false).
		SetConnectRetry(false)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	assert.Error(t, tok.Error())

	connect(t, b, "driver", func(o *mqtt.ClientOptions) {
		o.SetUsername("radio")
		o.SetPassword("secret")
	})
	assert.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
