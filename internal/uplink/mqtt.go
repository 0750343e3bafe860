package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sosmesh/relay-node/internal/packet"
)

// MQTTConfig describes the backend broker.
type MQTTConfig struct {
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string
}

// MQTTUploader publishes raw packets to "<topic>/<key>" with QoS 1.
type MQTTUploader struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// NewMQTTUploader creates a client that keeps reconnecting in the background.
// The initial connection is attempted asynchronously so a node without
// connectivity still starts.
func NewMQTTUploader(cfg MQTTConfig, logger *slog.Logger) (*MQTTUploader, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt uploader: broker url required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "sos/packets"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("mesh-relay-%d", time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("backend mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("backend mqtt connected", "broker", cfg.BrokerURL)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	client.Connect()

	return &MQTTUploader{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Send publishes raw and waits for the broker's PUBACK.
func (u *MQTTUploader) Send(ctx context.Context, raw []byte) error {
	if !u.client.IsConnectionOpen() {
		return ErrOffline
	}

	topic := u.topic
	if p, err := packet.Decode(raw); err == nil {
		topic = fmt.Sprintf("%s/%s", u.topic, p.Key())
	}

	token := u.client.Publish(topic, 1, false, raw)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

// Close disconnects from the backend broker.
func (u *MQTTUploader) Close() {
	u.client.Disconnect(250)
}
