package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"sosmesh/relay-node/internal/relay"
	"sosmesh/relay-node/internal/signal"
)

// File mirrors the TOML configuration file. Durations are Go duration strings.
type File struct {
	Node    NodeSection    `toml:"node"`
	MQTT    MQTTSection    `toml:"mqtt"`
	Relay   RelaySection   `toml:"relay"`
	Sync    SyncSection    `toml:"sync"`
	Cleanup CleanupSection `toml:"cleanup"`
	Signal  SignalSection  `toml:"signal"`
}

// NodeSection holds identity, storage and local API settings.
type NodeSection struct {
	ID           string `toml:"id"`
	DatabasePath string `toml:"database_path"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	LogLevel     string `toml:"log_level"`
	MDNS         *bool  `toml:"mdns"`
	MDNSInstance string `toml:"mdns_instance"`
}

// MQTTSection configures the embedded broker the radio driver connects to.
type MQTTSection struct {
	Bind     string `toml:"bind"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// RelaySection configures rebroadcasting.
type RelaySection struct {
	Interval      string `toml:"interval"`
	Limit         int    `toml:"limit"`
	Policy        string `toml:"policy"`
	IncludeSynced *bool  `toml:"include_synced"`
}

// SyncSection configures uploads.
type SyncSection struct {
	Interval     string `toml:"interval"`
	BatchSize    int    `toml:"batch_size"`
	Timeout      string `toml:"timeout"`
	Uploader     string `toml:"uploader"`
	MQTTURL      string `toml:"mqtt_url"`
	MQTTTopic    string `toml:"mqtt_topic"`
	MQTTUsername string `toml:"mqtt_username"`
	MQTTPassword string `toml:"mqtt_password"`
	HTTPURL      string `toml:"http_url"`
}

// CleanupSection configures expiry.
type CleanupSection struct {
	Interval string `toml:"interval"`
	MaxAge   string `toml:"max_age"`
	PeerTTL  string `toml:"peer_ttl"`
}

// SignalSection configures distance estimation.
type SignalSection struct {
	Environment string `toml:"environment"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return f.apply(cfg)
}

func (f File) apply(cfg *Config) error {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}

	setStr(&cfg.DatabasePath, f.Node.DatabasePath)
	setInt(&cfg.HTTPPort, f.Node.HTTPPort)
	setInt(&cfg.MetricsPort, f.Node.MetricsPort)
	setStr(&cfg.LogLevel, f.Node.LogLevel)
	setBool(&cfg.MDNSEnabled, f.Node.MDNS)
	setStr(&cfg.MDNSInstance, f.Node.MDNSInstance)
	if f.Node.ID != "" {
		id, err := parseNodeID(f.Node.ID)
		if err != nil {
			return fmt.Errorf("node.id: %w", err)
		}
		cfg.NodeID = id
	}

	setStr(&cfg.MQTTBindAddress, f.MQTT.Bind)
	setStr(&cfg.MQTTUsername, f.MQTT.Username)
	setStr(&cfg.MQTTPassword, f.MQTT.Password)

	setInt(&cfg.RelayLimit, f.Relay.Limit)
	setBool(&cfg.RelayIncludeSynced, f.Relay.IncludeSynced)
	if f.Relay.Policy != "" {
		p, err := relay.ParsePolicy(f.Relay.Policy)
		if err != nil {
			return fmt.Errorf("relay.policy: %w", err)
		}
		cfg.RelayPolicy = p
	}

	setInt(&cfg.SyncBatchSize, f.Sync.BatchSize)
	setStr(&cfg.Uploader, strings.ToLower(f.Sync.Uploader))
	setStr(&cfg.BackendMQTTURL, f.Sync.MQTTURL)
	setStr(&cfg.BackendTopic, f.Sync.MQTTTopic)
	setStr(&cfg.BackendMQTTUsername, f.Sync.MQTTUsername)
	setStr(&cfg.BackendMQTTPassword, f.Sync.MQTTPassword)
	setStr(&cfg.BackendHTTPURL, f.Sync.HTTPURL)

	if f.Signal.Environment != "" {
		env, err := signal.ParseEnvironment(f.Signal.Environment)
		if err != nil {
			return fmt.Errorf("signal.environment: %w", err)
		}
		cfg.Environment = env
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.interval", f.Relay.Interval, &cfg.RelayInterval},
		{"sync.interval", f.Sync.Interval, &cfg.SyncInterval},
		{"sync.timeout", f.Sync.Timeout, &cfg.UploadTimeout},
		{"cleanup.interval", f.Cleanup.Interval, &cfg.CleanupInterval},
		{"cleanup.max_age", f.Cleanup.MaxAge, &cfg.MaxAge},
		{"cleanup.peer_ttl", f.Cleanup.PeerTTL, &cfg.PeerTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}
