package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/relay"
	"sosmesh/relay-node/internal/signal"
)

// Uploader kinds.
const (
	UploaderNone = "none"
	UploaderMQTT = "mqtt"
	UploaderHTTP = "http"
)

// Config lists the tunable parameters for a mesh relay node.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MQTTUsername    string
	MQTTPassword    string
	MetricsPort     int
	DatabasePath    string
	LogLevel        string
	MDNSEnabled     bool
	MDNSInstance    string
	NodeID          uint32

	RelayInterval      time.Duration
	RelayLimit         int
	RelayPolicy        relay.Policy
	RelayIncludeSynced bool

	SyncInterval        time.Duration
	SyncBatchSize       int
	UploadTimeout       time.Duration
	Uploader            string
	BackendMQTTURL      string
	BackendMQTTUsername string
	BackendMQTTPassword string
	BackendTopic        string
	BackendHTTPURL      string

	CleanupInterval time.Duration
	MaxAge          time.Duration
	PeerTTL         time.Duration
	Environment     signal.Environment
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultMetricsPort     = 9090
	defaultDatabasePath    = "data/meshrelay.db"
	defaultLogLevel        = "info"
	defaultMDNSInstance    = "sos-mesh-relay"

	defaultRelayInterval   = 15 * time.Second
	defaultSyncInterval    = 60 * time.Second
	defaultSyncBatchSize   = 50
	defaultUploadTimeout   = 10 * time.Second
	defaultBackendTopic    = "sos/packets"
	defaultCleanupInterval = 10 * time.Minute
	defaultPeerTTL         = 5 * time.Minute
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		MetricsPort:     defaultMetricsPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		MDNSEnabled:     true,
		MDNSInstance:    defaultMDNSInstance,
		RelayInterval:   defaultRelayInterval,
		RelayLimit:      relay.DefaultLimit,
		RelayPolicy:     relay.PolicyRecency,
		SyncInterval:    defaultSyncInterval,
		SyncBatchSize:   defaultSyncBatchSize,
		UploadTimeout:   defaultUploadTimeout,
		Uploader:        UploaderNone,
		BackendTopic:    defaultBackendTopic,
		CleanupInterval: defaultCleanupInterval,
		MaxAge:          packet.MaxAge,
		PeerTTL:         defaultPeerTTL,
		Environment:     signal.DefaultEnvironment,
	}
}

// Load builds the configuration from defaults, the TOML file named by
// MESHRELAY_CONFIG when set, and MESHRELAY_* environment variables, in that order.
func Load() (Config, error) {
	return LoadFile(os.Getenv("MESHRELAY_CONFIG"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Uploader {
	case UploaderNone:
	case UploaderMQTT:
		if c.BackendMQTTURL == "" {
			return fmt.Errorf("uploader %q requires MESHRELAY_BACKEND_MQTT_URL", c.Uploader)
		}
	case UploaderHTTP:
		if c.BackendHTTPURL == "" {
			return fmt.Errorf("uploader %q requires MESHRELAY_BACKEND_HTTP_URL", c.Uploader)
		}
	default:
		return fmt.Errorf("unknown uploader %q", c.Uploader)
	}

	for name, d := range map[string]time.Duration{
		"relay interval":   c.RelayInterval,
		"sync interval":    c.SyncInterval,
		"cleanup interval": c.CleanupInterval,
		"max age":          c.MaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RelayLimit <= 0 {
		return fmt.Errorf("relay limit must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	durVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	strVar := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	intVar("MESHRELAY_HTTP_PORT", &cfg.HTTPPort)
	strVar("MESHRELAY_MQTT_BIND", &cfg.MQTTBindAddress)
	strVar("MESHRELAY_MQTT_USERNAME", &cfg.MQTTUsername)
	strVar("MESHRELAY_MQTT_PASSWORD", &cfg.MQTTPassword)
	intVar("MESHRELAY_METRICS_PORT", &cfg.MetricsPort)
	strVar("MESHRELAY_DATABASE_PATH", &cfg.DatabasePath)
	strVar("MESHRELAY_LOG_LEVEL", &cfg.LogLevel)
	boolVar("MESHRELAY_MDNS", &cfg.MDNSEnabled)
	strVar("MESHRELAY_MDNS_INSTANCE", &cfg.MDNSInstance)

	durVar("MESHRELAY_RELAY_INTERVAL", &cfg.RelayInterval)
	intVar("MESHRELAY_RELAY_LIMIT", &cfg.RelayLimit)
	boolVar("MESHRELAY_RELAY_INCLUDE_SYNCED", &cfg.RelayIncludeSynced)

	durVar("MESHRELAY_SYNC_INTERVAL", &cfg.SyncInterval)
	intVar("MESHRELAY_SYNC_BATCH_SIZE", &cfg.SyncBatchSize)
	durVar("MESHRELAY_UPLOAD_TIMEOUT", &cfg.UploadTimeout)
	strVar("MESHRELAY_UPLOADER", &cfg.Uploader)
	strVar("MESHRELAY_BACKEND_MQTT_URL", &cfg.BackendMQTTURL)
	strVar("MESHRELAY_BACKEND_MQTT_USERNAME", &cfg.BackendMQTTUsername)
	strVar("MESHRELAY_BACKEND_MQTT_PASSWORD", &cfg.BackendMQTTPassword)
	strVar("MESHRELAY_BACKEND_TOPIC", &cfg.BackendTopic)
	strVar("MESHRELAY_BACKEND_HTTP_URL", &cfg.BackendHTTPURL)

	durVar("MESHRELAY_CLEANUP_INTERVAL", &cfg.CleanupInterval)
	durVar("MESHRELAY_MAX_AGE", &cfg.MaxAge)
	durVar("MESHRELAY_PEER_TTL", &cfg.PeerTTL)
	if err != nil {
		return err
	}

	if v := os.Getenv("MESHRELAY_RELAY_POLICY"); v != "" {
		p, perr := relay.ParsePolicy(v)
		if perr != nil {
			return fmt.Errorf("invalid MESHRELAY_RELAY_POLICY: %w", perr)
		}
		cfg.RelayPolicy = p
	}

	if v := os.Getenv("MESHRELAY_PATH_LOSS"); v != "" {
		env, perr := signal.ParseEnvironment(v)
		if perr != nil {
			return fmt.Errorf("invalid MESHRELAY_PATH_LOSS: %w", perr)
		}
		cfg.Environment = env
	}

	if v := os.Getenv("MESHRELAY_NODE_ID"); v != "" {
		id, perr := parseNodeID(v)
		if perr != nil {
			return fmt.Errorf("invalid MESHRELAY_NODE_ID: %w", perr)
		}
		cfg.NodeID = id
	}

	cfg.Uploader = strings.ToLower(cfg.Uploader)
	return nil
}

func parseNodeID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("node id must be non-zero")
	}
	return uint32(n), nil
}
