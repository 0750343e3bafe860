package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"

	"sosmesh/relay-node/internal/config"
	"sosmesh/relay-node/internal/eventbus"
	"sosmesh/relay-node/internal/metrics"
	"sosmesh/relay-node/internal/mqttbroker"
	"sosmesh/relay-node/internal/radio"
	"sosmesh/relay-node/internal/relay"
	"sosmesh/relay-node/internal/signal"
	"sosmesh/relay-node/internal/store"
	"sosmesh/relay-node/internal/uplink"
)

// Persisted app_config keys that override the environment on start.
const (
	configKeyRelayLimit  = "relay_limit"
	configKeyRelayPolicy = "relay_policy"
)

// App wires together the relay node services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	store    *store.Store
	broker   *mqttbroker.Broker
	bridge   *radio.Bridge
	tx       relay.Transmitter
	tracker  *signal.Tracker
	selector *relay.Selector
	uplink   *uplink.Coordinator
	metrics  *metrics.Metrics
	events   *eventbus.Bus
	mdns     *zeroconf.Server

	nodeID        uint32
	closeUploader func()
	// done is closed when Run begins shutting down; long-lived handlers watch it.
	done <-chan struct{}
}

// Option configures an App.
type Option func(*App)

// WithClock overrides the wall clock used by the store, tracker and originate.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, clock: clock.New()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NodeID returns the identity this node originates packets under.
func (a *App) NodeID() uint32 {
	return a.nodeID
}

// setup opens the store and builds every component that does not listen on a socket.
func (a *App) setup(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath, store.WithClock(a.clock), store.WithMaxAge(a.cfg.MaxAge))
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		_ = a.store.Close()
		return err
	}

	if a.cfg.NodeID != 0 {
		if err := a.store.SetNodeID(ctx, a.cfg.NodeID); err != nil {
			_ = a.store.Close()
			return err
		}
	}
	a.nodeID, err = a.store.NodeID(ctx)
	if err != nil {
		_ = a.store.Close()
		return err
	}

	a.applyPersistedConfig(ctx)

	a.metrics = metrics.New()
	a.events = eventbus.New(eventbus.DefaultBuffer)
	a.tracker = signal.NewTracker(signal.WithClock(a.clock), signal.WithEnvironment(a.cfg.Environment))
	a.selector = relay.NewSelector(a.store,
		relay.WithPolicy(a.cfg.RelayPolicy),
		relay.WithIncludeSynced(a.cfg.RelayIncludeSynced),
	)

	uploader, closeFn, err := a.buildUploader()
	if err != nil {
		_ = a.store.Close()
		return err
	}
	a.closeUploader = closeFn
	a.uplink = uplink.NewCoordinator(a.store, uploader, a.logger,
		uplink.WithBatchSize(a.cfg.SyncBatchSize),
		uplink.WithItemTimeout(a.cfg.UploadTimeout),
	)

	a.logger.Info("node identity", "node_id", fmt.Sprintf("%08x", a.nodeID), "relay_policy", a.cfg.RelayPolicy, "uploader", a.cfg.Uploader)
	return nil
}

func (a *App) teardown() {
	if a.closeUploader != nil {
		a.closeUploader()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

func (a *App) buildUploader() (uplink.Uploader, func(), error) {
	switch a.cfg.Uploader {
	case config.UploaderMQTT:
		u, err := uplink.NewMQTTUploader(uplink.MQTTConfig{
			BrokerURL: a.cfg.BackendMQTTURL,
			Topic:     a.cfg.BackendTopic,
			ClientID:  fmt.Sprintf("sos-relay-%08x", a.nodeID),
			Username:  a.cfg.BackendMQTTUsername,
			Password:  a.cfg.BackendMQTTPassword,
		}, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return u, u.Close, nil
	case config.UploaderHTTP:
		return uplink.NewHTTPUploader(a.cfg.BackendHTTPURL, fmt.Sprintf("%08x", a.nodeID)), func() {}, nil
	default:
		return uplink.NopUploader{}, func() {}, nil
	}
}

// applyPersistedConfig lets values saved through /api/config survive restarts.
func (a *App) applyPersistedConfig(ctx context.Context) {
	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Warn("failed to load persisted config", "error", err)
		return
	}
	if v, ok := persisted[configKeyRelayLimit]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			a.cfg.RelayLimit = n
		}
	}
	if v, ok := persisted[configKeyRelayPolicy]; ok {
		if p, err := relay.ParsePolicy(v); err == nil {
			a.cfg.RelayPolicy = p
		}
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.teardown()

	var brokerOpts []mqttbroker.Option
	if a.cfg.MQTTUsername != "" {
		brokerOpts = append(brokerOpts, mqttbroker.WithCredentials(a.cfg.MQTTUsername, a.cfg.MQTTPassword))
	}
	broker := mqttbroker.New(a.logger, brokerOpts...)
	a.bridge = radio.NewBridge(broker, a.logger,
		radio.WithClock(a.clock),
		radio.WithDropHook(a.metrics.RadioDropped.Inc),
	)
	a.tx = a.bridge
	broker.SetPublishHandler(a.bridge.HandlePublish)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(brokerPort(broker)); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}
	defer a.stopMDNS()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	a.done = loopCtx.Done()

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var wg sync.WaitGroup
	a.startLoops(loopCtx, &wg)

	shutdown := func() {
		cancelLoops()
		wg.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown", "error", err)
			}
		}
		a.logger.Info("http server stopped")

		if err := a.broker.Stop(); err != nil {
			a.logger.Error("mqtt broker stop", "error", err)
		}
		a.logger.Info("mqtt broker stopped")
	}

	for {
		select {
		case <-ctx.Done():
			shutdown()
			return nil
		case err := <-httpErrCh:
			shutdown()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				shutdown()
				return err
			}
		}
	}
}

func brokerPort(b *mqttbroker.Broker) int {
	if tcp, ok := b.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
