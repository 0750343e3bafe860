package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	IngestTotal      *prometheus.CounterVec
	RelayFrames      prometheus.Counter
	RelayRounds      *prometheus.CounterVec
	UploadTotal      *prometheus.CounterVec
	UploadDuration   prometheus.Histogram
	CleanupRemoved   prometheus.Counter
	StoredPackets    *prometheus.GaugeVec
	RadioEvents      *prometheus.CounterVec
	RadioDropped     prometheus.Counter
	TrackedPeers     prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_ingest_total",
				Help: "Frames ingested by outcome",
			},
			[]string{"outcome"},
		),
		RelayFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_relay_frames_total",
				Help: "Frames handed to the radio for rebroadcast",
			},
		),
		RelayRounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_relay_rounds_total",
				Help: "Relay ticks by result",
			},
			[]string{"result"},
		),
		UploadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_upload_total",
				Help: "Packet uploads by result",
			},
			[]string{"result"},
		),
		UploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mesh_upload_batch_duration_seconds",
				Help:    "Duration of upload batches",
				Buckets: prometheus.DefBuckets,
			},
		),
		CleanupRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_cleanup_removed_total",
				Help: "Expired packets removed by cleanup",
			},
		),
		StoredPackets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_stored_packets",
				Help: "Packets currently stored by sync status",
			},
			[]string{"status"},
		),
		RadioEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_radio_events_total",
				Help: "Radio boundary events by type",
			},
			[]string{"type"},
		),
		RadioDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_radio_events_dropped_total",
				Help: "Radio events dropped because the queue was full",
			},
		),
		TrackedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_tracked_peers",
				Help: "Peers with live signal state",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		HTTPRequestTimes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestTotal,
		m.RelayFrames,
		m.RelayRounds,
		m.UploadTotal,
		m.UploadDuration,
		m.CleanupRemoved,
		m.StoredPackets,
		m.RadioEvents,
		m.RadioDropped,
		m.TrackedPeers,
		m.HTTPRequests,
		m.HTTPRequestTimes,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
