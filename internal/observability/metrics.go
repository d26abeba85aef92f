package observability

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/modmon/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll results used as the result label on the polls counter
const (
	ResultSuccess           = "success"
	ResultConnectionFailure = "connection_failure"
	ResultProtocolFailure   = "protocol_failure"
	ResultValidationFailure = "validation_failure"
)

// Metrics holds the prometheus collectors for the polling core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pollsTotal          *prometheus.CounterVec
	readDuration        prometheus.Histogram
	devicesOnline       prometheus.Gauge
	activeNotifications prometheus.Gauge
	readingsPersisted   prometheus.Counter
	snapshotsBroadcast  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pollsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modmon_polls_total",
		Help: "Poll attempts by device and result.",
	}, []string{"device", "result"})
	readDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "modmon_read_duration_seconds",
		Help:    "Duration of Modbus reads.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	devicesOnline := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modmon_devices_online",
		Help: "Number of devices currently online.",
	})
	activeNotifications := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modmon_notifications_active",
		Help: "Connection-failure notifications currently active.",
	})
	readingsPersisted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modmon_readings_persisted_total",
		Help: "Readings handed to the persistence sink.",
	})
	snapshotsBroadcast := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modmon_snapshots_broadcast_total",
		Help: "Snapshot batches delivered to subscribers.",
	})

	registry.MustRegister(
		pollsTotal, readDuration, devicesOnline,
		activeNotifications, readingsPersisted, snapshotsBroadcast,
	)

	return &Metrics{
		registry:            registry,
		pollsTotal:          pollsTotal,
		readDuration:        readDuration,
		devicesOnline:       devicesOnline,
		activeNotifications: activeNotifications,
		readingsPersisted:   readingsPersisted,
		snapshotsBroadcast:  snapshotsBroadcast,
	}
}

func (m *Metrics) ObservePoll(deviceName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(deviceName, result).Inc()
	m.readDuration.Observe(duration.Seconds())
}

func (m *Metrics) DeviceOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.devicesOnline.Inc()
	} else {
		m.devicesOnline.Dec()
	}
}

func (m *Metrics) NotificationActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.activeNotifications.Inc()
	} else {
		m.activeNotifications.Dec()
	}
}

func (m *Metrics) ReadingPersisted() {
	if m == nil {
		return
	}
	m.readingsPersisted.Inc()
}

func (m *Metrics) SnapshotBroadcast() {
	if m == nil {
		return
	}
	m.snapshotsBroadcast.Inc()
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the scrape endpoint until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
