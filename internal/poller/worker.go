package poller

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/modmon/internal/alert"
	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/errors"
	"codeberg.org/mutker/modmon/internal/logger"
	"codeberg.org/mutker/modmon/internal/modbus"
	"codeberg.org/mutker/modmon/internal/observability"
	"codeberg.org/mutker/modmon/internal/store"
)

// DefaultFailureThreshold is how many consecutive failures move a device to
// the error state and raise a notification.
const DefaultFailureThreshold = 3

type workerDeps struct {
	dialer           modbus.Dialer
	sink             store.Sink
	registry         *snapshotRegistry
	metrics          *observability.Metrics
	logger           logger.Logger
	failureThreshold int
}

// worker polls one device on its own cadence. All runtime state below deps is
// owned by the run loop goroutine; reads never overlap because each poll
// completes before the next tick is consumed.
type worker struct {
	deps workerDeps
	name string
	cfg  atomic.Pointer[device.Config]

	cancel context.CancelFunc
	done   chan struct{}

	connection     device.ConnectionStatus
	alertStatus    device.AlertStatus
	failures       int
	firstFailure   time.Time
	notificationID string
	lastSnapshot   device.Snapshot
	hasReading     bool
}

func newWorker(cfg device.Config, deps workerDeps) *worker {
	w := &worker{
		deps:        deps,
		name:        cfg.Name,
		done:        make(chan struct{}),
		connection:  device.StatusOffline,
		alertStatus: device.AlertNormal,
	}
	w.cfg.Store(&cfg)

	return w
}

func (w *worker) start(ctx context.Context, onExit func(crashed bool)) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx, onExit)
}

func (w *worker) stop(grace time.Duration) error {
	w.cancel()

	select {
	case <-w.done:
		return nil
	case <-time.After(grace):
		return errors.New().WithData(ErrShutdownTimeout, w.name)
	}
}

// updateConfig swaps the config the run loop sees. The loop picks it up on
// its next tick. The caller must not change the device name or target; those
// require a restart.
func (w *worker) updateConfig(cfg device.Config) {
	w.cfg.Store(&cfg)
}

func (w *worker) run(ctx context.Context, onExit func(crashed bool)) {
	crashed := false
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			w.deps.logger.Error().
				Str("device", w.name).
				Any("panic", r).
				Msg("Poll worker crashed")
		}
		w.teardown()
		close(w.done)
		if onExit != nil {
			onExit(crashed)
		}
	}()

	cfg := w.cfg.Load()
	interval := cfg.Interval()
	reader := w.deps.dialer.Dial(*cfg, modbus.ReadTimeout(interval))
	defer func() { reader.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.poll(ctx, reader, *cfg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := w.cfg.Load(); next != cfg {
				if next.Interval() != interval {
					interval = next.Interval()
					ticker.Reset(interval)
				}
				if readerConfigChanged(*cfg, *next) {
					reader.Close()
					reader = w.deps.dialer.Dial(*next, modbus.ReadTimeout(interval))
				}
				cfg = next
			}
			w.poll(ctx, reader, *cfg)
		}
	}
}

// readerConfigChanged reports whether a config update invalidates the current
// reader. Threshold-only changes keep the connection open.
func readerConfigChanged(old, next device.Config) bool {
	return !old.SameTarget(next) ||
		old.Register != next.Register ||
		old.DataType != next.DataType ||
		old.WordOrder != next.WordOrder ||
		old.SamplingInterval != next.SamplingInterval
}

func (w *worker) poll(ctx context.Context, reader modbus.Reader, cfg device.Config) {
	start := time.Now()
	value, err := reader.Read()
	elapsed := time.Since(start)

	// A stop can land while the read is in flight. Its result must not be
	// persisted or republished after the device's slot was removed.
	if ctx.Err() != nil {
		return
	}

	switch {
	case err != nil:
		w.handleFailure(ctx, cfg, err, elapsed)
	case math.IsNaN(value) || math.IsInf(value, 0):
		w.handleBadValue(ctx, cfg, value, elapsed)
	default:
		w.handleSuccess(ctx, cfg, value, elapsed)
	}
}

func (w *worker) handleSuccess(ctx context.Context, cfg device.Config, value float64, elapsed time.Duration) {
	now := time.Now().UTC()
	w.deps.metrics.ObservePoll(cfg.Name, observability.ResultSuccess, elapsed)
	w.markOnline(ctx, now)

	w.alertStatus = alert.Evaluate(value, cfg.Thresholds(), w.alertStatus)

	reading := device.Reading{
		DeviceName: cfg.Name,
		Timestamp:  now,
		Value:      value,
		Quality:    device.QualityGood,
	}
	if err := w.deps.sink.SaveReading(ctx, reading); err != nil {
		w.deps.logger.Warn().
			Str("device", cfg.Name).
			Err(err).
			Msg("Reading not persisted")
	} else {
		w.deps.metrics.ReadingPersisted()
	}

	w.lastSnapshot = device.Snapshot{
		DeviceName: cfg.Name,
		Unit:       cfg.Unit,
		Timestamp:  now,
		Value:      value,
		Quality:    device.QualityGood,
		Status:     w.alertStatus,
		Connection: w.connection,
	}
	w.hasReading = true
	w.deps.registry.publish(w.lastSnapshot)
}

// handleBadValue covers non-finite decoded values. The device answered, so
// the link counts as healthy, but the sample is unusable: it is not persisted
// and does not touch the alert status.
func (w *worker) handleBadValue(ctx context.Context, cfg device.Config, value float64, elapsed time.Duration) {
	now := time.Now().UTC()
	w.deps.metrics.ObservePoll(cfg.Name, observability.ResultValidationFailure, elapsed)
	w.deps.logger.Warn().
		Str("device", cfg.Name).
		Float64("value", value).
		Msg("Discarding non-finite reading")
	w.markOnline(ctx, now)

	if w.hasReading {
		w.lastSnapshot.Quality = device.QualityBad
		w.lastSnapshot.Connection = w.connection
		w.deps.registry.publish(w.lastSnapshot)
	}
}

func (w *worker) handleFailure(ctx context.Context, cfg device.Config, err error, elapsed time.Duration) {
	now := time.Now().UTC()
	var result string
	switch {
	case modbus.IsConnectionFailure(err):
		result = observability.ResultConnectionFailure
	case modbus.IsProtocolFailure(err):
		result = observability.ResultProtocolFailure
	default:
		// Unclassified errors are retried like network loss.
		result = observability.ResultConnectionFailure
	}
	w.deps.metrics.ObservePoll(cfg.Name, result, elapsed)

	w.failures++
	if w.failures == 1 {
		w.firstFailure = now
	}

	prev := w.connection
	if w.failures >= w.deps.failureThreshold {
		w.connection = device.StatusError
	} else {
		w.connection = device.StatusOffline
	}
	if prev == device.StatusOnline {
		w.deps.metrics.DeviceOnline(false)
	}
	if w.connection != prev {
		w.deps.logger.Warn().
			Str("device", cfg.Name).
			Str("connection", string(w.connection)).
			Int("consecutive_failures", w.failures).
			Err(err).
			Msg("Device connection degraded")
	} else {
		w.deps.logger.Debug().
			Str("device", cfg.Name).
			Int("consecutive_failures", w.failures).
			Err(err).
			Msg("Poll failed")
	}

	if w.failures >= w.deps.failureThreshold {
		w.raiseOrExtendNotification(ctx, cfg, now)
	}

	// Keep the last good value visible, flagged as stale.
	if w.hasReading {
		w.lastSnapshot.Quality = device.QualityUncertain
		w.lastSnapshot.Connection = w.connection
		w.deps.registry.publish(w.lastSnapshot)
	}
}

func (w *worker) raiseOrExtendNotification(ctx context.Context, cfg device.Config, now time.Time) {
	if w.notificationID == "" {
		id, err := w.deps.sink.CreateNotification(ctx, device.Notification{
			DeviceName:     cfg.Name,
			FailureCount:   w.failures,
			FirstFailureAt: w.firstFailure,
			LastFailureAt:  now,
		})
		if err != nil {
			w.deps.logger.Warn().
				Str("device", cfg.Name).
				Err(err).
				Msg("Failed to record notification")
			return
		}
		w.notificationID = id
		w.deps.metrics.NotificationActive(true)
		w.deps.logger.Error().
			Str("device", cfg.Name).
			Str("notification_id", id).
			Int("consecutive_failures", w.failures).
			Msg("Device unreachable, notification raised")

		return
	}

	if err := w.deps.sink.UpdateNotification(ctx, w.notificationID, w.failures, now); err != nil {
		w.deps.logger.Warn().
			Str("device", cfg.Name).
			Str("notification_id", w.notificationID).
			Err(err).
			Msg("Failed to update notification")
	}
}

// markOnline resets the failure run and clears any active notification. A
// failed clear keeps the id so the next success retries it; a device never
// holds more than one active notification.
func (w *worker) markOnline(ctx context.Context, now time.Time) {
	w.failures = 0
	w.firstFailure = time.Time{}

	if w.notificationID != "" {
		if err := w.deps.sink.ClearNotification(ctx, w.notificationID, now); err != nil {
			w.deps.logger.Warn().
				Str("device", w.name).
				Str("notification_id", w.notificationID).
				Err(err).
				Msg("Failed to clear notification")
		} else {
			w.deps.logger.Info().
				Str("device", w.name).
				Str("notification_id", w.notificationID).
				Msg("Device recovered, notification cleared")
			w.notificationID = ""
			w.deps.metrics.NotificationActive(false)
		}
	}

	if w.connection != device.StatusOnline {
		w.connection = device.StatusOnline
		w.deps.metrics.DeviceOnline(true)
		w.deps.logger.Info().Str("device", w.name).Msg("Device online")
	}
}

func (w *worker) teardown() {
	if w.connection == device.StatusOnline {
		w.deps.metrics.DeviceOnline(false)
	}
	if w.notificationID != "" {
		w.deps.metrics.NotificationActive(false)
	}
}
