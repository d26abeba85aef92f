package poller

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/errors"
	"codeberg.org/mutker/modmon/internal/logger"
	"codeberg.org/mutker/modmon/internal/modbus"
	"codeberg.org/mutker/modmon/internal/observability"
	"codeberg.org/mutker/modmon/internal/store"
)

const (
	defaultStopGrace  = 5 * time.Second
	crashRestartDelay = time.Second
)

// Options configures a Supervisor. Sink is required; everything else has a
// working default.
type Options struct {
	Dialer           modbus.Dialer
	Sink             store.Sink
	Metrics          *observability.Metrics
	Logger           logger.Logger
	FailureThreshold int
	StopGrace        time.Duration
}

// Supervisor owns one poll worker per configured device. Reconcile moves the
// running set toward a desired config; crashed workers are restarted until
// the device is removed or the supervisor shuts down.
type Supervisor struct {
	opts     Options
	registry *snapshotRegistry
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

func NewSupervisor(ctx context.Context, opts Options) *Supervisor {
	if opts.Dialer == nil {
		opts.Dialer = modbus.TCPDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Supervisor{
		opts:     opts,
		registry: newSnapshotRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
	}
}

// Reconcile brings the worker set in line with configs. Invalid or duplicate
// entries are rejected and reported in the returned error; valid entries are
// applied regardless. Calling it again with the same configs is a no-op.
func (s *Supervisor) Reconcile(configs []device.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()
	if s.closed {
		return errFactory.WithMessage(errors.ErrInvalidOperation, "supervisor is shut down")
	}

	desired := make(map[string]device.Config, len(configs))
	var rejected []string
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			rejected = append(rejected, err.Error())
			s.opts.Logger.Warn().
				Str("device", cfg.Name).
				Err(err).
				Msg("Rejecting device configuration")

			continue
		}
		if _, dup := desired[cfg.Name]; dup {
			rejected = append(rejected, errFactory.WithData(ErrDeviceRejected, cfg.Name+": duplicate device name").Error())
			s.opts.Logger.Warn().
				Str("device", cfg.Name).
				Msg("Rejecting duplicate device configuration")

			continue
		}
		desired[cfg.Name] = cfg
	}

	for name, w := range s.workers {
		if _, keep := desired[name]; !keep {
			s.stopLocked(name, w)
		}
	}

	for name, cfg := range desired {
		w, running := s.workers[name]
		switch {
		case !running:
			s.startLocked(cfg)
		case !w.cfg.Load().SameTarget(cfg):
			// New endpoint means new runtime state: failure counters and
			// connection status from the old target do not carry over.
			s.stopLocked(name, w)
			s.startLocked(cfg)
		default:
			w.updateConfig(cfg)
		}
	}

	if len(rejected) > 0 {
		return errFactory.WithData(errors.ErrReconcile, rejected)
	}

	return nil
}

// Snapshot returns the latest known state per device. Devices without a
// reading yet are absent.
func (s *Supervisor) Snapshot() map[string]device.Snapshot {
	return s.registry.all()
}

// Shutdown stops every worker and waits up to StopGrace for them to drain.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	s.cancel()

	timeout := time.NewTimer(s.opts.StopGrace)
	defer timeout.Stop()
	for name, w := range workers {
		select {
		case <-w.done:
		case <-timeout.C:
			return errors.New().WithData(ErrShutdownTimeout, name)
		}
	}

	s.opts.Logger.Info().Msg("Polling stopped")

	return nil
}

func (s *Supervisor) startLocked(cfg device.Config) {
	w := newWorker(cfg, workerDeps{
		dialer:           s.opts.Dialer,
		sink:             s.opts.Sink,
		registry:         s.registry,
		metrics:          s.opts.Metrics,
		logger:           s.opts.Logger,
		failureThreshold: s.opts.FailureThreshold,
	})
	s.workers[cfg.Name] = w
	w.start(s.ctx, func(crashed bool) {
		if crashed {
			time.AfterFunc(crashRestartDelay, func() { s.restartCrashed(cfg.Name, w) })
		}
	})
	s.opts.Logger.Info().
		Str("device", cfg.Name).
		Str("target", cfg.Target()).
		Int("sampling_interval", cfg.SamplingInterval).
		Msg("Polling started")
}

func (s *Supervisor) stopLocked(name string, w *worker) {
	if err := w.stop(s.opts.StopGrace); err != nil {
		s.opts.Logger.Warn().Str("device", name).Err(err).Msg("Worker did not stop in time")
	}
	s.registry.remove(name)
	delete(s.workers, name)
	s.opts.Logger.Info().Str("device", name).Msg("Polling stopped for device")
}

// restartCrashed replaces a worker that exited via panic, unless the device
// was removed or replaced in the meantime.
func (s *Supervisor) restartCrashed(name string, crashed *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	current, ok := s.workers[name]
	if !ok || current != crashed {
		return
	}

	errFactory := errors.New()
	s.opts.Logger.ErrorWithCode(errFactory.WithData(ErrWorkerCrashed, name)).
		Msg("Restarting crashed poll worker")

	s.startLocked(*crashed.cfg.Load())
}
