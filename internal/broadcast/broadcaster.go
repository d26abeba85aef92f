package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/logger"
	"codeberg.org/mutker/modmon/internal/observability"
)

const (
	// DefaultInterval is how often the current snapshot is pushed to
	// subscribers.
	DefaultInterval = 5 * time.Second

	// DefaultQueueSize bounds each subscriber's queue. A subscriber that
	// falls this far behind is disconnected rather than allowed to stall
	// the hub.
	DefaultQueueSize = 4
)

// SnapshotSource provides the per-device state to fan out. Devices without a
// reading yet are expected to be absent from the map.
type SnapshotSource interface {
	Snapshot() map[string]device.Snapshot
}

// Subscription is one consumer's view of the broadcast stream. Updates is
// closed when the subscriber is dropped or the broadcaster stops.
type Subscription struct {
	id string
	ch chan map[string]device.Snapshot
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Updates() <-chan map[string]device.Snapshot {
	return s.ch
}

// Options configures a Broadcaster. Zero values take defaults.
type Options struct {
	Interval  time.Duration
	QueueSize int
	Metrics   *observability.Metrics
	Logger    logger.Logger
}

// Broadcaster periodically pushes the current device snapshot to every
// subscriber. All subscriber bookkeeping happens on the Run goroutine;
// Subscribe and Unsubscribe hand requests over via channels.
type Broadcaster struct {
	source SnapshotSource
	opts   Options

	register   chan *Subscription
	unregister chan *Subscription
	done       chan struct{}
}

func New(source SnapshotSource, opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	return &Broadcaster{
		source:     source,
		opts:       opts,
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		done:       make(chan struct{}),
	}
}

// Run drives the fan-out until ctx is canceled. It must be running for
// Subscribe and Unsubscribe to complete.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)

	subscribers := make(map[*Subscription]struct{})
	defer func() {
		for sub := range subscribers {
			close(sub.ch)
		}
	}()

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-b.register:
			subscribers[sub] = struct{}{}
			// New subscribers get the current state immediately instead of
			// waiting out the first interval.
			b.send(subscribers, sub, b.source.Snapshot())
			b.opts.Logger.Debug().
				Str("subscriber", sub.id).
				Int("subscribers", len(subscribers)).
				Msg("Subscriber attached")
		case sub := <-b.unregister:
			if _, ok := subscribers[sub]; ok {
				delete(subscribers, sub)
				close(sub.ch)
			}
		case <-ticker.C:
			snapshot := b.source.Snapshot()
			for sub := range subscribers {
				b.send(subscribers, sub, snapshot)
			}
			b.opts.Metrics.SnapshotBroadcast()
		}
	}
}

// send delivers without blocking the hub. A full queue means the subscriber
// stopped draining; it is dropped so one stuck consumer cannot delay the
// rest.
func (b *Broadcaster) send(subscribers map[*Subscription]struct{}, sub *Subscription, snapshot map[string]device.Snapshot) {
	select {
	case sub.ch <- snapshot:
	default:
		delete(subscribers, sub)
		close(sub.ch)
		b.opts.Logger.Warn().
			Str("subscriber", sub.id).
			Msg("Dropping slow subscriber")
	}
}

// Subscribe attaches a new consumer. It returns nil once the broadcaster has
// stopped.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan map[string]device.Snapshot, b.opts.QueueSize),
	}

	select {
	case b.register <- sub:
		return sub
	case <-b.done:
		return nil
	}
}

// Unsubscribe detaches a consumer and closes its channel. Safe to call for a
// subscription that was already dropped.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	select {
	case b.unregister <- sub:
	case <-b.done:
	}
}
