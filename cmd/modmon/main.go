package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/modmon/internal/broadcast"
	"codeberg.org/mutker/modmon/internal/config"
	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/logger"
	"codeberg.org/mutker/modmon/internal/observability"
	"codeberg.org/mutker/modmon/internal/pid"
	"codeberg.org/mutker/modmon/internal/poller"
	"codeberg.org/mutker/modmon/internal/store"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(false, false, logger.IsService())
	cfg.ApplyLogLevel()
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	log := logger.Default()

	sink, err := store.NewSink(cfg.Database.Store(), log)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open reading store")
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close reading store")
		}
	}()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddress, log); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	supervisor := poller.NewSupervisor(ctx, poller.Options{
		Sink:             sink,
		Metrics:          metrics,
		Logger:           log,
		FailureThreshold: cfg.FailureThreshold,
	})
	defer func() {
		if err := supervisor.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("polling did not stop cleanly")
		}
	}()

	if err := supervisor.Reconcile(cfg.Devices); err != nil {
		logger.Warn().Err(err).Msg("some device configurations were rejected")
	}

	caster := broadcast.New(supervisor, broadcast.Options{
		Interval:  time.Duration(cfg.Broadcast.Interval) * time.Second,
		QueueSize: cfg.Broadcast.QueueSize,
		Metrics:   metrics,
		Logger:    log,
	})
	go caster.Run(ctx)

	cfg.Watch(log, func(fresh *config.Config) {
		if err := supervisor.Reconcile(fresh.Devices); err != nil {
			logger.Warn().Err(err).Msg("some device configurations were rejected")
		}
	})

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging device status...")
		go monitor(ctx, caster)
	}

	<-ctx.Done()
	logger.Info().Msg("Exiting...")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func monitor(ctx context.Context, caster *broadcast.Broadcaster) {
	sub := caster.Subscribe()
	if sub == nil {
		return
	}
	defer caster.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-sub.Updates():
			if !ok {
				return
			}
			for _, snap := range snapshot {
				logSnapshot(snap)
			}
		}
	}
}

func logSnapshot(snap device.Snapshot) {
	logger.Info().
		Str("device", snap.DeviceName).
		Float64("value", snap.Value).
		Str("unit", snap.Unit).
		Str("quality", string(snap.Quality)).
		Str("status", string(snap.Status)).
		Str("connection", string(snap.Connection)).
		Time("timestamp", snap.Timestamp).
		Msg("")
}
