package store

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/errors"
	"codeberg.org/mutker/modmon/internal/logger"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// A failed flush keeps its batch for the next attempt, but the buffer never
// grows past this multiple of the batch size; beyond it the oldest samples
// are dropped so storage trouble cannot exhaust memory.
const bufferCapFactor = 8

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []device.Reading
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewSink opens the sqlite-backed sink, or a no-op sink when persistence is
// disabled
func NewSink(cfg Config, log logger.Logger) (Sink, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Persistence disabled, using no-op sink")
		return &noopSink{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// WAL keeps readers from blocking the per-interval insert load.
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Int("batch_timeout", cfg.BatchTimeout).
		Msg("Reading store initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]device.Reading, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	repo.flushTicker = time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second)
	go repo.flusher()

	return repo, nil
}

func (r *repository) SaveReading(ctx context.Context, reading device.Reading) error {
	errFactory := errors.New()

	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		return errFactory.WithData(ErrInvalidReading, reading.DeviceName)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffer) >= r.cfg.BatchSize*bufferCapFactor {
		dropped := len(r.buffer) - r.cfg.BatchSize*bufferCapFactor + 1
		r.buffer = r.buffer[dropped:]
		r.logger.Warn().
			Int("dropped", dropped).
			Msg("Reading buffer full, dropping oldest samples")
	}

	r.buffer = append(r.buffer, reading)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) CreateNotification(ctx context.Context, n device.Notification) (string, error) {
	errFactory := errors.New()

	if n.DeviceName == "" || n.FailureCount <= 0 {
		return "", errFactory.WithData(ErrInvalidNotification, n.DeviceName)
	}

	// A device never has two active notifications, even across restarts: an
	// existing active one is extended instead.
	var existing string
	err := r.db.QueryRowContext(ctx, `
        SELECT id FROM notifications
        WHERE device_name = ? AND cleared_at IS NULL
        LIMIT 1
    `, n.DeviceName).Scan(&existing)
	switch {
	case err == nil:
		if err := r.UpdateNotification(ctx, existing, n.FailureCount, n.LastFailureAt); err != nil {
			return "", err
		}
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", errFactory.Wrap(ErrQueryFailed, err)
	}

	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO notifications (id, device_name, failure_count, first_failure_at, last_failure_at)
        VALUES (?, ?, ?, ?, ?)
    `, id, n.DeviceName, n.FailureCount, n.FirstFailureAt.UnixNano(), n.LastFailureAt.UnixNano())
	if err != nil {
		return "", errFactory.Wrap(ErrTransactionFailed, err)
	}

	return id, nil
}

func (r *repository) UpdateNotification(ctx context.Context, id string, failureCount int, lastFailureAt time.Time) error {
	errFactory := errors.New()

	result, err := r.db.ExecContext(ctx, `
        UPDATE notifications
        SET failure_count = ?, last_failure_at = ?
        WHERE id = ? AND cleared_at IS NULL
    `, failureCount, lastFailureAt.UnixNano(), id)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	if affected == 0 {
		return errFactory.WithData(ErrNotificationMissing, id)
	}

	return nil
}

func (r *repository) ClearNotification(ctx context.Context, id string, clearedAt time.Time) error {
	errFactory := errors.New()

	result, err := r.db.ExecContext(ctx, `
        UPDATE notifications
        SET cleared_at = ?
        WHERE id = ? AND cleared_at IS NULL
    `, clearedAt.UnixNano(), id)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	if affected == 0 {
		return errFactory.WithData(ErrNotificationMissing, id)
	}

	return nil
}

func (r *repository) LatestReading(ctx context.Context, deviceName string) (device.Reading, bool, error) {
	errFactory := errors.New()

	// Buffered rows must be visible to the query.
	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		return device.Reading{}, false, err
	}

	var (
		timestamp int64
		value     float64
		quality   string
	)
	err = r.db.QueryRowContext(ctx, `
        SELECT timestamp, value, quality
        FROM readings
        WHERE device_name = ?
        ORDER BY timestamp DESC
        LIMIT 1
    `, deviceName).Scan(&timestamp, &value, &quality)

	if errors.Is(err, sql.ErrNoRows) {
		return device.Reading{}, false, nil
	}
	if err != nil {
		return device.Reading{}, false, errFactory.Wrap(ErrQueryFailed, err)
	}

	return device.Reading{
		DeviceName: deviceName,
		Timestamp:  time.Unix(0, timestamp).UTC(),
		Value:      value,
		Quality:    device.Quality(quality),
	}, true, nil
}

func (r *repository) ActiveNotifications(ctx context.Context) ([]device.Notification, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, `
        SELECT id, device_name, failure_count, first_failure_at, last_failure_at
        FROM notifications
        WHERE cleared_at IS NULL
        ORDER BY first_failure_at
    `)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var notifications []device.Notification
	for rows.Next() {
		var (
			n       device.Notification
			firstAt int64
			lastAt  int64
		)
		if err := rows.Scan(&n.ID, &n.DeviceName, &n.FailureCount, &firstAt, &lastAt); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		n.FirstFailureAt = time.Unix(0, firstAt).UTC()
		n.LastFailureAt = time.Unix(0, lastAt).UTC()
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return notifications, nil
}

func (r *repository) Close() error {
	close(r.shutdownChan)
	r.flushTicker.Stop()
	<-r.flushDoneChan

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Reading store closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Final flush failed")
			}
			r.mu.Unlock()
			return
		}
	}
}

// flush writes the buffered readings in one transaction. Callers must hold
// r.mu. The buffer is kept on failure and retried on the next flush.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertReadingSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, reading := range r.buffer {
		if _, err := stmt.Exec(
			reading.DeviceName,
			reading.Timestamp.UnixNano(),
			reading.Value,
			string(reading.Quality),
		); err != nil {
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed readings to database")
	r.buffer = r.buffer[:0]

	return nil
}
