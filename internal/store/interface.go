package store

import (
	"context"
	"time"

	"codeberg.org/mutker/modmon/internal/device"
)

// Sink receives readings and connection-failure notifications from poll
// workers. Implementations must tolerate one row per device per sampling
// interval and must not block workers on slow storage.
type Sink interface {
	// SaveReading appends a reading. Writes may be buffered; a failed flush
	// loses at most the buffered batch, never future readings.
	SaveReading(ctx context.Context, r device.Reading) error

	// CreateNotification records a device crossing the failure threshold and
	// returns the notification id used for later updates. If the device
	// already has an active notification it is extended and its id returned,
	// so a device never accumulates duplicate active notifications.
	CreateNotification(ctx context.Context, n device.Notification) (string, error)

	// UpdateNotification advances the failure count and last-failure time of
	// an active notification.
	UpdateNotification(ctx context.Context, id string, failureCount int, lastFailureAt time.Time) error

	// ClearNotification marks an active notification as recovered.
	ClearNotification(ctx context.Context, id string, clearedAt time.Time) error

	// LatestReading returns the most recent stored reading for a device. The
	// second return is false when the device has no readings yet.
	LatestReading(ctx context.Context, deviceName string) (device.Reading, bool, error)

	// ActiveNotifications lists notifications that have not been cleared.
	ActiveNotifications(ctx context.Context) ([]device.Notification, error)

	Close() error
}
