package store

import (
	"context"
	"time"

	"codeberg.org/mutker/modmon/internal/device"
	"github.com/google/uuid"
)

// noopSink satisfies Sink when persistence is disabled
type noopSink struct{}

func (*noopSink) SaveReading(_ context.Context, _ device.Reading) error {
	return nil
}

func (*noopSink) CreateNotification(_ context.Context, _ device.Notification) (string, error) {
	return uuid.NewString(), nil
}

func (*noopSink) UpdateNotification(_ context.Context, _ string, _ int, _ time.Time) error {
	return nil
}

func (*noopSink) ClearNotification(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (*noopSink) LatestReading(_ context.Context, _ string) (device.Reading, bool, error) {
	return device.Reading{}, false, nil
}

func (*noopSink) ActiveNotifications(_ context.Context) ([]device.Notification, error) {
	return nil, nil
}

func (*noopSink) Close() error {
	return nil
}
