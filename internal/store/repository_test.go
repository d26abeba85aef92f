package store_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/logger"
	"codeberg.org/mutker/modmon/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink(t *testing.T) store.Sink {
	t.Helper()

	logger.Init(false, false, false)

	cfg := store.Config{
		DBPath:       filepath.Join(t.TempDir(), "modmon.db"),
		BatchSize:    4,
		BatchTimeout: 1,
		Enabled:      true,
	}

	sink, err := store.NewSink(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	return sink
}

func TestSaveAndQueryLatestReading(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := sink.SaveReading(ctx, device.Reading{
			DeviceName: "boiler-1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Value:      20 + float64(i),
			Quality:    device.QualityGood,
		})
		require.NoError(t, err)
	}

	reading, ok, err := sink.LatestReading(ctx, "boiler-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 22.0, reading.Value)
	assert.Equal(t, base.Add(2*time.Second), reading.Timestamp)
	assert.Equal(t, device.QualityGood, reading.Quality)

	_, ok, err = sink.LatestReading(ctx, "unknown-device")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveReadingRejectsNonFiniteValues(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	err := sink.SaveReading(ctx, device.Reading{
		DeviceName: "boiler-1",
		Timestamp:  time.Now().UTC(),
		Value:      math.NaN(),
		Quality:    device.QualityGood,
	})
	assert.Error(t, err)

	err = sink.SaveReading(ctx, device.Reading{
		DeviceName: "boiler-1",
		Timestamp:  time.Now().UTC(),
		Value:      math.Inf(1),
		Quality:    device.QualityGood,
	})
	assert.Error(t, err)
}

func TestNotificationLifecycle(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	firstAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	id, err := sink.CreateNotification(ctx, device.Notification{
		DeviceName:     "boiler-1",
		FailureCount:   3,
		FirstFailureAt: firstAt,
		LastFailureAt:  firstAt.Add(20 * time.Second),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	active, err := sink.ActiveNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.Equal(t, 3, active[0].FailureCount)
	assert.Equal(t, firstAt, active[0].FirstFailureAt)

	// A fourth failure updates the active row instead of creating another.
	err = sink.UpdateNotification(ctx, id, 4, firstAt.Add(30*time.Second))
	require.NoError(t, err)

	active, err = sink.ActiveNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 4, active[0].FailureCount)
	assert.Equal(t, firstAt.Add(30*time.Second), active[0].LastFailureAt)

	// Recovery clears it.
	err = sink.ClearNotification(ctx, id, firstAt.Add(40*time.Second))
	require.NoError(t, err)

	active, err = sink.ActiveNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Clearing or updating a cleared notification is an error.
	assert.Error(t, sink.UpdateNotification(ctx, id, 5, firstAt))
	assert.Error(t, sink.ClearNotification(ctx, id, firstAt))
}

func TestCreateNotificationExtendsActiveOne(t *testing.T) {
	sink := testSink(t)
	ctx := context.Background()

	firstAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	id, err := sink.CreateNotification(ctx, device.Notification{
		DeviceName:     "boiler-1",
		FailureCount:   3,
		FirstFailureAt: firstAt,
		LastFailureAt:  firstAt.Add(20 * time.Second),
	})
	require.NoError(t, err)

	// A second create for the same device, as happens after a restart, must
	// reuse the active notification instead of opening a duplicate.
	again, err := sink.CreateNotification(ctx, device.Notification{
		DeviceName:     "boiler-1",
		FailureCount:   6,
		FirstFailureAt: firstAt.Add(time.Minute),
		LastFailureAt:  firstAt.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	active, err := sink.ActiveNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 6, active[0].FailureCount)
	assert.Equal(t, firstAt, active[0].FirstFailureAt, "first failure time belongs to the original run")

	// Once cleared, the next threshold crossing gets a fresh notification.
	require.NoError(t, sink.ClearNotification(ctx, id, firstAt.Add(3*time.Minute)))
	fresh, err := sink.CreateNotification(ctx, device.Notification{
		DeviceName:     "boiler-1",
		FailureCount:   3,
		FirstFailureAt: firstAt.Add(4 * time.Minute),
		LastFailureAt:  firstAt.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)
}

func TestDisabledSinkIsNoop(t *testing.T) {
	logger.Init(false, false, false)

	sink, err := store.NewSink(store.Config{Enabled: false}, logger.Default())
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.SaveReading(ctx, device.Reading{DeviceName: "x", Value: 1, Quality: device.QualityGood}))

	_, ok, err := sink.LatestReading(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
