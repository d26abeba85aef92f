package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/logger"
)

func testSupervisor(t *testing.T, dialer *stubDialer, sink *memorySink) *Supervisor {
	t.Helper()
	logger.Init(false, false, false)

	s := NewSupervisor(context.Background(), Options{
		Dialer:    dialer,
		Sink:      sink,
		Logger:    logger.Default(),
		StopGrace: 2 * time.Second,
	})
	t.Cleanup(func() { _ = s.Shutdown() })

	return s
}

func waitForSnapshot(t *testing.T, s *Supervisor, name string) device.Snapshot {
	t.Helper()

	var snap device.Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = s.Snapshot()[name]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "no snapshot for %s", name)

	return snap
}

func TestSupervisorReconcileAddAndRemove(t *testing.T) {
	dialer := newStubDialer()
	dialer.readers["a"] = &scriptedReader{script: []pollResult{{value: 1}}}
	dialer.readers["b"] = &scriptedReader{script: []pollResult{{value: 2}}}
	sink := newMemorySink()
	s := testSupervisor(t, dialer, sink)

	require.NoError(t, s.Reconcile([]device.Config{testDeviceConfig("a"), testDeviceConfig("b")}))
	assert.Equal(t, 1.0, waitForSnapshot(t, s, "a").Value)
	assert.Equal(t, 2.0, waitForSnapshot(t, s, "b").Value)

	// Removing a device stops its worker and drops its snapshot slot.
	require.NoError(t, s.Reconcile([]device.Config{testDeviceConfig("a")}))
	_, ok := s.Snapshot()["b"]
	assert.False(t, ok)
	_, ok = s.Snapshot()["a"]
	assert.True(t, ok)
}

func TestSupervisorReconcileIsIdempotent(t *testing.T) {
	dialer := newStubDialer()
	sink := newMemorySink()
	s := testSupervisor(t, dialer, sink)

	cfgs := []device.Config{testDeviceConfig("a")}
	require.NoError(t, s.Reconcile(cfgs))
	waitForSnapshot(t, s, "a")
	dials := dialer.dialCount("a")

	require.NoError(t, s.Reconcile(cfgs))
	require.NoError(t, s.Reconcile(cfgs))
	assert.Equal(t, dials, dialer.dialCount("a"), "unchanged config must not redial")
}

func TestSupervisorReconcileRestartsOnTargetChange(t *testing.T) {
	dialer := newStubDialer()
	sink := newMemorySink()
	s := testSupervisor(t, dialer, sink)

	require.NoError(t, s.Reconcile([]device.Config{testDeviceConfig("a")}))
	waitForSnapshot(t, s, "a")
	dials := dialer.dialCount("a")

	moved := testDeviceConfig("a")
	moved.Host = "10.0.0.99"
	require.NoError(t, s.Reconcile([]device.Config{moved}))
	require.Eventually(t, func() bool {
		return dialer.dialCount("a") > dials
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorReconcileRejectsInvalidConfigs(t *testing.T) {
	dialer := newStubDialer()
	sink := newMemorySink()
	s := testSupervisor(t, dialer, sink)

	bad := testDeviceConfig("bad")
	bad.SlaveID = 0
	dup := testDeviceConfig("a")

	err := s.Reconcile([]device.Config{testDeviceConfig("a"), bad, dup})
	require.Error(t, err)

	// The valid device still runs.
	waitForSnapshot(t, s, "a")
	_, ok := s.Snapshot()["bad"]
	assert.False(t, ok)
}

func TestRemovedDeviceStaysOutOfSnapshot(t *testing.T) {
	logger.Init(false, false, false)

	dialer := newStubDialer()
	dialer.readers["a"] = &scriptedReader{
		script: []pollResult{{value: 1}},
		delay:  700 * time.Millisecond,
	}
	sink := newMemorySink()
	s := NewSupervisor(context.Background(), Options{
		Dialer:    dialer,
		Sink:      sink,
		Logger:    logger.Default(),
		StopGrace: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Shutdown() })

	require.NoError(t, s.Reconcile([]device.Config{testDeviceConfig("a")}))
	waitForSnapshot(t, s, "a")

	// Wait into the second poll cycle so the removal lands while a read is in
	// flight and outlives the stop grace.
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, s.Reconcile(nil))
	_, ok := s.Snapshot()["a"]
	require.False(t, ok)

	// When the straggling read returns, the removed device must not
	// repopulate its slot.
	time.Sleep(1500 * time.Millisecond)
	_, ok = s.Snapshot()["a"]
	assert.False(t, ok, "removed device must not reappear in the snapshot")
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	dialer := newStubDialer()
	dialer.readers["a"] = panicReader{}
	sink := newMemorySink()
	s := testSupervisor(t, dialer, sink)

	require.NoError(t, s.Reconcile([]device.Config{testDeviceConfig("a")}))
	require.Eventually(t, func() bool {
		return dialer.dialCount("a") >= 2
	}, 4*time.Second, 50*time.Millisecond, "crashed worker was not restarted")
}

func TestSupervisorShutdown(t *testing.T) {
	dialer := newStubDialer()
	sink := newMemorySink()
	s := testSupervisor(t, dialer, sink)

	require.NoError(t, s.Reconcile([]device.Config{testDeviceConfig("a")}))
	waitForSnapshot(t, s, "a")

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown(), "shutdown is idempotent")
	require.Error(t, s.Reconcile([]device.Config{testDeviceConfig("a")}))
}
