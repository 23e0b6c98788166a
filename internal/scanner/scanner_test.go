package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport"
	"github.com/tropx/fleet/internal/transport/faketransport"
)

func fastOpts() Options {
	return Options{
		ActiveWindow:       40 * time.Millisecond,
		IdleGap:            40 * time.Millisecond,
		MinRestartInterval: 30 * time.Millisecond,
		RSSIFloor:          -85,
	}
}

func newScheduler(t *testing.T, opts Options) (*Scheduler, *faketransport.Fake, *state.Store) {
	t.Helper()
	tr := faketransport.New()
	store := state.NewStore(nil)
	s, err := New(tr, store, opts, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, tr, store
}

func TestScanRegistersFilteredDevices(t *testing.T) {
	s, tr, store := newScheduler(t, fastOpts())

	tr.AddAdvertisement(transport.Advertisement{Address: "AA:01", Name: "tropx_01", RSSI: -45})
	tr.AddAdvertisement(transport.Advertisement{Address: "AA:02", Name: "tropx_02", RSSI: -95}) // below floor
	tr.AddAdvertisement(transport.Advertisement{Address: "AA:03", Name: "kitchen_tv", RSSI: -40})

	recs, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "AA:01", recs[0].Address)
	require.Equal(t, state.Discovered, recs[0].State)

	// Irrelevant traffic is ignored silently, not registered.
	_, ok := store.Device("AA:03")
	require.False(t, ok)
	_, ok = store.Device("AA:02")
	require.False(t, ok)
}

func TestScanDuringYoungScanReturnsSnapshot(t *testing.T) {
	opts := fastOpts()
	opts.ActiveWindow = 200 * time.Millisecond
	opts.MinRestartInterval = time.Second
	s, tr, _ := newScheduler(t, opts)
	tr.AddAdvertisement(transport.Advertisement{Address: "AA:01", Name: "tropx_01", RSSI: -45})

	go func() { _, _ = s.Scan(context.Background()) }()
	require.Eventually(t, s.IsScanning, time.Second, 5*time.Millisecond)

	// Second call while the active scan is younger than the restart
	// threshold must not thrash the transport with a restart.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	recs, _ := s.Scan(ctx)
	require.Len(t, recs, 1)
	require.Equal(t, 1, tr.ScanStarts())
}

func TestScanRestartsStaleScan(t *testing.T) {
	opts := fastOpts()
	opts.ActiveWindow = 300 * time.Millisecond
	opts.MinRestartInterval = 20 * time.Millisecond
	s, tr, _ := newScheduler(t, opts)

	go func() { _, _ = s.Scan(context.Background()) }()
	require.Eventually(t, s.IsScanning, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = s.Scan(ctx)
	require.GreaterOrEqual(t, tr.ScanStarts(), 2, "stale active scan is restarted for a fresh cycle")
}

func TestBurstDutyCycle(t *testing.T) {
	s, tr, _ := newScheduler(t, fastOpts())

	s.EnableBurst()
	require.Eventually(t, func() bool { return tr.ScanStarts() >= 2 },
		2*time.Second, 10*time.Millisecond, "burst mode repeats scan windows after the idle gap")

	s.DisableBurst()
	time.Sleep(100 * time.Millisecond)
	n := tr.ScanStarts()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, n, tr.ScanStarts(), "no bursts after disable")
}

func TestBurstSuppressedWhileStreaming(t *testing.T) {
	s, tr, store := newScheduler(t, fastOpts())
	store.SetGlobalState(state.GlobalStreaming)

	s.EnableBurst()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, tr.ScanStarts(), "enabling burst while streaming is a no-op until streaming stops")
	require.True(t, s.BurstEnabled())

	// Streaming over: the orchestrator re-enables bursts.
	store.SetGlobalState(state.GlobalIdle)
	s.EnableBurst()
	require.Eventually(t, func() bool { return tr.ScanStarts() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestEnableBurstForAutoDisables(t *testing.T) {
	s, tr, _ := newScheduler(t, fastOpts())

	s.EnableBurstFor(100 * time.Millisecond)
	require.Eventually(t, func() bool { return tr.ScanStarts() >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.BurstEnabled() }, time.Second, 5*time.Millisecond)
}

func TestPowerLossCancelsScanAndSuppressesBurst(t *testing.T) {
	opts := fastOpts()
	opts.ActiveWindow = 300 * time.Millisecond
	s, tr, _ := newScheduler(t, opts)

	s.EnableBurst()
	require.Eventually(t, s.IsScanning, time.Second, 5*time.Millisecond)

	tr.PushPower(transport.PowerOff)
	require.Eventually(t, func() bool { return !s.IsScanning() }, time.Second, 5*time.Millisecond)

	starts := tr.ScanStarts()
	tr.PushPower(transport.PowerOn)
	require.Eventually(t, func() bool { return tr.ScanStarts() > starts },
		2*time.Second, 10*time.Millisecond, "power recovery resumes scheduled bursts")
}

func TestPowerLossDuringIdleGapCancelsArmedBurst(t *testing.T) {
	opts := fastOpts()
	opts.ActiveWindow = 30 * time.Millisecond
	opts.IdleGap = 120 * time.Millisecond
	s, tr, _ := newScheduler(t, opts)

	s.EnableBurst()
	require.Eventually(t, s.IsScanning, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.IsScanning() }, time.Second, 5*time.Millisecond)

	// The next burst is armed for the idle gap; the adapter dies before it
	// fires.
	tr.PushPower(transport.PowerOff)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, tr.ScanStarts(), "no burst starts on a dead adapter")

	tr.PushPower(transport.PowerOn)
	require.Eventually(t, func() bool { return tr.ScanStarts() == 2 },
		2*time.Second, 10*time.Millisecond, "power recovery re-arms the burst")
}

func TestGlobalStateFollowsScan(t *testing.T) {
	opts := fastOpts()
	s, _, store := newScheduler(t, opts)

	go func() { _, _ = s.Scan(context.Background()) }()
	require.Eventually(t, func() bool { return store.GlobalState() == state.GlobalScanning },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.GlobalState() == state.GlobalIdle },
		time.Second, 5*time.Millisecond)
}
