package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/tropx/fleet/internal/broadcast"
	"github.com/tropx/fleet/internal/connqueue"
	"github.com/tropx/fleet/internal/reconnect"
	"github.com/tropx/fleet/internal/registry"
	"github.com/tropx/fleet/internal/scanner"
	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport"
	"github.com/tropx/fleet/internal/transport/faketransport"
	"github.com/tropx/fleet/internal/wire"
)

const (
	addr1 = "AA:BB:CC:DD:EE:01"
	addr2 = "AA:BB:CC:DD:EE:02"
	addr3 = "AA:BB:CC:DD:EE:03"
)

// sinkRec collects forwarded orientation samples.
type sinkRec struct {
	mu      sync.Mutex
	samples []wire.OrientationPacket
	ids     []string
}

func (s *sinkRec) HandleSample(address, logicalID string, pkt wire.OrientationPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, pkt)
	s.ids = append(s.ids, logicalID)
}

func (s *sinkRec) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// castRec collects broadcast messages.
type castRec struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func (c *castRec) Send(msg broadcast.Message, _ broadcast.Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *castRec) Close() error { return nil }

func (c *castRec) kinds() map[broadcast.Kind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[broadcast.Kind]int)
	for _, m := range c.msgs {
		out[m.Kind()]++
	}
	return out
}

type FleetSuite struct {
	suite.Suite

	tr    *faketransport.Fake
	store *state.Store
	fleet *Fleet
	sink  *sinkRec
	cast  *castRec
}

func TestFleetSuite(t *testing.T) {
	suite.Run(t, new(FleetSuite))
}

func (s *FleetSuite) SetupTest() {
	s.tr = faketransport.New()
	s.store = state.NewStore(nil)
	s.sink = &sinkRec{}
	s.cast = &castRec{}

	queue := connqueue.New(s.store, nil, connqueue.Options{
		ConfirmInterval: 2 * time.Millisecond,
		ConfirmTimeout:  200 * time.Millisecond,
		SettleDelay:     2 * time.Millisecond,
	}, nil)

	sched, err := scanner.New(s.tr, s.store, scanner.Options{
		ActiveWindow:       50 * time.Millisecond,
		IdleGap:            time.Hour,
		MinRestartInterval: time.Millisecond,
	}, nil)
	s.Require().NoError(err)

	rec := reconnect.New(s.store, queue, sched, s.tr, reconnect.Options{
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      80 * time.Millisecond,
		MaxAttempts:   5,
		RescanTimeout: 100 * time.Millisecond,
	}, nil)

	reg, err := registry.New(nil)
	s.Require().NoError(err)

	s.fleet, err = New(Options{
		Store:            s.store,
		Queue:            queue,
		Scanner:          sched,
		Reconnector:      rec,
		Transport:        s.tr,
		Registry:         reg,
		Broadcaster:      s.cast,
		Sink:             s.sink,
		PreflightRounds:  2,
		PreflightSettle:  5 * time.Millisecond,
		PreflightTimeout: 100 * time.Millisecond,
		PollInterval:     time.Hour,
	})
	s.Require().NoError(err)
}

func (s *FleetSuite) TearDownTest() {
	s.fleet.Close()
}

func (s *FleetSuite) advertise(addr, name string) {
	s.tr.AddAdvertisement(transport.Advertisement{Address: addr, Name: name, RSSI: -45})
	s.store.Register(addr, name, -45)
}

func (s *FleetSuite) requireState(addr string, want state.ConnectionState) {
	s.Require().Eventually(func() bool {
		rec, ok := s.store.Device(addr)
		return ok && rec.State == want
	}, 3*time.Second, 5*time.Millisecond, "device %s should reach %s", addr, want)
}

// quatFrame builds a streaming frame carrying a known vector part.
func quatFrame(seq uint32) []byte {
	return wire.EncodeSensorFrame(wire.SensorFrame{
		OpState:         wire.OpStateStreaming,
		Sequence:        seq,
		Quat:            &[3]float32{0.1, 0.2, 0.3},
		DeviceTimestamp: uint64(seq) * 10,
		HasTimestamp:    true,
	})
}

func (s *FleetSuite) TestHappyPath() {
	s.tr.AddAdvertisement(transport.Advertisement{Address: addr1, Name: "tropx_01", RSSI: -45})

	found, err := s.fleet.Scan(context.Background())
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Require().Equal(state.Discovered, found[0].State)

	results := s.fleet.ConnectMany(context.Background(), []string{addr1})
	s.Require().NoError(results[addr1])
	s.requireState(addr1, state.Connected)

	rec, _ := s.store.Device(addr1)
	s.Require().Equal("sensor_01", rec.LogicalID)
	s.Require().Equal(100, rec.Battery, "battery read on connect")

	s.Require().NoError(s.fleet.StartGlobalStreaming(context.Background()))
	s.Require().Equal(state.GlobalStreaming, s.store.GlobalState())
	s.requireState(addr1, state.Streaming)
	s.Require().NotEmpty(s.fleet.SessionID())

	p := s.tr.Peripheral(addr1)
	s.Require().NotNil(p)
	for i := uint32(0); i < 10; i++ {
		p.Notify(quatFrame(i))
	}
	s.Require().Eventually(func() bool { return s.sink.count() == 10 },
		time.Second, 5*time.Millisecond)

	s.sink.mu.Lock()
	s.Require().Equal("sensor_01", s.sink.ids[0])
	s.Require().InDelta(0.1, s.sink.samples[0].X, 1e-3)
	s.Require().InDelta(0.2, s.sink.samples[0].Y, 1e-3)
	s.Require().InDelta(0.3, s.sink.samples[0].Z, 1e-3)
	s.Require().Greater(s.sink.samples[0].W, float32(0.9), "scalar recovered from unit norm")
	s.sink.mu.Unlock()

	s.Require().NoError(s.fleet.StopGlobalStreaming())
	s.Require().Equal(state.GlobalIdle, s.store.GlobalState())
	s.requireState(addr1, state.Connected)
	s.Require().Empty(s.fleet.SessionID())

	s.Require().NoError(s.fleet.Disconnect(addr1))
	s.requireState(addr1, state.Disconnected)

	// A manual disconnect never arms reconnection.
	time.Sleep(100 * time.Millisecond)
	rec, _ = s.store.Device(addr1)
	s.Require().Equal(state.Disconnected, rec.State)
	s.Require().Nil(rec.Reconnect)
}

func (s *FleetSuite) TestThreeWayContentionStaysSerial() {
	s.advertise(addr1, "tropx_01")
	s.advertise(addr2, "tropx_02")
	s.advertise(addr3, "tropx_03")
	s.tr.SetConnectDelay(20 * time.Millisecond)

	results := s.fleet.ConnectMany(context.Background(), []string{addr1, addr2, addr3})
	for addr, err := range results {
		s.Require().NoError(err, "connect %s", addr)
	}

	s.requireState(addr1, state.Connected)
	s.requireState(addr2, state.Connected)
	s.requireState(addr3, state.Connected)
	s.Require().Equal(1, s.tr.MaxInFlight(), "the radio sees one connect at a time")
}

func (s *FleetSuite) TestDropDuringStreamingRecoversSession() {
	s.advertise(addr1, "tropx_01")
	s.Require().NoError(s.fleet.ConnectMany(context.Background(), []string{addr1})[addr1])
	s.requireState(addr1, state.Connected)
	s.Require().NoError(s.fleet.StartGlobalStreaming(context.Background()))
	s.requireState(addr1, state.Streaming)

	p := s.tr.Peripheral(addr1)
	s.Require().NotNil(p)
	p.Drop()

	// The drop is observed, reconnection dials a fresh connection, and the
	// device rejoins the still-running session.
	s.Require().Eventually(func() bool { return s.tr.Connects() >= 2 },
		3*time.Second, 5*time.Millisecond, "a fresh connection was dialed")
	s.requireState(addr1, state.Streaming)
	s.Require().Equal(state.GlobalStreaming, s.store.GlobalState())

	rec, _ := s.store.Device(addr1)
	s.Require().Nil(rec.Reconnect, "retry bookkeeping cleared after recovery")
}

func (s *FleetSuite) TestPreflightRejectionNamesOffenders() {
	s.advertise(addr1, "tropx_01")
	s.Require().NoError(s.fleet.ConnectMany(context.Background(), []string{addr1})[addr1])
	s.requireState(addr1, state.Connected)

	// Stale firmware stuck in streaming; reset does not help.
	s.tr.SetOpState(addr1, wire.OpStateStreaming, true)

	err := s.fleet.StartGlobalStreaming(context.Background())
	s.Require().Error(err)

	var sie *StateInvalidError
	s.Require().ErrorAs(err, &sie)
	s.Require().Len(sie.Devices, 1)
	s.Require().Equal(addr1, sie.Devices[0].Address)
	s.Require().Equal(wire.OpStateStreaming, sie.Devices[0].OpState)
	s.Require().Contains(err.Error(), "tropx_01")
	s.Require().Contains(err.Error(), "streaming")

	s.Require().Equal(state.GlobalIdle, s.store.GlobalState())

	// The reset command was actually issued between rounds.
	p := s.tr.Peripheral(addr1)
	s.Require().NotNil(p)
	resets := 0
	for _, cmd := range p.Commands() {
		if len(cmd) > 0 && cmd[0] == wire.CmdReset {
			resets++
		}
	}
	s.Require().Equal(1, resets)
}

func (s *FleetSuite) TestPreflightResetRecoversStaleDevice() {
	s.advertise(addr1, "tropx_01")
	s.Require().NoError(s.fleet.ConnectMany(context.Background(), []string{addr1})[addr1])
	s.requireState(addr1, state.Connected)

	// Stale but resettable: round two sees it idle again.
	s.tr.SetOpState(addr1, wire.OpStateStreaming, false)

	s.Require().NoError(s.fleet.StartGlobalStreaming(context.Background()))
	s.requireState(addr1, state.Streaming)
}

func (s *FleetSuite) TestUnknownNamePatternAbortsConnect() {
	s.store.Register(addr1, "vendor_junk", -40)

	results := s.fleet.ConnectMany(context.Background(), []string{addr1})
	s.Require().Error(results[addr1])

	var upe *registry.UnknownPatternError
	s.Require().ErrorAs(results[addr1], &upe)
	s.Require().Equal(0, s.tr.Connects(), "the radio is never touched for an unknown device")

	rec, ok := s.store.Device(addr1)
	s.Require().True(ok)
	s.Require().Equal(state.Failed, rec.State)
}

func (s *FleetSuite) TestRemoveDevice() {
	s.advertise(addr1, "tropx_01")
	s.Require().NoError(s.fleet.ConnectMany(context.Background(), []string{addr1})[addr1])
	s.requireState(addr1, state.Connected)

	s.Require().NoError(s.fleet.RemoveDevice(addr1))
	_, ok := s.store.Device(addr1)
	s.Require().False(ok)
	s.Require().GreaterOrEqual(s.cast.kinds()[broadcast.KindDeviceCleared], 1)
}

func (s *FleetSuite) TestLocateModeAutoDisables() {
	s.advertise(addr1, "tropx_01")
	s.Require().NoError(s.fleet.ConnectMany(context.Background(), []string{addr1})[addr1])
	s.requireState(addr1, state.Connected)

	s.Require().NoError(s.fleet.StartLocateMode(50 * time.Millisecond))
	s.Require().Equal(state.GlobalLocating, s.store.GlobalState())

	s.Require().Eventually(func() bool {
		return s.store.GlobalState() == state.GlobalIdle
	}, time.Second, 5*time.Millisecond)

	p := s.tr.Peripheral(addr1)
	s.Require().NotNil(p)
	var on, off bool
	for _, cmd := range p.Commands() {
		if len(cmd) == 2 && cmd[0] == wire.CmdLocate {
			on = on || cmd[1] == 1
			off = off || cmd[1] == 0
		}
	}
	s.Require().True(on, "locate enabled")
	s.Require().True(off, "locate disabled by the timer")
}

func (s *FleetSuite) TestStreamingWithNoDevices() {
	err := s.fleet.StartGlobalStreaming(context.Background())
	s.Require().ErrorIs(err, ErrNoConnectedDevices)
	s.Require().Equal(state.GlobalIdle, s.store.GlobalState())
}

func TestStatePollEmitsOnChangeOnly(t *testing.T) {
	tr := faketransport.New()
	store := state.NewStore(nil)
	cast := &castRec{}

	queue := connqueue.New(store, nil, connqueue.Options{
		ConfirmInterval: 2 * time.Millisecond,
		ConfirmTimeout:  200 * time.Millisecond,
		SettleDelay:     2 * time.Millisecond,
	}, nil)
	sched, err := scanner.New(tr, store, scanner.Options{
		ActiveWindow: 50 * time.Millisecond,
		IdleGap:      time.Hour,
	}, nil)
	require.NoError(t, err)

	f, err := New(Options{
		Store:        store,
		Queue:        queue,
		Scanner:      sched,
		Transport:    tr,
		Broadcaster:  cast,
		PollInterval: 15 * time.Millisecond,
	})
	require.NoError(t, err)
	defer f.Close()

	tr.AddAdvertisement(transport.Advertisement{Address: addr1, Name: "tropx_01", RSSI: -45})
	store.Register(addr1, "tropx_01", -45)
	require.NoError(t, f.ConnectMany(context.Background(), []string{addr1})[addr1])

	require.Eventually(t, func() bool {
		rec, ok := store.Device(addr1)
		return ok && rec.HasOpState && rec.OpState == wire.OpStateIdle
	}, 2*time.Second, 5*time.Millisecond)

	// Let the poll that recorded the first value finish its notification.
	time.Sleep(50 * time.Millisecond)
	baseline := cast.kinds()[broadcast.KindStatus]

	// Several polls with an unchanged value stay quiet.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, baseline, cast.kinds()[broadcast.KindStatus])

	// A firmware-side change produces exactly one more notification.
	tr.SetOpState(addr1, wire.OpStateCharging, false)
	require.Eventually(t, func() bool {
		return cast.kinds()[broadcast.KindStatus] == baseline+1
	}, 2*time.Second, 5*time.Millisecond)
}
