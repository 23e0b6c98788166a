package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsDiscoveredState(t *testing.T) {
	s := NewStore(nil)

	rec, known := s.Register("AA:BB:CC:DD:EE:01", "tropx_01", -45)
	require.False(t, known)
	require.Equal(t, Discovered, rec.State)
	require.Equal(t, -45, rec.RSSI)
	require.Equal(t, -1, rec.Battery)
	require.Equal(t, SyncNone, rec.Sync)
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"

	s.Register(addr, "tropx_01", -45)
	require.NoError(t, s.Transition(addr, Connecting))
	require.NoError(t, s.Transition(addr, Connected))
	require.NoError(t, s.Transition(addr, Streaming))

	// Re-discovery refreshes RSSI but must never regress an active session.
	rec, known := s.Register(addr, "tropx_01", -60)
	require.True(t, known)
	require.Equal(t, Streaming, rec.State)
	require.Equal(t, -60, rec.RSSI)
}

func TestRegisterRevivesDisconnectedDevice(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"

	s.Register(addr, "tropx_01", -45)
	require.NoError(t, s.Transition(addr, Disconnected))

	rec, known := s.Register(addr, "tropx_01", -50)
	require.True(t, known)
	require.Equal(t, Discovered, rec.State)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		path []ConnectionState
		to   ConnectionState
		ok   bool
	}{
		{name: "discovered to connecting", path: nil, to: Connecting, ok: true},
		{name: "discovered to streaming", path: nil, to: Streaming, ok: false},
		{name: "connecting to connected", path: []ConnectionState{Connecting}, to: Connected, ok: true},
		{name: "connecting to streaming", path: []ConnectionState{Connecting}, to: Streaming, ok: false},
		{name: "connected to streaming", path: []ConnectionState{Connecting, Connected}, to: Streaming, ok: true},
		{name: "streaming to connected", path: []ConnectionState{Connecting, Connected, Streaming}, to: Connected, ok: true},
		{name: "streaming to disconnected", path: []ConnectionState{Connecting, Connected, Streaming}, to: Disconnected, ok: true},
		{name: "connected to discovered", path: []ConnectionState{Connecting, Connected}, to: Discovered, ok: false},
		{name: "error to connecting", path: []ConnectionState{Connecting, Failed}, to: Connecting, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil)
			addr := "AA:BB:CC:DD:EE:01"
			s.Register(addr, "tropx_01", -45)
			for _, st := range tt.path {
				require.NoError(t, s.Transition(addr, st))
			}

			before, _ := s.Device(addr)
			err := s.Transition(addr, tt.to)
			after, _ := s.Device(addr)

			if tt.ok {
				require.NoError(t, err)
				require.Equal(t, tt.to, after.State)
			} else {
				var terr *TransitionError
				require.ErrorAs(t, err, &terr)
				require.Equal(t, before.State, after.State, "rejected transition must leave state unchanged")
			}
		})
	}
}

func TestTransitionUnknownDevice(t *testing.T) {
	s := NewStore(nil)

	err := s.Transition("00:00:00:00:00:00", Connecting)
	var uerr *UnknownDeviceError
	require.ErrorAs(t, err, &uerr)
}

func TestTransitionToErrorAttachesInfo(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)
	require.NoError(t, s.Transition(addr, Connecting))

	require.NoError(t, s.TransitionToError(addr, "connection_failed", "dial timed out"))

	rec, _ := s.Device(addr)
	require.Equal(t, Failed, rec.State)
	require.NotNil(t, rec.Error)
	require.Equal(t, "connection_failed", rec.Error.Kind)

	// Leaving the error state clears the error info.
	require.NoError(t, s.Transition(addr, Connecting))
	rec, _ = s.Device(addr)
	require.Nil(t, rec.Error)
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	s := NewStore(nil)

	var order []int
	s.Subscribe(func(ch Change) { order = append(order, 1) })
	s.Subscribe(func(ch Change) { order = append(order, 2) })

	s.Register("AA:BB:CC:DD:EE:01", "tropx_01", -45)
	require.Equal(t, []int{1, 2}, order)
}

func TestSubscriberSeesCauseAndSnapshot(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)
	require.NoError(t, s.Transition(addr, Connecting))
	require.NoError(t, s.Transition(addr, Connected))

	var got []Change
	s.Subscribe(func(ch Change) { got = append(got, ch) })

	require.NoError(t, s.TransitionCause(addr, Disconnected, CauseManual))
	require.Len(t, got, 1)
	require.Equal(t, CauseManual, got[0].Cause)
	require.Equal(t, Connected, got[0].From)
	require.Equal(t, Disconnected, got[0].To)
	require.Equal(t, addr, got[0].Record.Address)
}

func TestSubscriberMayRequestFollowOnTransition(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)
	require.NoError(t, s.Transition(addr, Connecting))

	// A callback submitting a follow-on request must not deadlock; the
	// nested request goes through the same transition validation.
	s.Subscribe(func(ch Change) {
		if ch.To == Connected {
			_ = s.Transition(addr, Streaming)
		}
	})

	require.NoError(t, s.Transition(addr, Connected))
	rec, _ := s.Device(addr)
	require.Equal(t, Streaming, rec.State)
}

func TestRemoveNotifiesRemoval(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)

	var removed bool
	s.Subscribe(func(ch Change) { removed = ch.Removed })

	require.True(t, s.Remove(addr))
	require.True(t, removed)
	_, ok := s.Device(addr)
	require.False(t, ok)
	require.False(t, s.Remove(addr))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	s := NewStore(nil)
	s.Register("AA:BB:CC:DD:EE:03", "tropx_03", -70)
	s.Register("AA:BB:CC:DD:EE:01", "tropx_01", -45)
	s.Register("AA:BB:CC:DD:EE:02", "tropx_02", -55)

	var addrs []string
	for _, rec := range s.List() {
		addrs = append(addrs, rec.Address)
	}
	require.Equal(t, []string{"AA:BB:CC:DD:EE:03", "AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}, addrs)
}

func TestListByState(t *testing.T) {
	s := NewStore(nil)
	s.Register("AA:BB:CC:DD:EE:01", "tropx_01", -45)
	s.Register("AA:BB:CC:DD:EE:02", "tropx_02", -55)
	require.NoError(t, s.Transition("AA:BB:CC:DD:EE:01", Connecting))
	require.NoError(t, s.Transition("AA:BB:CC:DD:EE:01", Connected))

	connected := s.ListByState(Connected)
	require.Len(t, connected, 1)
	require.Equal(t, "AA:BB:CC:DD:EE:01", connected[0].Address)
	require.Len(t, s.ListByState(Discovered), 1)
}

func TestSetOpStateReportsChange(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)

	changed, err := s.SetOpState(addr, 0x00)
	require.NoError(t, err)
	require.True(t, changed, "first poll always reports a change")

	changed, err = s.SetOpState(addr, 0x00)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = s.SetOpState(addr, 0x01)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestReconnectMeta(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)

	next := time.Now().Add(500 * time.Millisecond)
	require.NoError(t, s.SetReconnectMeta(addr, 2, next))
	rec, _ := s.Device(addr)
	require.NotNil(t, rec.Reconnect)
	require.Equal(t, 2, rec.Reconnect.Attempts)

	require.NoError(t, s.ClearReconnectMeta(addr))
	rec, _ = s.Device(addr)
	require.Nil(t, rec.Reconnect)
}

func TestGlobalState(t *testing.T) {
	s := NewStore(nil)
	require.Equal(t, GlobalIdle, s.GlobalState())

	s.SetGlobalState(GlobalStreaming)
	require.Equal(t, GlobalStreaming, s.GlobalState())
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore(nil)
	addr := "AA:BB:CC:DD:EE:01"
	s.Register(addr, "tropx_01", -45)
	require.NoError(t, s.SetReconnectMeta(addr, 1, time.Now()))

	rec, _ := s.Device(addr)
	rec.Reconnect.Attempts = 99
	rec.RSSI = 0

	fresh, _ := s.Device(addr)
	require.Equal(t, 1, fresh.Reconnect.Attempts)
	require.Equal(t, -45, fresh.RSSI)
}
