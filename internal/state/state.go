// Package state is the single source of truth for every known device and for
// the fleet-wide mode. All mutation goes through its registration/transition
// API; every other component reads value snapshots and submits transition
// requests which the store validates against the legal-transition table.
package state

import (
	"fmt"
	"time"
)

// ConnectionState is the per-device connection lifecycle state.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Discovered   ConnectionState = "discovered"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Streaming    ConnectionState = "streaming"
	Reconnecting ConnectionState = "reconnecting"
	Failed       ConnectionState = "error"
)

// GlobalState is the single fleet-wide mode. Only one is active at a time.
type GlobalState string

const (
	GlobalIdle       GlobalState = "idle"
	GlobalScanning   GlobalState = "scanning"
	GlobalConnecting GlobalState = "connecting"
	GlobalStreaming  GlobalState = "streaming"
	GlobalSyncing    GlobalState = "syncing"
	GlobalLocating   GlobalState = "locating"
)

// SyncState reports whether the device clock has been aligned to the host.
type SyncState string

const (
	SyncNone SyncState = "not_synced"
	SyncFull SyncState = "fully_synced"
)

// ErrorInfo is present only while a device is in the error state.
type ErrorInfo struct {
	Kind    string
	Message string
}

// ReconnectMeta is present only while a device is being reconnected.
type ReconnectMeta struct {
	Attempts      int
	NextAttemptAt time.Time
}

// Record is a value snapshot of one device. Callers must treat it as
// immutable; mutation goes through the store API.
type Record struct {
	Address   string
	Name      string
	LogicalID string
	RSSI      int
	// Battery percentage, -1 until the first successful read.
	Battery  int
	LastSeen time.Time

	State     ConnectionState
	Error     *ErrorInfo
	Reconnect *ReconnectMeta

	ClockOffsetMs int64
	Sync          SyncState

	// Last polled firmware operating state, wire.OpState* value.
	OpState    byte
	HasOpState bool
}

// Cause distinguishes an explicit, caller-initiated transition from one
// observed on the transport. The reconnection manager only reacts to
// non-manual drops.
type Cause string

const (
	CauseObserved Cause = "observed"
	CauseManual   Cause = "manual"
)

// Change is delivered synchronously to subscribers on every accepted
// transition, registration or removal.
type Change struct {
	Address string
	From    ConnectionState
	To      ConnectionState
	Cause   Cause
	Removed bool
	Record  Record
}

// TransitionError reports a transition not present in the legal table. The
// record is left unchanged; the caller logs and continues.
type TransitionError struct {
	Address string
	From    ConnectionState
	To      ConnectionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.Address, e.From, e.To)
}

// UnknownDeviceError is returned for operations on an unregistered address.
type UnknownDeviceError struct {
	Address string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %s", e.Address)
}

// legalTransitions drives Transition. Any state may move to Disconnected so
// an explicit disconnect is always accepted.
var legalTransitions = map[ConnectionState][]ConnectionState{
	Disconnected: {Discovered, Connecting, Reconnecting},
	Discovered:   {Connecting, Reconnecting, Disconnected},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Streaming, Disconnected, Failed},
	Streaming:    {Connected, Disconnected, Failed},
	Reconnecting: {Connecting, Connected, Disconnected, Failed},
	Failed:       {Discovered, Connecting, Reconnecting, Disconnected},
}

func transitionLegal(from, to ConnectionState) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
