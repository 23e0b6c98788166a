// Package broadcast pushes device-status, battery, orientation and
// recording-state events to clients. Message kinds form a closed tagged
// union with one explicit encoder per kind; the orientation and
// status/battery kinds are bit-exact wire packets, the rest plain JSON.
package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/wire"
)

// Kind tags a message variant.
type Kind string

const (
	KindOrientation   Kind = "orientation"
	KindStatus        Kind = "device_status"
	KindBattery       Kind = "battery"
	KindRecording     Kind = "recording_state"
	KindDeviceCleared Kind = "device_cleared"
)

// Message is the closed union of outbound payloads.
type Message interface {
	Kind() Kind
	// Key identifies the coalescing slot: bursts with the same kind and
	// key collapse to the newest value.
	Key() string
	Encode() ([]byte, error)
}

// Filter selects recipients; an empty filter means everyone.
type Filter struct {
	Addresses []string
}

// Broadcaster is the outbound transport collaborator.
type Broadcaster interface {
	Send(msg Message, f Filter) error
	Close() error
}

// ----------------------------
// Message kinds
// ----------------------------

// Orientation is one decoded sample re-encoded for clients.
type Orientation struct {
	Address string
	Packet  wire.OrientationPacket
}

func (Orientation) Kind() Kind    { return KindOrientation }
func (m Orientation) Key() string { return m.Address }

func (m Orientation) Encode() ([]byte, error) {
	return wire.EncodeOrientation(m.Packet), nil
}

// DeviceStatus reports one device's connection state snapshot.
type DeviceStatus struct {
	Address   string
	Timestamp uint32
	Record    state.Record
}

func (DeviceStatus) Kind() Kind    { return KindStatus }
func (m DeviceStatus) Key() string { return m.Address }

func (m DeviceStatus) Encode() ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"address":   m.Record.Address,
		"name":      m.Record.Name,
		"logicalId": m.Record.LogicalID,
		"state":     m.Record.State,
		"rssi":      m.Record.RSSI,
		"sync":      m.Record.Sync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode device status: %w", err)
	}
	return wire.EncodePayload(wire.TypeStatus, m.Timestamp, payload)
}

// Battery reports one device's battery level.
type Battery struct {
	Address   string
	Timestamp uint32
	Percent   int
}

func (Battery) Kind() Kind    { return KindBattery }
func (m Battery) Key() string { return m.Address }

func (m Battery) Encode() ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"address": m.Address,
		"battery": m.Percent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode battery: %w", err)
	}
	return wire.EncodePayload(wire.TypeBattery, m.Timestamp, payload)
}

// Recording reports the fleet streaming session state.
type Recording struct {
	Streaming   bool
	SessionID   string
	ReferenceMs uint32
}

func (Recording) Kind() Kind  { return KindRecording }
func (Recording) Key() string { return "fleet" }

func (m Recording) Encode() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"streaming":   m.Streaming,
		"sessionId":   m.SessionID,
		"referenceMs": m.ReferenceMs,
	})
}

// DeviceCleared announces that a device record was evicted.
type DeviceCleared struct {
	Address string
}

func (DeviceCleared) Kind() Kind    { return KindDeviceCleared }
func (m DeviceCleared) Key() string { return m.Address }

func (m DeviceCleared) Encode() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"address": m.Address})
}

// ----------------------------
// Nop backend
// ----------------------------

// Nop discards every message. Used by the CLI scan path and as a default.
type Nop struct{}

func (Nop) Send(Message, Filter) error { return nil }
func (Nop) Close() error               { return nil }
