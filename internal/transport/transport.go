// Package transport defines the contract the fleet core requires from a BLE
// binding. The core never talks to a BLE library directly; it is wired with
// a Transport at construction time. The goble subpackage adapts
// github.com/go-ble/ble to this contract, faketransport is the in-memory
// double used by tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Advertisement is one discovery event.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
}

// PowerState reports the adapter power condition.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
)

// ErrTransportUnavailable means the adapter is missing or not powered. It is
// fatal to initialization and is surfaced once, without a retry loop.
var ErrTransportUnavailable = errors.New("transport unavailable")

// NormalizeError maps known BLE binding error strings onto the transport
// taxonomy so callers can branch on errors.Is regardless of the binding.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid state"),
		strings.Contains(msg, "powered off"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "adapter"):
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	default:
		return err
	}
}

// Transport is the host adapter: discovery, the single connection slot, and
// adapter power events. Implementations must tolerate concurrent calls, but
// callers are expected to gate Connect through the connection queue; the
// radio stack only supports one in-flight connection attempt.
type Transport interface {
	// ScanStart begins discovery, delivering every advertisement to handler
	// until ScanStop or ctx cancellation.
	ScanStart(ctx context.Context, handler func(Advertisement)) error
	ScanStop() error

	// Connect dials one peripheral. At most one Connect may be in flight.
	Connect(ctx context.Context, address string) (Peripheral, error)

	// PowerEvents yields adapter power-state changes.
	PowerEvents() <-chan PowerState

	Close() error
}

// Peripheral is one connected sensor.
type Peripheral interface {
	Addr() string

	// DiscoverCharacteristics locates the command and data characteristics.
	// Must be called once after Connect, before Subscribe or writes.
	DiscoverCharacteristics(ctx context.Context) error

	// Subscribe registers the notification handler for the data
	// characteristic. The data slice is only valid for the duration of the
	// callback.
	Subscribe(onNotify func(data []byte)) error
	Unsubscribe() error

	// WriteCommand writes to the command characteristic.
	WriteCommand(data []byte) error

	// QueryOpState asks the firmware for its operating state
	// (wire.OpState* byte).
	QueryOpState(ctx context.Context) (byte, error)

	// ReadBattery reads the battery level characteristic, 0-100.
	ReadBattery() (int, error)

	// Disconnected is closed when the link drops, expectedly or not.
	Disconnected() <-chan struct{}

	Disconnect() error
}
