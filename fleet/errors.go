package fleet

import (
	"fmt"
	"strings"

	"github.com/tropx/fleet/internal/wire"
)

// OffendingDevice is one device that failed pre-flight validation.
type OffendingDevice struct {
	Address string
	Name    string
	OpState byte
}

// StateInvalidError fails a streaming start: after the reset rounds some
// devices still report a non-idle firmware state. Fatal for that call only;
// the caller decides whether to retry.
type StateInvalidError struct {
	Devices []OffendingDevice
}

func (e *StateInvalidError) Error() string {
	parts := make([]string, 0, len(e.Devices))
	for _, d := range e.Devices {
		parts = append(parts, fmt.Sprintf("%s (%s) in state %s", d.Address, d.Name, wire.OpStateName(d.OpState)))
	}
	return "streaming pre-flight failed: " + strings.Join(parts, ", ")
}

// ErrNoConnectedDevices fails fleet-wide operations that need at least one
// connected device.
var ErrNoConnectedDevices = fmt.Errorf("no connected devices")
