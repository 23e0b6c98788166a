// Package goble adapts github.com/go-ble/ble to the transport contract.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/tropx/fleet/internal/transport"
	"github.com/tropx/fleet/internal/wire"
)

// TropX GATT layout. The sensors expose one custom service with a
// write-without-response command characteristic and a notify-only data
// characteristic, plus the standard battery service.
const (
	ServiceUUID     = "6f1d0001b5a3f393e0a9e50e24dcca9e"
	CommandCharUUID = "6f1d0002b5a3f393e0a9e50e24dcca9e"
	DataCharUUID    = "6f1d0003b5a3f393e0a9e50e24dcca9e"

	batteryServiceUUID = "180f"
	batteryCharUUID    = "2a19"
)

// DeviceFactory creates ble.Device instances. A variable so tests can swap
// in a mock host.
var DeviceFactory = func() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, transport.NormalizeError(err)
	}
	return dev, nil
}

// Transport implements transport.Transport over go-ble. The underlying HCI
// socket supports one scan and one in-flight connection attempt; callers
// serialize Connect through the connection queue.
type Transport struct {
	logger *logrus.Logger

	mu         sync.Mutex
	dev        ble.Device
	scanCancel context.CancelFunc

	power chan transport.PowerState
}

// New opens the host adapter. Failure to open is fatal and reported as
// transport.ErrTransportUnavailable.
func New(logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE adapter: %w", transport.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	return &Transport{
		logger: logger,
		dev:    dev,
		power:  make(chan transport.PowerState, 4),
	}, nil
}

func (t *Transport) ScanStart(ctx context.Context, handler func(transport.Advertisement)) error {
	t.mu.Lock()
	if t.scanCancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("scan already active")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	t.scanCancel = cancel
	t.mu.Unlock()

	go func() {
		err := t.dev.Scan(scanCtx, true, func(adv ble.Advertisement) {
			handler(transport.Advertisement{
				Address: adv.Addr().String(),
				Name:    adv.LocalName(),
				RSSI:    adv.RSSI(),
			})
		})
		if err != nil && scanCtx.Err() == nil {
			err = transport.NormalizeError(err)
			t.logger.WithError(err).Warn("BLE scan terminated with error")
			if errors.Is(err, transport.ErrTransportUnavailable) {
				t.emitPower(transport.PowerOff)
			}
		}

		t.mu.Lock()
		t.scanCancel = nil
		t.mu.Unlock()
	}()

	return nil
}

func (t *Transport) ScanStop() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.scanCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *Transport) Connect(ctx context.Context, address string) (transport.Peripheral, error) {
	t.logger.WithField("address", address).Debug("Dialing peripheral")

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, transport.NormalizeError(err)
	}

	return &peripheral{
		addr:       address,
		client:     client,
		logger:     t.logger,
		stateReply: make(chan byte, 1),
	}, nil
}

func (t *Transport) PowerEvents() <-chan transport.PowerState {
	return t.power
}

func (t *Transport) emitPower(s transport.PowerState) {
	select {
	case t.power <- s:
	default:
	}
}

func (t *Transport) Close() error {
	_ = t.ScanStop()
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev != nil {
		return dev.Stop()
	}
	return nil
}

// ----------------------------
// Peripheral
// ----------------------------

type peripheral struct {
	addr   string
	client ble.Client
	logger *logrus.Logger

	mu          sync.Mutex
	commandChar *ble.Characteristic
	dataChar    *ble.Characteristic
	batteryChar *ble.Characteristic
	onNotify    func([]byte)

	stateReply chan byte
}

func (p *peripheral) Addr() string {
	return p.addr
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

func (p *peripheral) DiscoverCharacteristics(ctx context.Context) error {
	profile, err := p.client.DiscoverProfile(true)
	if err != nil {
		p.client.CancelConnection()
		return fmt.Errorf("failed to discover profile for %s: %w", p.addr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, svc := range profile.Services {
		svcUUID := normalizeUUID(svc.UUID.String())
		for _, char := range svc.Characteristics {
			switch normalizeUUID(char.UUID.String()) {
			case CommandCharUUID:
				p.commandChar = char
			case DataCharUUID:
				p.dataChar = char
			case batteryCharUUID:
				if svcUUID == batteryServiceUUID {
					p.batteryChar = char
				}
			}
		}
	}

	if p.commandChar == nil || p.dataChar == nil {
		p.client.CancelConnection()
		return fmt.Errorf("device %s does not expose the TropX service", p.addr)
	}

	p.logger.WithField("address", p.addr).Debug("Discovered TropX characteristics")
	return nil
}

func (p *peripheral) Subscribe(onNotify func([]byte)) error {
	p.mu.Lock()
	char := p.dataChar
	p.onNotify = onNotify
	p.mu.Unlock()

	if char == nil {
		return fmt.Errorf("characteristics not discovered for %s", p.addr)
	}

	return p.client.Subscribe(char, false, p.dispatch)
}

// dispatch routes firmware state replies to a pending QueryOpState and
// everything else to the data handler.
func (p *peripheral) dispatch(data []byte) {
	if frame, err := wire.DecodeSensorFrame(data); err == nil && frame.Opcode == wire.CmdQueryState {
		select {
		case p.stateReply <- frame.OpState:
		default:
		}
		return
	}

	p.mu.Lock()
	handler := p.onNotify
	p.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (p *peripheral) Unsubscribe() error {
	p.mu.Lock()
	char := p.dataChar
	p.onNotify = nil
	p.mu.Unlock()

	if char == nil {
		return nil
	}
	return p.client.Unsubscribe(char, false)
}

func (p *peripheral) WriteCommand(data []byte) error {
	p.mu.Lock()
	char := p.commandChar
	p.mu.Unlock()

	if char == nil {
		return fmt.Errorf("characteristics not discovered for %s", p.addr)
	}
	return p.client.WriteCharacteristic(char, data, true)
}

func (p *peripheral) QueryOpState(ctx context.Context) (byte, error) {
	// Drain a stale reply from a previous timed-out query.
	select {
	case <-p.stateReply:
	default:
	}

	if err := p.WriteCommand(wire.EncodeCommand(wire.CmdQueryState)); err != nil {
		return 0, err
	}

	select {
	case st := <-p.stateReply:
		return st, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("state query for %s: %w", p.addr, ctx.Err())
	case <-time.After(2 * time.Second):
		return 0, fmt.Errorf("state query for %s timed out", p.addr)
	}
}

func (p *peripheral) ReadBattery() (int, error) {
	p.mu.Lock()
	char := p.batteryChar
	p.mu.Unlock()

	if char == nil {
		return 0, fmt.Errorf("no battery characteristic on %s", p.addr)
	}

	data, err := p.client.ReadCharacteristic(char)
	if err != nil {
		return 0, fmt.Errorf("failed to read battery on %s: %w", p.addr, err)
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("empty battery read on %s", p.addr)
	}
	return int(data[0]), nil
}

func (p *peripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *peripheral) Disconnect() error {
	return p.client.CancelConnection()
}
