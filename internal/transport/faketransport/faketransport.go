// Package faketransport is an in-memory transport.Transport for tests:
// scripted advertisements, per-address connect outcomes and latency, an
// in-flight connect counter for the serial-connection invariant, and
// injectable notifications and firmware replies.
package faketransport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tropx/fleet/internal/transport"
	"github.com/tropx/fleet/internal/wire"
)

// script holds the per-address behavior shared by successive connections to
// the same device.
type script struct {
	mu          sync.Mutex
	opState     byte
	stickyState bool // reset command does not return the firmware to idle
	battery     int
	connectErr  error
	queryErr    error
}

// Fake implements transport.Transport.
type Fake struct {
	mu          sync.Mutex
	advs        []transport.Advertisement
	scanHandler func(transport.Advertisement)
	scanCtx     context.Context

	scripts      map[string]*script
	peripherals  map[string]*Peripheral
	connectDelay time.Duration

	power chan transport.PowerState

	inFlight    int32
	maxInFlight int32
	connects    int32
	scanStarts  int32
}

func New() *Fake {
	return &Fake{
		scripts:     make(map[string]*script),
		peripherals: make(map[string]*Peripheral),
		power:       make(chan transport.PowerState, 8),
	}
}

func (f *Fake) script(addr string) *script {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scripts[addr]
	if !ok {
		s = &script{opState: wire.OpStateIdle, battery: 100}
		f.scripts[addr] = s
	}
	return s
}

// AddAdvertisement scripts a device that every scan will discover.
func (f *Fake) AddAdvertisement(adv transport.Advertisement) {
	f.mu.Lock()
	f.advs = append(f.advs, adv)
	handler := f.scanHandler
	f.mu.Unlock()
	if handler != nil {
		handler(adv)
	}
}

// Advertise delivers one advertisement to an active scan, if any.
func (f *Fake) Advertise(adv transport.Advertisement) {
	f.mu.Lock()
	handler := f.scanHandler
	f.mu.Unlock()
	if handler != nil {
		handler(adv)
	}
}

// SetConnectDelay makes every connect attempt take d.
func (f *Fake) SetConnectDelay(d time.Duration) {
	f.mu.Lock()
	f.connectDelay = d
	f.mu.Unlock()
}

// FailConnect makes connect attempts for addr fail with err (nil to clear).
func (f *Fake) FailConnect(addr string, err error) {
	s := f.script(addr)
	s.mu.Lock()
	s.connectErr = err
	s.mu.Unlock()
}

// SetOpState scripts the firmware operating state reported by addr.
func (f *Fake) SetOpState(addr string, op byte, sticky bool) {
	s := f.script(addr)
	s.mu.Lock()
	s.opState = op
	s.stickyState = sticky
	s.mu.Unlock()
}

// SetBattery scripts the battery level for addr.
func (f *Fake) SetBattery(addr string, pct int) {
	s := f.script(addr)
	s.mu.Lock()
	s.battery = pct
	s.mu.Unlock()
}

// PushPower injects an adapter power event.
func (f *Fake) PushPower(st transport.PowerState) {
	f.power <- st
}

// Peripheral returns the live peripheral for addr, if connected.
func (f *Fake) Peripheral(addr string) *Peripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peripherals[addr]
}

// MaxInFlight reports the highest number of simultaneous connect attempts
// observed.
func (f *Fake) MaxInFlight() int {
	return int(atomic.LoadInt32(&f.maxInFlight))
}

// Connects reports the total number of connect attempts.
func (f *Fake) Connects() int {
	return int(atomic.LoadInt32(&f.connects))
}

// ScanStarts reports how many scans have been started.
func (f *Fake) ScanStarts() int {
	return int(atomic.LoadInt32(&f.scanStarts))
}

// Scanning reports whether a scan handler is installed.
func (f *Fake) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanHandler != nil
}

func (f *Fake) ScanStart(ctx context.Context, handler func(transport.Advertisement)) error {
	atomic.AddInt32(&f.scanStarts, 1)

	f.mu.Lock()
	f.scanHandler = handler
	f.scanCtx = ctx
	advs := make([]transport.Advertisement, len(f.advs))
	copy(advs, f.advs)
	f.mu.Unlock()

	go func() {
		for _, adv := range advs {
			if ctx.Err() != nil {
				return
			}
			handler(adv)
		}
	}()

	// Only clear the handler if this scan is still the active one; a
	// cancelled scan must not tear down its replacement.
	context.AfterFunc(ctx, func() {
		f.mu.Lock()
		if f.scanCtx == ctx {
			f.scanHandler = nil
			f.scanCtx = nil
		}
		f.mu.Unlock()
	})
	return nil
}

func (f *Fake) ScanStop() error {
	f.mu.Lock()
	f.scanHandler = nil
	f.scanCtx = nil
	f.mu.Unlock()
	return nil
}

func (f *Fake) Connect(ctx context.Context, address string) (transport.Peripheral, error) {
	atomic.AddInt32(&f.connects, 1)
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	delay := f.connectDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := f.script(address)
	s.mu.Lock()
	err := s.connectErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p := &Peripheral{
		addr:   address,
		script: s,
		disc:   make(chan struct{}),
	}

	f.mu.Lock()
	f.peripherals[address] = p
	f.mu.Unlock()
	return p, nil
}

func (f *Fake) PowerEvents() <-chan transport.PowerState {
	return f.power
}

func (f *Fake) Close() error {
	return f.ScanStop()
}

// ----------------------------
// Peripheral
// ----------------------------

// Peripheral implements transport.Peripheral for one fake connection.
type Peripheral struct {
	addr   string
	script *script

	mu         sync.Mutex
	discovered bool
	subscribed bool
	onNotify   func([]byte)
	commands   [][]byte
	dropped    bool
	disc       chan struct{}
}

func (p *Peripheral) Addr() string { return p.addr }

func (p *Peripheral) DiscoverCharacteristics(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discovered = true
	return nil
}

func (p *Peripheral) Subscribe(onNotify func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.discovered {
		return fmt.Errorf("characteristics not discovered for %s", p.addr)
	}
	p.subscribed = true
	p.onNotify = onNotify
	return nil
}

func (p *Peripheral) Unsubscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = false
	p.onNotify = nil
	return nil
}

func (p *Peripheral) WriteCommand(data []byte) error {
	p.mu.Lock()
	if p.dropped {
		p.mu.Unlock()
		return fmt.Errorf("device %s not connected", p.addr)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.commands = append(p.commands, cp)
	p.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	// Firmware-side state machine: the scripted operating state follows
	// start/stop/reset commands unless marked sticky.
	s := p.script
	s.mu.Lock()
	switch data[0] {
	case wire.CmdStartStream:
		if !s.stickyState {
			s.opState = wire.OpStateStreaming
		}
	case wire.CmdStopStream, wire.CmdReset:
		if !s.stickyState {
			s.opState = wire.OpStateIdle
		}
	}
	s.mu.Unlock()
	return nil
}

func (p *Peripheral) QueryOpState(ctx context.Context) (byte, error) {
	s := p.script
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return 0, s.queryErr
	}
	return s.opState, nil
}

func (p *Peripheral) ReadBattery() (int, error) {
	s := p.script
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, nil
}

func (p *Peripheral) Disconnected() <-chan struct{} {
	return p.disc
}

func (p *Peripheral) Disconnect() error {
	p.drop()
	return nil
}

// Drop simulates an unexpected link loss.
func (p *Peripheral) Drop() {
	p.drop()
}

func (p *Peripheral) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dropped {
		p.dropped = true
		close(p.disc)
	}
}

// Commands returns a copy of every command written so far.
func (p *Peripheral) Commands() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.commands))
	copy(out, p.commands)
	return out
}

// Notify injects a data-characteristic notification.
func (p *Peripheral) Notify(data []byte) {
	p.mu.Lock()
	handler := p.onNotify
	p.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// Subscribed reports whether a notification handler is installed.
func (p *Peripheral) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}
