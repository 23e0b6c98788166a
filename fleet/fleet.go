// Package fleet is the top-level orchestrator: it composes the state store,
// the connection queue, the burst scanner and the reconnection manager into
// the fleet-wide operations, drives the per-device session lifecycle, and
// forwards decoded samples to the motion-processing collaborator.
package fleet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tropx/fleet/internal/broadcast"
	"github.com/tropx/fleet/internal/connqueue"
	"github.com/tropx/fleet/internal/groutine"
	"github.com/tropx/fleet/internal/reconnect"
	"github.com/tropx/fleet/internal/registry"
	"github.com/tropx/fleet/internal/scanner"
	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport"
	"github.com/tropx/fleet/internal/wire"
)

// SampleSink consumes decoded orientation samples. Implementations must not
// block; the callback runs on the notification path.
type SampleSink interface {
	HandleSample(address, logicalID string, pkt wire.OrientationPacket)
}

// Options wires the orchestrator. Store, Queue, Scanner and Transport are
// required; the rest defaults to inert implementations.
type Options struct {
	Store       *state.Store
	Queue       *connqueue.Queue
	Scanner     *scanner.Scheduler
	Reconnector *reconnect.Manager
	Transport   transport.Transport
	Registry    *registry.Registry
	Broadcaster broadcast.Broadcaster
	Sink        SampleSink
	Logger      *logrus.Logger

	// PreflightRounds is how many validate/reset rounds a streaming start
	// runs before giving up. Empirically tuned, no derivation documented.
	PreflightRounds int
	// PreflightSettle separates a reset command from the re-validation.
	PreflightSettle time.Duration
	// PreflightTimeout bounds each firmware state query.
	PreflightTimeout time.Duration
	// PollInterval drives the background firmware-state poll.
	PollInterval time.Duration
}

func (o *Options) applyDefaults() error {
	if o.Store == nil || o.Queue == nil || o.Scanner == nil || o.Transport == nil {
		return fmt.Errorf("fleet requires store, queue, scanner and transport")
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Registry == nil {
		reg, err := registry.New(o.Logger)
		if err != nil {
			return err
		}
		o.Registry = reg
	}
	if o.Broadcaster == nil {
		o.Broadcaster = broadcast.Nop{}
	}
	if o.PreflightRounds == 0 {
		o.PreflightRounds = 2
	}
	if o.PreflightSettle == 0 {
		o.PreflightSettle = 500 * time.Millisecond
	}
	if o.PreflightTimeout == 0 {
		o.PreflightTimeout = 10 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	return nil
}

// peer is one live connection and its link watcher.
type peer struct {
	p      transport.Peripheral
	cancel context.CancelFunc
}

// Fleet is safe for concurrent use.
type Fleet struct {
	opts Options
	log  *logrus.Logger

	mu          sync.Mutex
	peers       map[string]*peer
	sessionID   string
	reference   time.Time
	burstWasOn  bool
	locateTimer *time.Timer
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the orchestrator, installs the connect handler on the queue and
// starts the background state poll. Callers must Close it.
func New(opts Options) (*Fleet, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		opts:   opts,
		log:    opts.Logger,
		peers:  make(map[string]*peer),
		ctx:    ctx,
		cancel: cancel,
	}

	opts.Queue.SetConnectFunc(f.connectDevice)
	groutine.Go(ctx, "fleet-state-poll", f.pollLoop)
	return f, nil
}

// Scan delegates to the burst scheduler and returns the discovery snapshot.
func (f *Fleet) Scan(ctx context.Context) ([]state.Record, error) {
	return f.opts.Scanner.Scan(ctx)
}

// EnableBurst turns background discovery on.
func (f *Fleet) EnableBurst() { f.opts.Scanner.EnableBurst() }

// EnableBurstFor turns background discovery on for a bounded period.
func (f *Fleet) EnableBurstFor(d time.Duration) { f.opts.Scanner.EnableBurstFor(d) }

// DisableBurst turns background discovery off.
func (f *Fleet) DisableBurst() { f.opts.Scanner.DisableBurst() }

// Devices returns a snapshot of every known device in registration order.
func (f *Fleet) Devices() []state.Record { return f.opts.Store.List() }

// ----------------------------
// Connect / disconnect
// ----------------------------

// ConnectMany connects every address, one goroutine per device. The attempts
// run concurrently from the caller's point of view; the queue underneath
// still serializes the radio. One device's failure never aborts the others;
// the per-address outcome is returned for all of them.
func (f *Fleet) ConnectMany(ctx context.Context, addresses []string) map[string]error {
	store := f.opts.Store
	if store.GlobalState() == state.GlobalIdle || store.GlobalState() == state.GlobalScanning {
		store.SetGlobalState(state.GlobalConnecting)
		defer func() {
			if store.GlobalState() == state.GlobalConnecting {
				store.SetGlobalState(state.GlobalIdle)
			}
		}()
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(addresses))
		wg      sync.WaitGroup
	)
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			err := f.opts.Queue.Enqueue(ctx, addr)
			mu.Lock()
			results[addr] = err
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return results
}

// connectDevice is the queue's connect handler: identity check, dial,
// characteristic discovery, subscription, battery read, link watcher, and the
// Connected transition. Runs on the queue's serial processor.
func (f *Fleet) connectDevice(ctx context.Context, address string) error {
	store := f.opts.Store

	rec, ok := store.Device(address)
	if !ok {
		return &state.UnknownDeviceError{Address: address}
	}

	// A device whose name matches no role pattern is never half-registered:
	// the attempt is aborted before the radio is touched.
	logicalID, err := f.opts.Registry.Register(address, rec.Name)
	if err != nil {
		return err
	}
	_ = store.SetLogicalID(address, logicalID)

	p, err := f.opts.Transport.Connect(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", address, transport.NormalizeError(err))
	}

	if err := p.DiscoverCharacteristics(ctx); err != nil {
		_ = p.Disconnect()
		return fmt.Errorf("failed to discover characteristics on %s: %w", address, err)
	}
	if err := p.Subscribe(f.notifyHandler(address, logicalID)); err != nil {
		_ = p.Disconnect()
		return fmt.Errorf("failed to subscribe on %s: %w", address, err)
	}

	if pct, berr := p.ReadBattery(); berr == nil {
		_ = store.SetBattery(address, pct)
		_ = f.opts.Broadcaster.Send(broadcast.Battery{
			Address:   address,
			Timestamp: f.timestamp(),
			Percent:   pct,
		}, broadcast.Filter{})
	} else {
		f.log.WithError(berr).WithField("address", address).Debug("Battery read failed")
	}

	watchCtx, cancel := context.WithCancel(f.ctx)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		_ = p.Disconnect()
		return fmt.Errorf("fleet closed")
	}
	f.peers[address] = &peer{p: p, cancel: cancel}
	f.mu.Unlock()

	groutine.Go(watchCtx, "fleet-linkwatch", func(ctx context.Context) {
		f.watchLink(ctx, address, p)
	})

	if err := store.Transition(address, state.Connected); err != nil {
		return fmt.Errorf("connected device rejected by state store: %w", err)
	}
	f.broadcastStatus(address)

	// A device that comes back while the fleet is streaming rejoins the
	// session instead of idling next to it.
	if store.GlobalState() == state.GlobalStreaming {
		if serr := f.startDevice(address); serr != nil {
			f.log.WithError(serr).WithField("address", address).Warn("Failed to restore streaming after reconnect")
		}
	}
	return nil
}

// watchLink waits for the link to drop and reports it as an observed
// disconnect, which is what arms the reconnection manager.
func (f *Fleet) watchLink(ctx context.Context, address string, p transport.Peripheral) {
	select {
	case <-ctx.Done():
		return
	case <-p.Disconnected():
	}

	f.mu.Lock()
	if cur, ok := f.peers[address]; ok && cur.p == p {
		delete(f.peers, address)
	}
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}

	f.log.WithField("address", address).Warn("Link dropped")
	if err := f.opts.Store.Transition(address, state.Disconnected); err != nil {
		f.log.WithError(err).WithField("address", address).Debug("Drop transition rejected")
	}
	f.broadcastStatus(address)
}

// Disconnect tears down one device on purpose. The manual cause keeps the
// reconnection manager from chasing it.
func (f *Fleet) Disconnect(address string) error {
	store := f.opts.Store
	if err := store.TransitionCause(address, state.Disconnected, state.CauseManual); err != nil {
		if _, unknown := err.(*state.UnknownDeviceError); unknown {
			return err
		}
	}

	f.mu.Lock()
	pr := f.peers[address]
	delete(f.peers, address)
	f.mu.Unlock()

	if pr == nil {
		return nil
	}
	pr.cancel()
	if err := pr.p.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", address, err)
	}
	f.broadcastStatus(address)
	return nil
}

// RemoveDevice disconnects the device and deletes its record. The removal
// change cancels any reconnect timer for the address.
func (f *Fleet) RemoveDevice(address string) error {
	if err := f.Disconnect(address); err != nil {
		f.log.WithError(err).WithField("address", address).Warn("Disconnect during removal failed")
	}
	if !f.opts.Store.Remove(address) {
		return &state.UnknownDeviceError{Address: address}
	}
	_ = f.opts.Broadcaster.Send(broadcast.DeviceCleared{Address: address}, broadcast.Filter{})
	return nil
}

// ----------------------------
// Streaming
// ----------------------------

// StartGlobalStreaming brings every connected device into the streaming
// session: burst scanning off, pre-flight firmware validation with bounded
// reset rounds, one shared reference timestamp, then a parallel start. The
// fleet is Streaming iff at least one device started.
func (f *Fleet) StartGlobalStreaming(ctx context.Context) error {
	store := f.opts.Store
	if store.GlobalState() == state.GlobalStreaming {
		return nil
	}

	connected := store.ListByState(state.Connected)
	if len(connected) == 0 {
		return ErrNoConnectedDevices
	}

	f.mu.Lock()
	f.burstWasOn = f.opts.Scanner.BurstEnabled()
	f.mu.Unlock()
	f.opts.Scanner.DisableBurst()
	f.opts.Scanner.StopScan(true)

	if err := f.preflight(ctx, connected); err != nil {
		f.restoreBurst()
		return err
	}

	session := uuid.NewString()
	reference := time.Now()
	f.mu.Lock()
	f.sessionID = session
	f.reference = reference
	f.mu.Unlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		started int
		failed  []string
	)
	for _, rec := range connected {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			err := f.startDevice(addr)
			mu.Lock()
			if err == nil {
				started++
			} else {
				failed = append(failed, addr)
			}
			mu.Unlock()
			if err != nil {
				f.log.WithError(err).WithField("address", addr).Warn("Failed to start streaming")
			}
		}(rec.Address)
	}
	wg.Wait()

	if started == 0 {
		f.mu.Lock()
		f.sessionID = ""
		f.reference = time.Time{}
		f.mu.Unlock()
		f.restoreBurst()
		return fmt.Errorf("no device started streaming (attempted %d)", len(connected))
	}

	store.SetGlobalState(state.GlobalStreaming)
	f.log.WithFields(logrus.Fields{
		"session": session,
		"started": started,
		"failed":  len(failed),
	}).Info("Fleet streaming started")

	_ = f.opts.Broadcaster.Send(broadcast.Recording{
		Streaming:   true,
		SessionID:   session,
		ReferenceMs: uint32(reference.UnixMilli()),
	}, broadcast.Filter{})
	return nil
}

// preflight validates firmware state on every device, issuing resets to the
// non-idle ones, for up to PreflightRounds rounds. Fails closed with the full
// offending list.
func (f *Fleet) preflight(ctx context.Context, devices []state.Record) error {
	for round := 1; ; round++ {
		var offending []OffendingDevice
		for _, rec := range devices {
			pr := f.peerFor(rec.Address)
			if pr == nil {
				continue
			}
			qctx, cancel := context.WithTimeout(ctx, f.opts.PreflightTimeout)
			op, err := pr.QueryOpState(qctx)
			cancel()
			if err != nil {
				f.log.WithError(err).WithField("address", rec.Address).Warn("Pre-flight state query failed")
				offending = append(offending, OffendingDevice{Address: rec.Address, Name: rec.Name, OpState: wire.OpStateError})
				continue
			}
			_, _ = f.opts.Store.SetOpState(rec.Address, op)
			if op != wire.OpStateIdle {
				offending = append(offending, OffendingDevice{Address: rec.Address, Name: rec.Name, OpState: op})
			}
		}

		if len(offending) == 0 {
			return nil
		}
		if round >= f.opts.PreflightRounds {
			return &StateInvalidError{Devices: offending}
		}

		for _, d := range offending {
			if pr := f.peerFor(d.Address); pr != nil {
				if err := pr.WriteCommand(wire.EncodeCommand(wire.CmdReset)); err != nil {
					f.log.WithError(err).WithField("address", d.Address).Warn("Pre-flight reset failed")
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.opts.PreflightSettle):
		}
	}
}

// startDevice configures the data mode and starts the stream on one device.
func (f *Fleet) startDevice(address string) error {
	pr := f.peerFor(address)
	if pr == nil {
		return fmt.Errorf("device %s has no live connection", address)
	}

	mode := wire.ModeQuaternion | wire.ModeTimestamp
	if err := pr.WriteCommand(wire.EncodeCommand(wire.CmdSetMode, mode)); err != nil {
		return fmt.Errorf("failed to set data mode on %s: %w", address, err)
	}
	if err := pr.WriteCommand(wire.EncodeCommand(wire.CmdStartStream)); err != nil {
		return fmt.Errorf("failed to start stream on %s: %w", address, err)
	}
	if err := f.opts.Store.Transition(address, state.Streaming); err != nil {
		return err
	}
	f.broadcastStatus(address)
	return nil
}

// StopGlobalStreaming stops every streaming device in parallel and returns
// the fleet to idle. Per-device stop failures are logged, not propagated.
func (f *Fleet) StopGlobalStreaming() error {
	store := f.opts.Store
	streaming := store.ListByState(state.Streaming)

	var wg sync.WaitGroup
	for _, rec := range streaming {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if pr := f.peerFor(addr); pr != nil {
				if err := pr.WriteCommand(wire.EncodeCommand(wire.CmdStopStream)); err != nil {
					f.log.WithError(err).WithField("address", addr).Warn("Failed to stop stream")
				}
			}
			if err := store.Transition(addr, state.Connected); err != nil {
				f.log.WithError(err).WithField("address", addr).Debug("Stop transition rejected")
			}
			f.broadcastStatus(addr)
		}(rec.Address)
	}
	wg.Wait()

	f.mu.Lock()
	f.sessionID = ""
	f.reference = time.Time{}
	f.mu.Unlock()

	if store.GlobalState() == state.GlobalStreaming {
		store.SetGlobalState(state.GlobalIdle)
	}
	_ = f.opts.Broadcaster.Send(broadcast.Recording{Streaming: false}, broadcast.Filter{})
	f.restoreBurst()
	return nil
}

// SessionID returns the active streaming session identifier, empty when not
// streaming.
func (f *Fleet) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *Fleet) restoreBurst() {
	f.mu.Lock()
	resume := f.burstWasOn && !f.closed
	f.burstWasOn = false
	f.mu.Unlock()
	if resume {
		f.opts.Scanner.EnableBurst()
	}
}

// ----------------------------
// Locate mode
// ----------------------------

// StartLocateMode blinks the locate LED on every connected device for d, then
// turns it off again. Repeated calls extend the window.
func (f *Fleet) StartLocateMode(d time.Duration) error {
	addrs := f.connectedAddrs()
	if len(addrs) == 0 {
		return ErrNoConnectedDevices
	}

	for _, addr := range addrs {
		if pr := f.peerFor(addr); pr != nil {
			if err := pr.WriteCommand(wire.EncodeCommand(wire.CmdLocate, 1)); err != nil {
				f.log.WithError(err).WithField("address", addr).Warn("Failed to enable locate")
			}
		}
	}

	store := f.opts.Store
	if store.GlobalState() == state.GlobalIdle {
		store.SetGlobalState(state.GlobalLocating)
	}

	f.mu.Lock()
	if f.locateTimer != nil {
		f.locateTimer.Stop()
	}
	f.locateTimer = time.AfterFunc(d, f.stopLocate)
	f.mu.Unlock()
	return nil
}

func (f *Fleet) stopLocate() {
	for _, addr := range f.connectedAddrs() {
		if pr := f.peerFor(addr); pr != nil {
			if err := pr.WriteCommand(wire.EncodeCommand(wire.CmdLocate, 0)); err != nil {
				f.log.WithError(err).WithField("address", addr).Debug("Failed to disable locate")
			}
		}
	}
	if f.opts.Store.GlobalState() == state.GlobalLocating {
		f.opts.Store.SetGlobalState(state.GlobalIdle)
	}
}

// ----------------------------
// Clock sync
// ----------------------------

// SetClockOffset records the time-sync collaborator's result for a device on
// both the registry (per role) and the store (per record).
func (f *Fleet) SetClockOffset(address string, offsetMs int64, synced bool) error {
	id, ok := f.opts.Registry.ByAddress(address)
	if !ok {
		return &state.UnknownDeviceError{Address: address}
	}
	f.opts.Registry.SetClockOffset(id, offsetMs, synced)

	sync := state.SyncNone
	if synced {
		sync = state.SyncFull
	}
	return f.opts.Store.SetClockSync(address, offsetMs, sync)
}

// ----------------------------
// Notifications
// ----------------------------

// notifyHandler decodes inbound frames for one device. Malformed frames are
// dropped and logged; they never take the stream down.
func (f *Fleet) notifyHandler(address, logicalID string) func([]byte) {
	return func(data []byte) {
		frame, err := wire.DecodeSensorFrame(data)
		if err != nil {
			f.log.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Debug("Dropped malformed frame")
			return
		}
		if frame.Quat == nil {
			return
		}

		// The firmware sends the quaternion vector part; the scalar is
		// recovered from the unit norm.
		x, y, z := frame.Quat[0], frame.Quat[1], frame.Quat[2]
		ww := 1 - float64(x*x+y*y+z*z)
		w := float32(0)
		if ww > 0 {
			w = float32(math.Sqrt(ww))
		}

		pkt := wire.OrientationPacket{
			Timestamp: f.timestamp(),
			W:         w,
			X:         x,
			Y:         y,
			Z:         z,
		}

		if f.opts.Sink != nil {
			f.opts.Sink.HandleSample(address, logicalID, pkt)
		}
		_ = f.opts.Broadcaster.Send(broadcast.Orientation{Address: address, Packet: pkt}, broadcast.Filter{})
	}
}

// timestamp returns milliseconds since the session reference, or absolute
// host milliseconds outside a session.
func (f *Fleet) timestamp() uint32 {
	f.mu.Lock()
	ref := f.reference
	f.mu.Unlock()
	if ref.IsZero() {
		return uint32(time.Now().UnixMilli())
	}
	return uint32(time.Since(ref) / time.Millisecond)
}

// ----------------------------
// Background poll
// ----------------------------

// pollLoop queries firmware state and battery on every connected device.
// Suppressed while the fleet is busy; a change notification is emitted only
// when the polled value actually changed.
func (f *Fleet) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch f.opts.Store.GlobalState() {
		case state.GlobalStreaming, state.GlobalSyncing, state.GlobalLocating, state.GlobalConnecting:
			continue
		}

		for _, addr := range f.connectedAddrs() {
			f.pollDevice(ctx, addr)
		}
	}
}

func (f *Fleet) pollDevice(ctx context.Context, address string) {
	pr := f.peerFor(address)
	if pr == nil {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, f.opts.PreflightTimeout)
	op, err := pr.QueryOpState(qctx)
	cancel()
	if err != nil {
		f.log.WithError(err).WithField("address", address).Debug("State poll failed")
		return
	}

	changed, err := f.opts.Store.SetOpState(address, op)
	if err != nil {
		return
	}
	if changed {
		f.broadcastStatus(address)
	}

	if pct, berr := pr.ReadBattery(); berr == nil {
		rec, ok := f.opts.Store.Device(address)
		if ok && rec.Battery != pct {
			_ = f.opts.Store.SetBattery(address, pct)
			_ = f.opts.Broadcaster.Send(broadcast.Battery{
				Address:   address,
				Timestamp: f.timestamp(),
				Percent:   pct,
			}, broadcast.Filter{})
		}
	}
}

func (f *Fleet) broadcastStatus(address string) {
	rec, ok := f.opts.Store.Device(address)
	if !ok {
		return
	}
	_ = f.opts.Broadcaster.Send(broadcast.DeviceStatus{
		Address:   address,
		Timestamp: f.timestamp(),
		Record:    rec,
	}, broadcast.Filter{})
}

// ----------------------------
// Helpers / shutdown
// ----------------------------

func (f *Fleet) peerFor(address string) transport.Peripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.peers[address]; ok {
		return pr.p
	}
	return nil
}

func (f *Fleet) connectedAddrs() []string {
	var out []string
	for _, rec := range f.opts.Store.List() {
		if rec.State == state.Connected || rec.State == state.Streaming {
			out = append(out, rec.Address)
		}
	}
	return out
}

// Close shuts everything down: polling, bursts, reconnect timers, the queue,
// every live connection. Best effort; failures are logged and Close never
// propagates them.
func (f *Fleet) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.locateTimer != nil {
		f.locateTimer.Stop()
		f.locateTimer = nil
	}
	peers := make(map[string]*peer, len(f.peers))
	for addr, pr := range f.peers {
		peers[addr] = pr
	}
	f.peers = make(map[string]*peer)
	f.mu.Unlock()

	f.cancel()
	f.opts.Scanner.Close()
	if f.opts.Reconnector != nil {
		f.opts.Reconnector.Close()
	}
	f.opts.Queue.Clear()

	for addr, pr := range peers {
		pr.cancel()
		_ = f.opts.Store.TransitionCause(addr, state.Disconnected, state.CauseManual)
		if err := pr.p.Disconnect(); err != nil {
			f.log.WithError(err).WithField("address", addr).Warn("Disconnect during shutdown failed")
		}
	}

	if err := f.opts.Broadcaster.Close(); err != nil {
		f.log.WithError(err).Warn("Broadcaster close failed")
	}
	f.log.Info("Fleet shut down")
}
