// Package scanner runs discovery in duty-cycled bursts: an active scan
// window, then an idle gap, repeating while burst mode is enabled. Bursts
// are suppressed entirely while the fleet is streaming: the scan/notify
// interaction is unreliable on at least one supported platform and must
// never disturb live subscriptions.
package scanner

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/tropx/fleet/internal/groutine"
	"github.com/tropx/fleet/internal/registry"
	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport"
)

// Options configures the duty cycle and the discovery filters.
type Options struct {
	// ActiveWindow is the duration of one scan burst.
	ActiveWindow time.Duration
	// IdleGap separates the end of one burst from the start of the next.
	IdleGap time.Duration
	// MinRestartInterval decides whether Scan during an active scan returns
	// the current snapshot (younger scan) or restarts it (older scan).
	MinRestartInterval time.Duration
	// RSSIFloor drops advertisements weaker than this.
	RSSIFloor int
	// NamePatterns is the allow-list; empty means the registry default.
	NamePatterns []string
}

func (o *Options) applyDefaults() {
	if o.ActiveWindow == 0 {
		o.ActiveWindow = 8 * time.Second
	}
	if o.IdleGap == 0 {
		o.IdleGap = 15 * time.Second
	}
	if o.MinRestartInterval == 0 {
		o.MinRestartInterval = 3 * time.Second
	}
	if o.RSSIFloor == 0 {
		o.RSSIFloor = -85
	}
	if len(o.NamePatterns) == 0 {
		o.NamePatterns = []string{registry.DefaultNamePattern}
	}
}

// Scheduler owns the transport's scan primitives. It is safe for concurrent
// use.
type Scheduler struct {
	tr     transport.Transport
	store  *state.Store
	opts   Options
	logger *logrus.Logger

	patterns   []*regexp.Regexp
	discovered *hashmap.Map[string, transport.Advertisement]

	mu            sync.Mutex
	scanning      bool
	scanGen       uint64
	scanStartedAt time.Time
	scanCancel    context.CancelFunc
	burstEnabled  bool
	suppressNext  bool
	burstTimer    *time.Timer
	disableTimer  *time.Timer
	closed        bool

	cancelWatch context.CancelFunc
}

// New creates a scheduler and starts watching adapter power events. Callers
// must Close it.
func New(tr transport.Transport, store *state.Store, opts Options, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()

	patterns := make([]*regexp.Regexp, 0, len(opts.NamePatterns))
	for _, p := range opts.NamePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid scan name pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	s := &Scheduler{
		tr:         tr,
		store:      store,
		opts:       opts,
		logger:     logger,
		patterns:   patterns,
		discovered: hashmap.New[string, transport.Advertisement](),
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancelWatch = cancel
	groutine.Go(watchCtx, "scanner-power-watch", s.watchPower)

	return s, nil
}

// Scan runs or reuses a discovery burst and returns a snapshot of the
// registered, currently discoverable devices. Calling it during an active
// scan returns the snapshot if the scan is younger than MinRestartInterval,
// otherwise the scan is restarted for a fresh cycle.
func (s *Scheduler) Scan(ctx context.Context) ([]state.Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("scan scheduler closed")
	}
	if s.scanning {
		if time.Since(s.scanStartedAt) < s.opts.MinRestartInterval {
			s.mu.Unlock()
			return s.snapshot(), nil
		}
		s.stopLocked()
	}
	err := s.startLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// Block for the active window so the caller gets a full burst's worth
	// of discoveries, then hand back the snapshot.
	select {
	case <-ctx.Done():
		s.StopScan(false)
		return s.snapshot(), ctx.Err()
	case <-time.After(s.opts.ActiveWindow):
		return s.snapshot(), nil
	}
}

// startLocked begins one scan burst. Caller holds s.mu.
func (s *Scheduler) startLocked(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ActiveWindow)

	if err := s.tr.ScanStart(scanCtx, s.handleAdvertisement); err != nil {
		cancel()
		return fmt.Errorf("failed to start scan: %w", transport.NormalizeError(err))
	}

	s.scanning = true
	s.scanGen++
	gen := s.scanGen
	s.scanStartedAt = time.Now()
	s.scanCancel = cancel
	if s.store.GlobalState() == state.GlobalIdle {
		s.store.SetGlobalState(state.GlobalScanning)
	}

	s.logger.WithField("window", s.opts.ActiveWindow.String()).Info("Scan burst started")

	// Auto-stop after the active window; scanCtx also times out on its own,
	// this transitions the scheduler state and plans the next burst.
	context.AfterFunc(scanCtx, func() { s.onScanDone(gen) })
	return nil
}

// onScanDone runs when the active window elapses or the scan is cancelled.
// The generation guards against a stale callback from a scan that was
// already replaced by a restart.
func (s *Scheduler) onScanDone(gen uint64) {
	s.mu.Lock()
	if !s.scanning || s.scanGen != gen {
		s.mu.Unlock()
		return
	}
	s.scanning = false
	s.scanCancel = nil
	_ = s.tr.ScanStop()

	if s.store.GlobalState() == state.GlobalScanning {
		s.store.SetGlobalState(state.GlobalIdle)
	}

	schedule := s.burstEnabled && !s.suppressNext && !s.closed &&
		s.store.GlobalState() != state.GlobalStreaming
	s.suppressNext = false
	if schedule {
		s.scheduleBurstLocked(s.opts.IdleGap)
	}
	s.mu.Unlock()

	s.logger.WithField("next_burst", schedule).Debug("Scan burst finished")
}

// scheduleBurstLocked plans the next burst after delay. Caller holds s.mu.
func (s *Scheduler) scheduleBurstLocked(delay time.Duration) {
	if s.burstTimer != nil {
		s.burstTimer.Stop()
	}
	s.burstTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || !s.burstEnabled || s.scanning {
			return
		}
		if s.store.GlobalState() == state.GlobalStreaming {
			// Never scan concurrently with live notifications.
			return
		}
		if err := s.startLocked(context.Background()); err != nil {
			s.logger.WithError(err).Warn("Failed to start scheduled scan burst")
		}
	})
}

// StopScan cancels the active scan. With suppressNext, the next scheduled
// burst is skipped once.
func (s *Scheduler) StopScan(suppressNext bool) {
	s.mu.Lock()
	s.suppressNext = s.suppressNext || suppressNext
	s.stopLocked()
	s.mu.Unlock()
}

// stopLocked cancels the active scan without touching burst scheduling
// beyond the suppress flag. Caller holds s.mu.
func (s *Scheduler) stopLocked() {
	if s.scanCancel != nil {
		cancel := s.scanCancel
		s.scanCancel = nil
		cancel()
	}
}

// EnableBurst turns the duty cycle on. While the fleet is streaming this
// only records the intent; the first burst runs once streaming stops and
// EnableBurst is invoked again by the orchestrator.
func (s *Scheduler) EnableBurst() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.burstEnabled = true
	if s.scanning || s.store.GlobalState() == state.GlobalStreaming {
		return
	}
	s.scheduleBurstLocked(0)
}

// EnableBurstFor enables the duty cycle and disables it again after d.
func (s *Scheduler) EnableBurstFor(d time.Duration) {
	s.EnableBurst()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disableTimer != nil {
		s.disableTimer.Stop()
	}
	s.disableTimer = time.AfterFunc(d, s.DisableBurst)
}

// DisableBurst turns the duty cycle off and cancels any planned burst. An
// active scan finishes its window.
func (s *Scheduler) DisableBurst() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burstEnabled = false
	if s.burstTimer != nil {
		s.burstTimer.Stop()
		s.burstTimer = nil
	}
}

// BurstEnabled reports whether the duty cycle is on.
func (s *Scheduler) BurstEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.burstEnabled
}

// IsScanning reports whether a scan burst is active.
func (s *Scheduler) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Close stops the active scan, all timers and the power watcher.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.burstEnabled = false
	if s.burstTimer != nil {
		s.burstTimer.Stop()
		s.burstTimer = nil
	}
	if s.disableTimer != nil {
		s.disableTimer.Stop()
		s.disableTimer = nil
	}
	s.stopLocked()
	s.mu.Unlock()

	s.cancelWatch()
}

// handleAdvertisement filters and registers one discovery event. Irrelevant
// BLE traffic is dropped silently.
func (s *Scheduler) handleAdvertisement(adv transport.Advertisement) {
	if adv.RSSI < s.opts.RSSIFloor {
		return
	}
	if !s.nameAllowed(adv.Name) {
		return
	}

	s.discovered.Set(adv.Address, adv)
	s.store.Register(adv.Address, adv.Name, adv.RSSI)
}

func (s *Scheduler) nameAllowed(name string) bool {
	for _, re := range s.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// snapshot returns the store records for every device seen by scanning.
func (s *Scheduler) snapshot() []state.Record {
	var out []state.Record
	s.discovered.Range(func(addr string, _ transport.Advertisement) bool {
		if rec, ok := s.store.Device(addr); ok {
			out = append(out, rec)
		}
		return true
	})
	return out
}

// watchPower pauses scanning on adapter loss and resumes scheduled bursts on
// recovery, unless the fleet is streaming.
func (s *Scheduler) watchPower(ctx context.Context) {
	events := s.tr.PowerEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-events:
			if !ok {
				return
			}
			switch st {
			case transport.PowerOff:
				s.logger.Warn("Adapter powered off, cancelling scan")
				// A burst already armed for the idle gap must not fire on a
				// dead adapter.
				s.mu.Lock()
				if s.burstTimer != nil {
					s.burstTimer.Stop()
					s.burstTimer = nil
				}
				s.mu.Unlock()
				s.StopScan(true)
			case transport.PowerOn:
				s.mu.Lock()
				s.suppressNext = false
				resume := s.burstEnabled && !s.scanning && !s.closed &&
					s.store.GlobalState() != state.GlobalStreaming
				if resume {
					s.scheduleBurstLocked(0)
				}
				s.mu.Unlock()
				if resume {
					s.logger.Info("Adapter powered on, resuming scan bursts")
				}
			}
		}
	}
}
