// Package reconnect recovers devices that drop unexpectedly: a per-address
// exponential-backoff retry loop with a fast path through the last known
// advertisement and a slow path that rescans for the device, giving up and
// evicting the record after a bounded number of attempts.
package reconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/tropx/fleet/internal/connqueue"
	"github.com/tropx/fleet/internal/scanner"
	"github.com/tropx/fleet/internal/state"
	"github.com/tropx/fleet/internal/transport"
)

// Options carries the backoff tuning.
type Options struct {
	// BaseDelay is the attempt-0 delay; attempt n waits BaseDelay * 2^n.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// MaxAttempts bounds consecutive failures before the device record is
	// evicted.
	MaxAttempts int
	// RescanTimeout bounds the slow-path targeted rescan.
	RescanTimeout time.Duration
	// HandleTTL bounds how long a cached advertisement counts as fresh for
	// the fast path.
	HandleTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.BaseDelay == 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 15 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.RescanTimeout == 0 {
		o.RescanTimeout = 2 * time.Second
	}
	if o.HandleTTL == 0 {
		o.HandleTTL = 30 * time.Second
	}
}

type entry struct {
	attempts int
	timer    *time.Timer
	gen      uint64
}

// Manager watches the state store for unexpected drops. It is safe for
// concurrent use; attempts for the same address are never concurrent.
type Manager struct {
	store *state.Store
	queue *connqueue.Queue
	sched *scanner.Scheduler
	tr    transport.Transport
	opts  Options
	log   *logrus.Logger

	// Last known advertisement per address; expiry makes a stale handle
	// fall through to the slow path.
	handles *gocache.Cache

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a manager and subscribes it to the store. Callers must Close
// it.
func New(store *state.Store, queue *connqueue.Queue, sched *scanner.Scheduler, tr transport.Transport, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   store,
		queue:   queue,
		sched:   sched,
		tr:      tr,
		opts:    opts,
		log:     logger,
		handles: gocache.New(opts.HandleTTL, 2*opts.HandleTTL),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}

	store.Subscribe(m.onChange)
	return m
}

// CacheHandle records a fresh advertisement for the fast path.
func (m *Manager) CacheHandle(adv transport.Advertisement) {
	m.handles.Set(adv.Address, adv, gocache.DefaultExpiration)
}

// Attempts reports the current consecutive-failure count for an address.
func (m *Manager) Attempts(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[address]; ok {
		return e.attempts
	}
	return 0
}

// onChange reacts to store changes. It only queues work; the store notifies
// synchronously and must not be blocked.
func (m *Manager) onChange(ch state.Change) {
	switch {
	case ch.Removed:
		m.clear(ch.Address)

	case ch.To == state.Discovered:
		m.CacheHandle(transport.Advertisement{
			Address: ch.Address,
			Name:    ch.Record.Name,
			RSSI:    ch.Record.RSSI,
		})

	case ch.Cause == state.CauseManual,
		ch.To == state.Connected,
		ch.To == state.Streaming:
		// A legitimate external state change wipes retry history: a later
		// new disconnect starts counting from zero.
		m.clear(ch.Address)

	case ch.Cause == state.CauseObserved &&
		(ch.From == state.Connected || ch.From == state.Streaming) &&
		(ch.To == state.Disconnected || ch.To == state.Failed):
		m.log.WithFields(logrus.Fields{
			"address": ch.Address,
			"from":    ch.From,
		}).Warn("Unexpected disconnect, scheduling reconnection")
		m.schedule(ch.Address, 0)
	}
}

func (m *Manager) clear(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[address]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++ // invalidate an attempt already past its timer
		delete(m.entries, address)
	}
}

// schedule plans attempt n+1 after the backoff delay, or evicts the device
// once the attempt budget is spent.
func (m *Manager) schedule(address string, n int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if n >= m.opts.MaxAttempts {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"address":  address,
			"attempts": n,
		}).Error("Reconnection budget exhausted, evicting device")
		m.clear(address)
		m.store.Remove(address)
		return
	}

	delay := m.opts.BaseDelay << uint(n)
	if delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}

	e, ok := m.entries[address]
	if !ok {
		e = &entry{}
		m.entries[address] = e
	}
	if e.timer != nil {
		// A new schedule replaces any pending timer for the address.
		e.timer.Stop()
	}
	e.attempts = n
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(delay, func() { m.attempt(address, n+1, gen) })
	m.mu.Unlock()

	_ = m.store.SetReconnectMeta(address, n, time.Now().Add(delay))
	if err := m.store.Transition(address, state.Reconnecting); err != nil {
		m.log.WithError(err).WithField("address", address).Debug("Reconnecting transition rejected")
	}

	m.log.WithFields(logrus.Fields{
		"address": address,
		"attempt": n,
		"delay":   delay.String(),
	}).Info("Scheduled reconnection attempt")
}

// valid reports whether the attempt generation is still the current one for
// the address.
func (m *Manager) valid(address string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[address]
	return ok && e.gen == gen && !m.closed
}

// attempt runs one reconnection attempt.
func (m *Manager) attempt(address string, n int, gen uint64) {
	if !m.valid(address, gen) {
		return
	}

	err := m.connectOnce(address)
	if err == nil {
		m.log.WithFields(logrus.Fields{
			"address": address,
			"attempt": n,
		}).Info("Reconnected")
		// The Connected change already cleared the entry; the metadata is
		// wiped here in case the confirmation raced the notification.
		_ = m.store.ClearReconnectMeta(address)
		return
	}

	m.log.WithFields(logrus.Fields{
		"address": address,
		"attempt": n,
		"error":   err,
	}).Warn("Reconnection attempt failed")

	// A legitimate state change (manual disconnect, external connect) while
	// the attempt was in flight cleared the entry; rescheduling would chase a
	// device the user let go of.
	if !m.valid(address, gen) {
		return
	}
	m.schedule(address, n)
}

// connectOnce is one attempt: the fast path through the cached handle, and on
// fast-path failure a targeted rescan plus one retry within the same attempt,
// so a stale handle does not burn a whole backoff cycle.
func (m *Manager) connectOnce(address string) error {
	if _, fresh := m.handles.Get(address); fresh {
		err := m.queue.Enqueue(m.ctx, address)
		if err == nil {
			return nil
		}
		m.handles.Delete(address)
		m.log.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Debug("Fast-path reconnect failed, rescanning")
	}

	if err := m.rescan(address); err != nil {
		return err
	}
	return m.queue.Enqueue(m.ctx, address)
}

// rescan is the slow path: a short targeted scan for one address to obtain
// a fresh handle.
func (m *Manager) rescan(address string) error {
	// The burst scheduler owns the scan slot; make sure it is free.
	m.sched.StopScan(false)

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.RescanTimeout)
	defer cancel()

	found := make(chan transport.Advertisement, 1)
	err := m.tr.ScanStart(ctx, func(adv transport.Advertisement) {
		if adv.Address == address {
			select {
			case found <- adv:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("targeted rescan for %s: %w", address, transport.NormalizeError(err))
	}
	defer func() { _ = m.tr.ScanStop() }()

	select {
	case adv := <-found:
		m.CacheHandle(adv)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("device %s not found within %s", address, m.opts.RescanTimeout)
	}
}

// Close cancels every pending timer; no attempt fires afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for addr, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		delete(m.entries, addr)
	}
	m.mu.Unlock()
	m.cancel()
}
