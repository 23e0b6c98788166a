package state

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Store owns the device records and the fleet state. It is safe for
// concurrent use. Subscribers are notified synchronously, in registration
// order, outside the store lock, so a callback may submit follow-on
// transition requests without deadlocking; it must not block.
type Store struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, *Record]
	global  GlobalState

	subMu sync.RWMutex
	subs  []func(Change)

	logger *logrus.Logger
}

// NewStore creates an empty store in the idle fleet state.
func NewStore(logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		devices: orderedmap.New[string, *Record](),
		global:  GlobalIdle,
		logger:  logger,
	}
}

// Subscribe registers a change handler. Handlers run synchronously on the
// goroutine that caused the change and must only queue follow-on work.
func (s *Store) Subscribe(fn func(Change)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(ch Change) {
	s.subMu.RLock()
	subs := make([]func(Change), len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(ch)
	}
}

// snapshot deep-copies a record so callers cannot reach back into the store.
func snapshot(r *Record) Record {
	out := *r
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.Reconnect != nil {
		m := *r.Reconnect
		out.Reconnect = &m
	}
	return out
}

// Register records a discovered device, or refreshes RSSI and last-seen for
// a known one. Re-discovery never regresses an active session: a device in
// Connecting, Connected or Streaming keeps its state. Returns the snapshot
// and whether the address was already known.
func (s *Store) Register(address, name string, rssi int) (Record, bool) {
	s.mu.Lock()

	rec, known := s.devices.Get(address)
	if known {
		rec.RSSI = rssi
		rec.LastSeen = time.Now()
		if name != "" {
			rec.Name = name
		}
		var ch *Change
		if rec.State == Disconnected || rec.State == Failed {
			from := rec.State
			rec.State = Discovered
			rec.Error = nil
			c := Change{Address: address, From: from, To: Discovered, Cause: CauseObserved, Record: snapshot(rec)}
			ch = &c
		}
		out := snapshot(rec)
		s.mu.Unlock()
		if ch != nil {
			s.notify(*ch)
		}
		return out, true
	}

	rec = &Record{
		Address:  address,
		Name:     name,
		RSSI:     rssi,
		Battery:  -1,
		LastSeen: time.Now(),
		State:    Discovered,
		Sync:     SyncNone,
	}
	s.devices.Set(address, rec)
	out := snapshot(rec)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"name":    name,
		"rssi":    rssi,
	}).Info("Registered new device")

	s.notify(Change{Address: address, From: Disconnected, To: Discovered, Cause: CauseObserved, Record: out})
	return out, false
}

// Transition requests a state change, validated against the legal table.
// A same-state request is an accepted no-op. Illegal requests return a
// *TransitionError and leave the record untouched.
func (s *Store) Transition(address string, to ConnectionState) error {
	return s.TransitionCause(address, to, CauseObserved)
}

// TransitionCause is Transition with an explicit cause, so a manual
// disconnect can be told apart from an unexpected drop.
func (s *Store) TransitionCause(address string, to ConnectionState, cause Cause) error {
	s.mu.Lock()

	rec, ok := s.devices.Get(address)
	if !ok {
		s.mu.Unlock()
		return &UnknownDeviceError{Address: address}
	}

	from := rec.State
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !transitionLegal(from, to) {
		s.mu.Unlock()
		return &TransitionError{Address: address, From: from, To: to}
	}

	rec.State = to
	rec.LastSeen = time.Now()
	if to != Failed {
		rec.Error = nil
	}
	if to != Reconnecting {
		rec.Reconnect = nil
	}
	out := snapshot(rec)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"from":    from,
		"to":      to,
		"cause":   cause,
	}).Debug("Device state transition")

	s.notify(Change{Address: address, From: from, To: to, Cause: cause, Record: out})
	return nil
}

// TransitionToError moves a device to the error state with attached detail.
func (s *Store) TransitionToError(address, kind, message string) error {
	s.mu.Lock()

	rec, ok := s.devices.Get(address)
	if !ok {
		s.mu.Unlock()
		return &UnknownDeviceError{Address: address}
	}

	from := rec.State
	if from != Failed && !transitionLegal(from, Failed) {
		s.mu.Unlock()
		return &TransitionError{Address: address, From: from, To: Failed}
	}

	rec.State = Failed
	rec.Error = &ErrorInfo{Kind: kind, Message: message}
	rec.LastSeen = time.Now()
	out := snapshot(rec)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"kind":    kind,
		"message": message,
	}).Warn("Device entered error state")

	s.notify(Change{Address: address, From: from, To: Failed, Cause: CauseObserved, Record: out})
	return nil
}

// SetLogicalID attaches the registry-assigned identity.
func (s *Store) SetLogicalID(address, logicalID string) error {
	return s.update(address, func(r *Record) { r.LogicalID = logicalID })
}

// SetBattery records the latest battery percentage.
func (s *Store) SetBattery(address string, percent int) error {
	return s.update(address, func(r *Record) { r.Battery = percent })
}

// SetClockSync stores the time-sync collaborator's result.
func (s *Store) SetClockSync(address string, offsetMs int64, sync SyncState) error {
	return s.update(address, func(r *Record) {
		r.ClockOffsetMs = offsetMs
		r.Sync = sync
	})
}

// SetOpState records the last polled firmware operating state and reports
// whether the value changed since the previous poll.
func (s *Store) SetOpState(address string, op byte) (bool, error) {
	changed := false
	err := s.update(address, func(r *Record) {
		changed = !r.HasOpState || r.OpState != op
		r.OpState = op
		r.HasOpState = true
		r.LastSeen = time.Now()
	})
	return changed, err
}

// SetReconnectMeta records the retry bookkeeping shown on the device record.
func (s *Store) SetReconnectMeta(address string, attempts int, next time.Time) error {
	return s.update(address, func(r *Record) {
		r.Reconnect = &ReconnectMeta{Attempts: attempts, NextAttemptAt: next}
	})
}

// ClearReconnectMeta drops the retry bookkeeping.
func (s *Store) ClearReconnectMeta(address string) error {
	return s.update(address, func(r *Record) { r.Reconnect = nil })
}

func (s *Store) update(address string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices.Get(address)
	if !ok {
		return &UnknownDeviceError{Address: address}
	}
	fn(rec)
	return nil
}

// Remove deletes a device record entirely. Subscribers receive a removal
// change so dependent components can drop per-address resources.
func (s *Store) Remove(address string) bool {
	s.mu.Lock()
	rec, ok := s.devices.Get(address)
	if !ok {
		s.mu.Unlock()
		return false
	}
	out := snapshot(rec)
	s.devices.Delete(address)
	s.mu.Unlock()

	s.logger.WithField("address", address).Info("Removed device record")
	s.notify(Change{Address: address, From: out.State, To: Disconnected, Cause: CauseManual, Removed: true, Record: out})
	return true
}

// Device returns a snapshot of one record.
func (s *Store) Device(address string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices.Get(address)
	if !ok {
		return Record{}, false
	}
	return snapshot(rec), true
}

// List returns snapshots of every record in registration order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, snapshot(pair.Value))
	}
	return out
}

// ListByState returns snapshots of records currently in st, in registration
// order.
func (s *Store) ListByState(st ConnectionState) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.State == st {
			out = append(out, snapshot(pair.Value))
		}
	}
	return out
}

// SetGlobalState switches the fleet-wide mode.
func (s *Store) SetGlobalState(g GlobalState) {
	s.mu.Lock()
	prev := s.global
	s.global = g
	s.mu.Unlock()

	if prev != g {
		s.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   g,
		}).Info("Fleet state changed")
	}
}

// GlobalState returns the current fleet-wide mode.
func (s *Store) GlobalState() GlobalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}
