// Package connqueue serializes connection attempts. The radio stack supports
// exactly one in-flight connection attempt; concurrent attempts corrupt it.
// The queue guarantees at most one active attempt at any time, FIFO order,
// and does not resolve a request until the device's state is independently
// confirmed connected by the state store, not merely when the low-level
// connect call returns.
package connqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tropx/fleet/internal/groutine"
	"github.com/tropx/fleet/internal/state"
)

// ConnectFunc performs the low-level connect for one address: dial, discover
// characteristics, subscribe, and request the Connected transition.
type ConnectFunc func(ctx context.Context, address string) error

// ErrNoHandler is returned when no connect handler has been configured.
var ErrNoHandler = fmt.Errorf("no connect handler configured")

// ErrCleared resolves every request still pending when the queue is cleared.
var ErrCleared = fmt.Errorf("connection queue cleared")

// TimeoutError means the handler returned success but the device never
// reached the confirmed connected state within the bounded wait.
type TimeoutError struct {
	Address string
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device %s did not reach connected state within %s", e.Address, e.Waited)
}

// Options carries the empirically tuned timings. Zero values select the
// defaults.
type Options struct {
	// ConfirmInterval is the state-store polling interval while waiting for
	// the confirmed Connected state.
	ConfirmInterval time.Duration
	// ConfirmTimeout bounds the wait for the confirmed Connected state.
	ConfirmTimeout time.Duration
	// SettleDelay is inserted after every attempt, success or failure, to
	// let the transport stabilize before the next one.
	SettleDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.ConfirmInterval == 0 {
		o.ConfirmInterval = 200 * time.Millisecond
	}
	if o.ConfirmTimeout == 0 {
		o.ConfirmTimeout = 10 * time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 200 * time.Millisecond
	}
}

type request struct {
	address   string
	createdAt time.Time
	done      chan error
}

// Queue is safe for concurrent use.
type Queue struct {
	store   *state.Store
	connect ConnectFunc
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex
	pending []*request
	running bool
}

// New creates a queue. connect may be nil; enqueues then fail with
// ErrNoHandler until SetConnectFunc is called.
func New(store *state.Store, connect ConnectFunc, opts Options, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()
	return &Queue{
		store:   store,
		connect: connect,
		opts:    opts,
		logger:  logger,
	}
}

// SetConnectFunc installs the connect handler.
func (q *Queue) SetConnectFunc(fn ConnectFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connect = fn
}

// Enqueue submits a connection attempt for address and blocks until it
// resolves or ctx is done. The attempt itself is serialized with every other
// attempt in FIFO order.
func (q *Queue) Enqueue(ctx context.Context, address string) error {
	q.mu.Lock()
	if q.connect == nil {
		q.mu.Unlock()
		return ErrNoHandler
	}

	req := &request{
		address:   address,
		createdAt: time.Now(),
		done:      make(chan error, 1),
	}
	q.pending = append(q.pending, req)
	q.logger.WithFields(logrus.Fields{
		"address": address,
		"pending": len(q.pending),
	}).Debug("Queued connection attempt")

	if !q.running {
		q.running = true
		groutine.Go(context.Background(), "connqueue-processor", q.process)
	}
	q.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of queued, unprocessed requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear rejects every still-pending request and resets the processor state.
// Used at shutdown; an attempt already in flight completes on its own.
func (q *Queue) Clear() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.done <- ErrCleared
	}
	if len(pending) > 0 {
		q.logger.WithField("rejected", len(pending)).Info("Cleared connection queue")
	}
}

// process is the serial processor: one request at a time, settle delay after
// each, exits when the queue drains.
func (q *Queue) process(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		connect := q.connect
		q.mu.Unlock()

		err := q.attempt(ctx, req, connect)
		if err != nil {
			q.logger.WithFields(logrus.Fields{
				"address": req.address,
				"error":   err,
			}).Warn("Connection attempt failed")
		}
		req.done <- err

		// Settle delay on success and failure alike.
		time.Sleep(q.opts.SettleDelay)
	}
}

func (q *Queue) attempt(ctx context.Context, req *request, connect ConnectFunc) (err error) {
	// A panicking handler resolves as a failure, never kills the processor.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect handler panicked for %s: %v", req.address, r)
			_ = q.store.TransitionToError(req.address, "connection_failed", err.Error())
		}
	}()

	if terr := q.store.Transition(req.address, state.Connecting); terr != nil {
		return fmt.Errorf("cannot start connection attempt: %w", terr)
	}

	if err := connect(ctx, req.address); err != nil {
		_ = q.store.TransitionToError(req.address, "connection_failed", err.Error())
		return err
	}

	// The handler returned, but only the store's confirmed state counts:
	// poll until the device reaches Connected or Streaming.
	deadline := time.Now().Add(q.opts.ConfirmTimeout)
	for {
		if rec, ok := q.store.Device(req.address); ok {
			if rec.State == state.Connected || rec.State == state.Streaming {
				q.logger.WithFields(logrus.Fields{
					"address": req.address,
					"elapsed": time.Since(req.createdAt).String(),
				}).Info("Connection confirmed")
				return nil
			}
		}
		if time.Now().After(deadline) {
			terr := &TimeoutError{Address: req.address, Waited: q.opts.ConfirmTimeout}
			_ = q.store.TransitionToError(req.address, "connection_timeout", terr.Error())
			return terr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.opts.ConfirmInterval):
		}
	}
}
