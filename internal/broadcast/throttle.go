package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tropx/fleet/internal/groutine"
)

// Throttler limits the outbound rate by coalescing: bursts for the same
// (kind, key) slot collapse to the newest value, flushed on the next tick.
// Nothing is silently dropped; a slower consumer simply sees fewer
// intermediate values.
type Throttler struct {
	next   Broadcaster
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[string]pendingMsg
	closed  bool

	cancel context.CancelFunc
}

type pendingMsg struct {
	msg    Message
	filter Filter
}

// NewThrottler wraps next with a coalescing flusher at the given rate
// (flushes per second; 0 means 10).
func NewThrottler(next Broadcaster, ratePerSec int, logger *logrus.Logger) *Throttler {
	if logger == nil {
		logger = logrus.New()
	}
	if ratePerSec <= 0 {
		ratePerSec = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Throttler{
		next:    next,
		logger:  logger,
		pending: make(map[string]pendingMsg),
		cancel:  cancel,
	}

	interval := time.Second / time.Duration(ratePerSec)
	groutine.Go(ctx, "broadcast-flusher", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.flush()
			}
		}
	})

	return t
}

// Send stages a message for the next flush.
func (t *Throttler) Send(msg Message, f Filter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.pending[string(msg.Kind())+"/"+msg.Key()] = pendingMsg{msg: msg, filter: f}
	return nil
}

func (t *Throttler) flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = make(map[string]pendingMsg)
	t.mu.Unlock()

	for _, p := range batch {
		if err := t.next.Send(p.msg, p.filter); err != nil {
			t.logger.WithFields(logrus.Fields{
				"kind":  p.msg.Kind(),
				"key":   p.msg.Key(),
				"error": err,
			}).Warn("Failed to broadcast message")
		}
	}
}

// Close flushes once more and stops the flusher.
func (t *Throttler) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.flush()
	return t.next.Close()
}
