package retrieval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
)

// TouchStore persists batched access counts.
type TouchStore interface {
	Touch(ctx context.Context, tier model.Tier, counts map[string]int, at time.Time) error
}

type touch struct {
	tier model.Tier
	id   string
}

// AccessTracker records reads off the request path. Touch never blocks: a
// full queue drops the update. A single goroutine batches queued touches
// into one store write per tier.
type AccessTracker struct {
	store    TouchStore
	queue    chan touch
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// TrackerOption configures the tracker.
type TrackerOption func(*AccessTracker)

// WithTrackerLogger sets the tracker's logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(a *AccessTracker) { a.logger = logger }
}

// WithTrackerClock sets the time stamped on touches.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(a *AccessTracker) { a.now = now }
}

// WithFlushInterval sets how long touches may wait before being written.
func WithFlushInterval(d time.Duration) TrackerOption {
	return func(a *AccessTracker) { a.interval = d }
}

// NewAccessTracker creates a tracker with a queue of the given size.
func NewAccessTracker(st TouchStore, queue int, opts ...TrackerOption) *AccessTracker {
	if queue <= 0 {
		queue = 1024
	}
	a := &AccessTracker{
		store:    st,
		queue:    make(chan touch, queue),
		interval: time.Second,
		batch:    256,
		logger:   slog.Default(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Touch enqueues an access.
func (a *AccessTracker) Touch(tier model.Tier, id string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- touch{tier: tier, id: id}:
	default:
		metrics.DroppedTouches.Inc()
	}
}

// Start launches the batching goroutine.
func (a *AccessTracker) Start() {
	a.startOnce.Do(func() { go a.loop() })
}

func (a *AccessTracker) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	pending := make(map[model.Tier]map[string]int)
	n := 0
	flush := func() {
		if n == 0 {
			return
		}
		at := a.now().UTC()
		for tier, counts := range pending {
			if err := a.store.Touch(context.Background(), tier, counts, at); err != nil {
				a.logger.Warn("access update failed", "tier", tier, "records", len(counts), "error", err)
			}
		}
		pending = make(map[model.Tier]map[string]int)
		n = 0
	}

	for {
		select {
		case t, ok := <-a.queue:
			if !ok {
				flush()
				return
			}
			if pending[t.tier] == nil {
				pending[t.tier] = make(map[string]int)
			}
			pending[t.tier][t.id]++
			n++
			if n >= a.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops accepting touches and writes what is queued.
func (a *AccessTracker) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		a.Start()
		<-a.done
	})
}
