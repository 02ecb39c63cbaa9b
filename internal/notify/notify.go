// Package notify carries fire-and-forget change events to the downstream
// world-model consumer. The write path never waits on it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
)

// EventType names a record change.
type EventType string

const (
	EventWritten    EventType = "written"
	EventUpdated    EventType = "updated"
	EventDeleted    EventType = "deleted"
	EventCompounded EventType = "compounded"
	EventSwept      EventType = "swept"
)

// Event is one change notification.
type Event struct {
	Type     EventType  `json:"type"`
	RecordID string     `json:"record_id,omitempty"`
	Tier     model.Tier `json:"tier,omitempty"`
	GroupID  string     `json:"group_id,omitempty"`
	OwnerID  string     `json:"owner_id,omitempty"`
	Kind     model.Kind `json:"kind,omitempty"`
	Count    int        `json:"count,omitempty"`
	At       time.Time  `json:"at"`
}

// Sink delivers events to the consumer.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Publisher queues events on a buffered channel and delivers them from a
// single goroutine. A full queue drops the event.
type Publisher struct {
	sink    Sink
	queue   chan Event
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures the publisher.
type Option func(*Publisher)

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithSendTimeout bounds each delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// NewPublisher creates a publisher. Call Start to begin delivery.
func NewPublisher(sink Sink, buffer int, opts ...Option) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		sink:    sink,
		queue:   make(chan Event, buffer),
		logger:  slog.Default(),
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish enqueues e without blocking. It reports whether e was queued.
func (p *Publisher) Publish(e Event) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- e:
		return true
	default:
		metrics.NotifyEvents.WithLabelValues("dropped").Inc()
		p.logger.Warn("notify queue full, dropping event", "type", e.Type, "record_id", e.RecordID)
		return false
	}
}

// Start runs the delivery loop until Close.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		go p.loop()
	})
}

func (p *Publisher) loop() {
	defer close(p.done)
	for e := range p.queue {
		p.deliver(e)
	}
}

func (p *Publisher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.sink.Send(ctx, e); err != nil {
		metrics.NotifyEvents.WithLabelValues("failed").Inc()
		p.logger.Warn("notify delivery failed", "type", e.Type, "record_id", e.RecordID, "error", err)
		return
	}
	metrics.NotifyEvents.WithLabelValues("sent").Inc()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.Start()
		<-p.done
	})
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Send logs e at info level.
func (s LogSink) Send(_ context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("memory event", "type", e.Type, "record_id", e.RecordID, "tier", e.Tier, "count", e.Count)
	return nil
}
