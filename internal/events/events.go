// Package events carries fire-and-forget side effects (notifications,
// audit fan-out) off the iteration path.
//
// Events are published to subjects:
//   - loopd.{task_id}.iteration.completed
//   - loopd.{task_id}.task.completed
//   - loopd.{task_id}.task.blocked
//   - loopd.{task_id}.task.escalated
//   - loopd.{task_id}.task.halted
//   - loopd.{task_id}.snapshot.persist_failed
//
// A full queue drops the event. Publishing never blocks or fails the caller.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/metrics"
)

// Event types.
const (
	IterationCompleted    = "iteration.completed"
	TaskCompleted         = "task.completed"
	TaskBlocked           = "task.blocked"
	TaskEscalated         = "task.escalated"
	TaskHalted            = "task.halted"
	SnapshotPersistFailed = "snapshot.persist_failed"
)

// SubjectPrefix is the root of every subject.
const SubjectPrefix = "loopd"

// DefaultQueueSize bounds the number of undelivered events.
const DefaultQueueSize = 256

// Event is one side-effect notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	Iteration int            `json:"iteration,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subject returns the NATS subject for the event.
func (e Event) Subject() string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, e.TaskID, e.Type)
}

// Sink delivers encoded events.
type Sink interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes to a NATS connection.
type NATSSink struct {
	Conn *nats.Conn
}

// Publish implements Sink.
func (s NATSSink) Publish(subject string, data []byte) error {
	return s.Conn.Publish(subject, data)
}

// Connect dials NATS with the reconnect policy used by loopd. extra
// options (credentials, TLS) are applied after the defaults.
func Connect(url string, extra ...nats.Option) (*nats.Conn, error) {
	opts := append([]nats.Option{
		nats.Name("loopd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}, extra...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Bus is a buffered, non-blocking event queue drained by one goroutine.
type Bus struct {
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// NewBus starts a bus delivering to sink. A nil sink logs events at debug
// level instead.
func NewBus(sink Sink, opts ...BusOption) *Bus {
	b := &Bus{
		sink:    sink,
		logger:  zap.NewNop(),
		metrics: metrics.Default(),
		queue:   make(chan Event, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.drain()
	return b
}

// Publish enqueues an event. It returns immediately; a full queue or a
// closed bus drops the event.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped(ev, "bus closed")
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped(ev, "queue full")
	}
}

func (b *Bus) dropped(ev Event, why string) {
	b.metrics.EventsDroppedTotal.Inc()
	b.logger.Warn("event dropped",
		zap.String("reason", why),
		zap.String("type", ev.Type),
		zap.String("task.id", ev.TaskID))
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) drain() {
	defer close(b.done)
	for ev := range b.queue {
		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev Event) {
	if b.sink == nil {
		b.logger.Debug("event", zap.String("subject", ev.Subject()), zap.String("id", ev.ID))
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.metrics.EventsPublished.WithLabelValues("error").Inc()
		b.logger.Error("encoding event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := b.sink.Publish(ev.Subject(), data); err != nil {
		b.metrics.EventsPublished.WithLabelValues("error").Inc()
		b.logger.Warn("publishing event", zap.String("subject", ev.Subject()), zap.Error(err))
		return
	}
	b.metrics.EventsPublished.WithLabelValues("ok").Inc()
}
