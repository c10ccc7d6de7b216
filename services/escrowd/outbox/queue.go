// Package outbox fans committed escrow events out to message brokers through
// a bounded in-memory queue.
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"skillchain/services/escrowd/journal"
)

// Message is a broker-ready event.
type Message struct {
	Sequence int64
	Type     string
	EscrowID uint64
	Payload  []byte
}

// FromEntry encodes a journal entry as a message. The payload is the JSON
// form of the entry.
func FromEntry(entry journal.Entry) (Message, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return Message{}, err
	}
	return Message{Sequence: entry.Sequence, Type: entry.Type, EscrowID: entry.EscrowID, Payload: payload}, nil
}

type queuedMessage struct {
	msg        Message
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultCapacity = 1024
	defaultQueueTTL = 15 * time.Minute
)

// WithCapacity sets the maximum number of pending messages.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued messages remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue holds messages prior to publication. On overflow the oldest message
// is dropped.
type Queue struct {
	mu      sync.Mutex
	pending queueRing[queuedMessage]
	ttl     time.Duration
	now     func() time.Time
	ready   chan struct{}
	metrics *queueMetrics
}

func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{capacity: defaultCapacity, ttl: defaultQueueTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		pending: newQueueRing[queuedMessage](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		ready:   make(chan struct{}, 1),
		metrics: sharedMetrics(),
	}
}

// Enqueue adds a message to the queue.
func (q *Queue) Enqueue(msg Message) {
	now := q.now()
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if _, dropped := q.pending.push(queuedMessage{msg: msg, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// EnqueueEntry encodes and enqueues a journal entry; it is the journal sink
// subscriber.
func (q *Queue) EnqueueEntry(entry journal.Entry) {
	msg, err := FromEntry(entry)
	if err != nil {
		q.metrics.recordDropped("encode", 1)
		return
	}
	q.Enqueue(msg)
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	return q.pending.size
}

// Dequeue waits for the next message. Returns false if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.pending.pop()
		q.mu.Unlock()
		if ok {
			return queued.msg, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.ready:
		}
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.pending.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.pending.pop()
		expired++
	}
	q.metrics.recordDropped("ttl", expired)
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 || len(r.buf) == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

var (
	metricsOnce    sync.Once
	sharedRegistry *queueMetrics
)

type queueMetrics struct {
	dropped   metric.Int64Counter
	published metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("skillchain/escrowd/outbox")
		dropped, err := meter.Int64Counter("skillchain.escrow.outbox.dropped")
		if err != nil {
			dropped, _ = noop.NewMeterProvider().Meter("skillchain/escrowd/outbox").Int64Counter("skillchain.escrow.outbox.dropped")
		}
		published, err := meter.Int64Counter("skillchain.escrow.outbox.published")
		if err != nil {
			published, _ = noop.NewMeterProvider().Meter("skillchain/escrowd/outbox").Int64Counter("skillchain.escrow.outbox.published")
		}
		sharedRegistry = &queueMetrics{dropped: dropped, published: published}
	})
	return sharedRegistry
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *queueMetrics) recordPublished(ctx context.Context, publisher, outcome string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("publisher", publisher),
		attribute.String("outcome", outcome),
	))
}
