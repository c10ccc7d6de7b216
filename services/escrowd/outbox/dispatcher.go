package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Dispatcher drains the queue into every publisher. Each publisher gets a
// bounded number of attempts per message; a message that still fails is
// logged and skipped, the journal remains the source of truth.
type Dispatcher struct {
	queue       *Queue
	publishers  []Publisher
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
}

func NewDispatcher(queue *Queue, logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:       queue,
		publishers:  publishers,
		logger:      logger,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		for _, pub := range d.publishers {
			d.deliver(ctx, pub, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, pub Publisher, msg Message) {
	delay := d.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = pub.Publish(ctx, msg); err == nil {
			d.queue.metrics.recordPublished(ctx, pub.Name(), "ok")
			return
		}
		if attempt >= d.maxAttempts || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	d.queue.metrics.recordPublished(ctx, pub.Name(), "error")
	d.logger.Warn("outbox: publish failed",
		slog.String("publisher", pub.Name()),
		slog.Int64("sequence", msg.Sequence),
		slog.String("type", msg.Type),
		slog.Any("error", err))
}

// Close closes every publisher.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, pub := range d.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
