package journal

import (
	"context"
	"log/slog"
	"time"

	"skillchain/core/events"
)

// Sink journals every emitted event and forwards the stored entry to the
// subscribers. Emission never fails the escrow call that produced the event;
// journal errors are logged.
type Sink struct {
	journal     *Journal
	logger      *slog.Logger
	subscribers []func(Entry)
	timeout     time.Duration
}

func NewSink(j *Journal, logger *slog.Logger, subscribers ...func(Entry)) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{journal: j, logger: logger, subscribers: subscribers, timeout: 5 * time.Second}
}

var _ events.Emitter = (*Sink)(nil)

// Emit implements events.Emitter.
func (s *Sink) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		s.logger.Warn("journal: event without payload", slog.String("type", evt.EventType()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	entry, err := s.journal.Append(ctx, payload.Event())
	if err != nil {
		s.logger.Error("journal: append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
		return
	}
	for _, sub := range s.subscribers {
		sub(entry)
	}
}
