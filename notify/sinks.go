package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/warp/enrollment-engine/enrollment"
)

// Sink delivers one event somewhere. It may block; the Dispatcher calls it
// from a worker.
type Sink interface {
	Deliver(ctx context.Context, ev enrollment.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev enrollment.Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev enrollment.Event) error { return f(ctx, ev) }

// Inbox is a Sink that can also be read back, for in-app delivery.
type Inbox interface {
	Sink
	Recent(ctx context.Context, recipient enrollment.ParticipantID, limit int) ([]enrollment.Event, error)
}

// =============================================================================
// LOG SINK
// =============================================================================

type logSink struct {
	logger *slog.Logger
}

// NewLogSink writes every event as a structured log line.
func NewLogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

func (s *logSink) Deliver(ctx context.Context, ev enrollment.Event) error {
	s.logger.InfoContext(ctx, "notification",
		"kind", ev.Kind,
		"recipient_id", ev.RecipientID,
		"listing_id", ev.ListingID,
		"participant_id", ev.ParticipantID,
		"at", ev.At)
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

type fanout []Sink

// Fanout delivers to every sink and joins their errors. Nil sinks are
// skipped.
func Fanout(sinks ...Sink) Sink {
	return fanout(lo.Filter(sinks, func(s Sink, _ int) bool { return s != nil }))
}

func (f fanout) Deliver(ctx context.Context, ev enrollment.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// MEMORY INBOX
// =============================================================================

// MemoryInbox keeps events per recipient in memory.
type MemoryInbox struct {
	mu     sync.RWMutex
	events map[enrollment.ParticipantID][]enrollment.Event
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{events: make(map[enrollment.ParticipantID][]enrollment.Event)}
}

func (m *MemoryInbox) Deliver(_ context.Context, ev enrollment.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.RecipientID] = append(m.events[ev.RecipientID], ev)
	return nil
}

// Recent returns up to limit events, newest first.
func (m *MemoryInbox) Recent(_ context.Context, recipient enrollment.ParticipantID, limit int) ([]enrollment.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := lo.Reverse(append([]enrollment.Event(nil), m.events[recipient]...))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset drops every stored event.
func (m *MemoryInbox) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[enrollment.ParticipantID][]enrollment.Event)
}
