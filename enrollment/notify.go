package enrollment

import (
	"context"
	"time"
)

// EventKind names a lifecycle event sent to the notification trigger.
type EventKind string

const (
	// EventJoined goes to the owner when a participant joins or requests to join.
	EventJoined EventKind = "joined"
	// EventApproved goes to the participant when the owner approves.
	EventApproved EventKind = "approved"
	// EventRejected goes to the participant when the owner rejects.
	EventRejected EventKind = "rejected"
	// EventCancelled goes to the other side when a participation is cancelled.
	EventCancelled EventKind = "cancelled"
	// EventFilled goes to the owner when the last slot is taken.
	EventFilled EventKind = "filled"
)

// Event is emitted after the transition that caused it has committed.
type Event struct {
	Kind          EventKind
	RecipientID   ParticipantID
	ListingID     ListingID
	ParticipantID ParticipantID
	At            time.Time
}

// Notifier receives lifecycle events. Implementations must not block the
// caller on delivery; an error only means the event was not accepted and
// is logged by the engine.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

// Observer receives one call per engine operation. outcome is "ok" or the
// error's Code.
type Observer interface {
	ObserveOperation(op string, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
