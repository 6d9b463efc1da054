/*
dispatcher.go - Asynchronous notification dispatch

PURPOSE:
  Implements enrollment.Notifier without ever blocking the engine. Events
  go into a bounded queue; a fixed pool of workers hands them to a Sink.

QUEUE FULL:
  Notify never waits. When the queue is full the event is dropped, counted
  and ErrQueueFull is returned (the engine logs it and moves on). The
  transition that produced the event has already committed.

SHUTDOWN:
  Close stops accepting events, lets the workers drain what is queued,
  and returns once they exit or ctx is done.

EXAMPLE:
  d := notify.NewDispatcher(notify.Fanout(notify.NewLogSink(logger), inbox),
      notify.WithQueueSize(1024), notify.WithWorkers(4))
  defer d.Close(ctx)

  engine := enrollment.NewEngine(store, enrollment.WithNotifier(d))

SEE ALSO:
  - sinks.go: Sink implementations
  - enrollment/notify.go: Notifier contract
*/
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/enrollment-engine/enrollment"
)

var (
	// ErrQueueFull is returned by Notify when the event was dropped.
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Delivery outcomes reported to the Observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// Observer is told the outcome of every event the dispatcher saw.
type Observer interface {
	ObserveDelivery(kind enrollment.EventKind, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveDelivery(enrollment.EventKind, string) {}

// Dispatcher is an enrollment.Notifier backed by a worker pool.
type Dispatcher struct {
	sink     Sink
	queue    chan enrollment.Event
	workers  int
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan enrollment.Event, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRetry makes each delivery try up to attempts times, sleeping backoff
// between tries.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
			d.backoff = backoff
		}
	}
}

// WithDeliveryTimeout bounds a single Sink.Deliver call.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// NewDispatcher starts the workers immediately.
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		queue:    make(chan enrollment.Event, 256),
		workers:  2,
		attempts: 1,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify enqueues ev without blocking.
func (d *Dispatcher) Notify(_ context.Context, ev enrollment.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- ev:
		return nil
	default:
		d.observer.ObserveDelivery(ev.Kind, OutcomeDropped)
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued events to be delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev enrollment.Event) {
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err = d.sink.Deliver(ctx, ev)
		cancel()
		if err == nil {
			d.observer.ObserveDelivery(ev.Kind, OutcomeDelivered)
			return
		}
		if attempt < d.attempts && d.backoff > 0 {
			time.Sleep(d.backoff)
		}
	}

	d.observer.ObserveDelivery(ev.Kind, OutcomeFailed)
	d.logger.Warn("notification delivery failed",
		"kind", ev.Kind,
		"recipient_id", ev.RecipientID,
		"listing_id", ev.ListingID,
		"attempts", d.attempts,
		"error", err)
}
