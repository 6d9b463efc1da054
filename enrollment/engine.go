/*
engine.go - Enrollment engine orchestration

PURPOSE:
  The only entry point callers use. Composes the capacity ledger and the
  participation state machine into atomic operations:

    Join             participant joins or requests to join
    Cancel           participant withdraws a request or leaves
    Remove           owner removes an approved participant
    Decide           owner approves or rejects a pending request
    ListParticipants read-only projection for listing views

OPERATION FLOW:
  ┌───────────────────────────────────────────────────────────────────┐
  │                                                                   │
  │  per-listing lock ──▶ Store.WithListing ──▶ state machine + ledger │
  │                                                  │                │
  │                                   commit ◀───────┘                │
  │                                     │                             │
  │                                     ▼                             │
  │                          Notifier (fire-and-forget)               │
  └───────────────────────────────────────────────────────────────────┘

  Events are collected inside the section and only handed to the Notifier
  after the section committed. A notification failure is logged and never
  undoes the transition.

CONCURRENCY:
  The engine holds an in-process lock per listing around every section,
  and the store serializes the section again at the storage layer so
  several engine processes sharing one database stay correct. Operations
  on different listings never share a lock.

EXAMPLE:
  engine := enrollment.NewEngine(store,
      enrollment.WithNotifier(dispatcher),
      enrollment.WithLogger(logger))

  p, err := engine.Join(ctx, "L1", "alice")
  p, err = engine.Decide(ctx, "L2", "owner", "bob", enrollment.DecisionApprove)

SEE ALSO:
  - ledger.go: TryReserve / Release
  - statemachine.go: Transition rules
*/
package enrollment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	ledger   CapacityLedger
	locks    *keyLock
	notifier Notifier
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() ParticipationID
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides participation ID generation.
func WithIDGenerator(gen func() ParticipationID) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locks:    newKeyLock(),
		notifier: nopNotifier{},
		observer: nopObserver{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() ParticipationID { return ParticipationID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// JOIN / CANCEL / REMOVE
// =============================================================================

// Join attaches participantID to the listing.
//
// self_service: reserves a slot and creates an approved row, or fails with
// ErrFull and creates nothing. moderated: creates a pending row whatever
// the occupancy; the ledger is not consulted.
func (e *Engine) Join(ctx context.Context, listingID ListingID, participantID ParticipantID) (Participation, error) {
	start := time.Now()
	var (
		out    Participation
		events []Event
	)

	err := requireIDs(listingID, participantID)
	if err == nil {
		err = e.withListing(ctx, listingID, func(tx ListingTx) error {
			events = nil
			listing := tx.Listing()
			if listing.Status.Terminal() {
				return ErrListingClosed
			}

			latest, err := tx.Latest(ctx, participantID)
			if err != nil {
				return StorageError("load participation", err)
			}
			if latest != nil && latest.State.Active() {
				return ErrAlreadyActive
			}

			now := e.now()
			p := Participation{
				ID:            e.newID(),
				ListingID:     listingID,
				ParticipantID: participantID,
				State:         InitialState(listing.Policy),
				RequestedAt:   now,
			}

			if listing.Policy == PolicyModerated {
				if err := tx.Insert(ctx, p); err != nil {
					return insertError(err)
				}
				out = p
				events = append(events, e.event(EventJoined, listing.OwnerID, listing.ID, participantID))
				return nil
			}

			p.DecidedAt = &now
			slot, err := e.ledger.TryReserve(ctx, tx, func(ctx context.Context) error {
				return insertError(tx.Insert(ctx, p))
			})
			if err != nil {
				return err
			}
			if !slot.Granted {
				return &CapacityError{ListingID: listingID, Capacity: slot.Capacity, Approved: slot.Approved, kind: ErrFull}
			}

			out = p
			events = append(events, e.event(EventJoined, listing.OwnerID, listing.ID, participantID))
			if slot.StatusChanged && slot.Status == ListingFilled {
				events = append(events, e.event(EventFilled, listing.OwnerID, listing.ID, participantID))
			}
			return nil
		})
	}

	e.finish(ctx, "join", start, err, events)
	if err != nil {
		return Participation{}, err
	}
	return out, nil
}

// Cancel withdraws the participant's active participation. A pending row
// never held a slot; an approved row releases one. Either way the owner
// gets a cancelled event. Calling it again returns ErrNotFound and
// releases nothing.
func (e *Engine) Cancel(ctx context.Context, listingID ListingID, participantID ParticipantID) error {
	start := time.Now()
	var events []Event

	err := requireIDs(listingID, participantID)
	if err == nil {
		err = e.withListing(ctx, listingID, func(tx ListingTx) error {
			events = nil
			listing := tx.Listing()
			p, err := e.activeFor(ctx, tx, participantID)
			if err != nil {
				return err
			}

			actor := Actor{ID: participantID, Role: RoleParticipant}
			if _, err := e.cancel(ctx, tx, p, actor); err != nil {
				return err
			}
			events = append(events, e.event(EventCancelled, listing.OwnerID, listing.ID, participantID))
			return nil
		})
	}

	e.finish(ctx, "cancel", start, err, events)
	return err
}

// Remove lets the owner cancel an approved participation. Pending requests
// are rejected through Decide instead.
func (e *Engine) Remove(ctx context.Context, listingID ListingID, ownerID, participantID ParticipantID) error {
	start := time.Now()
	var events []Event

	err := requireIDs(listingID, participantID)
	if err == nil {
		err = e.withListing(ctx, listingID, func(tx ListingTx) error {
			events = nil
			listing := tx.Listing()
			if listing.OwnerID != ownerID {
				return ErrForbidden
			}
			p, err := e.activeFor(ctx, tx, participantID)
			if err != nil {
				return err
			}
			if p.State != StateApproved {
				return &TransitionError{ID: p.ID, From: p.State, To: StateCancelled}
			}

			if _, err := e.cancel(ctx, tx, p, Actor{ID: ownerID, Role: RoleOwner}); err != nil {
				return err
			}
			events = append(events, e.event(EventCancelled, participantID, listing.ID, participantID))
			return nil
		})
	}

	e.finish(ctx, "remove", start, err, events)
	return err
}

func (e *Engine) cancel(ctx context.Context, tx ListingTx, p *Participation, actor Actor) (Slot, error) {
	from := p.State
	next := *p
	if err := Transition(&next, StateCancelled, actor, e.now()); err != nil {
		return Slot{}, err
	}

	write := func(ctx context.Context) error {
		if err := tx.Update(ctx, next); err != nil {
			return StorageError("update participation", err)
		}
		return nil
	}

	if ReleasesSlot(from, next.State) {
		return e.ledger.Release(ctx, tx, write)
	}
	return Slot{}, write(ctx)
}

// =============================================================================
// DECIDE
// =============================================================================

// Decide applies the owner's decision to a pending request.
//
// approve reserves a slot first; when none is free it fails with
// ErrCapacityExceeded and the request stays pending. reject never touches
// the ledger.
func (e *Engine) Decide(ctx context.Context, listingID ListingID, ownerID, participantID ParticipantID, decision Decision) (Participation, error) {
	start := time.Now()
	var (
		out    Participation
		events []Event
	)

	err := requireIDs(listingID, participantID)
	if err == nil && !decision.Valid() {
		err = &ValidationError{Field: "decision", Message: "must be approve or reject"}
	}
	if err == nil {
		err = e.withListing(ctx, listingID, func(tx ListingTx) error {
			events = nil
			listing := tx.Listing()
			if listing.OwnerID != ownerID {
				return ErrForbidden
			}

			p, err := tx.Latest(ctx, participantID)
			if err != nil {
				return StorageError("load participation", err)
			}
			if p == nil {
				return ErrNotFound
			}

			target := StateRejected
			if decision == DecisionApprove {
				target = StateApproved
			}
			if !CanTransition(p.State, target) {
				return &TransitionError{ID: p.ID, From: p.State, To: target}
			}

			from := p.State
			next := *p
			if err := Transition(&next, target, Actor{ID: ownerID, Role: RoleOwner}, e.now()); err != nil {
				return err
			}
			write := func(ctx context.Context) error {
				if err := tx.Update(ctx, next); err != nil {
					return StorageError("update participation", err)
				}
				return nil
			}

			if !NeedsSlot(from, next.State) {
				if err := write(ctx); err != nil {
					return err
				}
				out = next
				events = append(events, e.event(EventRejected, participantID, listing.ID, participantID))
				return nil
			}

			if listing.Status.Terminal() {
				return ErrListingClosed
			}
			slot, err := e.ledger.TryReserve(ctx, tx, write)
			if err != nil {
				return err
			}
			if !slot.Granted {
				return &CapacityError{ListingID: listingID, Capacity: slot.Capacity, Approved: slot.Approved, kind: ErrCapacityExceeded}
			}

			out = next
			events = append(events, e.event(EventApproved, participantID, listing.ID, participantID))
			if slot.StatusChanged && slot.Status == ListingFilled {
				events = append(events, e.event(EventFilled, listing.OwnerID, listing.ID, participantID))
			}
			return nil
		})
	}

	e.finish(ctx, "decide_"+string(decision), start, err, events)
	if err != nil {
		return Participation{}, err
	}
	return out, nil
}

// =============================================================================
// READ PROJECTIONS
// =============================================================================

// ListParticipants returns the listing's participations matching filter,
// ordered by request time then insertion. It has no side effects.
func (e *Engine) ListParticipants(ctx context.Context, listingID ListingID, filter Filter) ([]Participation, error) {
	if _, err := e.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	ps, err := e.store.ListParticipations(ctx, listingID, filter)
	if err != nil {
		return nil, StorageError("list participations", err)
	}
	return ps, nil
}

// Participation returns the participant's most recent row for the listing.
func (e *Engine) Participation(ctx context.Context, listingID ListingID, participantID ParticipantID) (Participation, error) {
	p, err := e.store.FindLatest(ctx, listingID, participantID)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return Participation{}, err
		}
		return Participation{}, StorageError("find participation", err)
	}
	if p == nil {
		return Participation{}, ErrNotFound
	}
	return *p, nil
}

// Occupancy derives the listing's counts from its rows.
func (e *Engine) Occupancy(ctx context.Context, listingID ListingID) (Occupancy, error) {
	listing, err := e.GetListing(ctx, listingID)
	if err != nil {
		return Occupancy{}, err
	}
	ps, err := e.store.ListParticipations(ctx, listingID, Filter{States: []State{StatePending, StateApproved}})
	if err != nil {
		return Occupancy{}, StorageError("list participations", err)
	}
	counts := lo.CountValuesBy(ps, func(p Participation) State { return p.State })
	return Occupancy{
		ListingID: listingID,
		Capacity:  listing.Capacity,
		Approved:  counts[StateApproved],
		Pending:   counts[StatePending],
		Status:    listing.Status,
	}, nil
}

// =============================================================================
// LISTING STORE PASS-THROUGHS
// =============================================================================

// CreateListing registers a listing. Status defaults to open and the
// approved count always starts at zero.
func (e *Engine) CreateListing(ctx context.Context, l Listing) (Listing, error) {
	if l.Status == "" {
		l.Status = ListingOpen
	}
	if err := l.Validate(); err != nil {
		return Listing{}, err
	}
	if l.Status == ListingFilled {
		return Listing{}, &ValidationError{Field: "status", Message: "filled is derived from occupancy"}
	}
	l.ApprovedCount = 0
	if l.CreatedAt.IsZero() {
		l.CreatedAt = e.now()
	}
	if err := e.store.CreateListing(ctx, l); err != nil {
		if errors.Is(err, ErrListingExists) {
			return Listing{}, err
		}
		return Listing{}, StorageError("create listing", err)
	}
	return l, nil
}

func (e *Engine) GetListing(ctx context.Context, id ListingID) (Listing, error) {
	l, err := e.store.GetListing(ctx, id)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return Listing{}, err
		}
		return Listing{}, StorageError("get listing", err)
	}
	return l, nil
}

func (e *Engine) ListListings(ctx context.Context) ([]Listing, error) {
	ls, err := e.store.ListListings(ctx)
	if err != nil {
		return nil, StorageError("list listings", err)
	}
	return ls, nil
}

// CloseListing moves a listing to expired or closed. Existing rows are
// kept; no new joins or approvals are admitted afterwards.
func (e *Engine) CloseListing(ctx context.Context, listingID ListingID, ownerID ParticipantID, status ListingStatus) (Listing, error) {
	start := time.Now()
	var out Listing

	var err error
	if !status.Terminal() {
		err = &ValidationError{Field: "status", Message: "must be expired or closed"}
	} else {
		err = e.withListing(ctx, listingID, func(tx ListingTx) error {
			if tx.Listing().OwnerID != ownerID {
				return ErrForbidden
			}
			if err := tx.SetStatus(ctx, status); err != nil {
				return StorageError("set listing status", err)
			}
			out = tx.Listing()
			return nil
		})
	}

	e.finish(ctx, "close", start, err, nil)
	if err != nil {
		return Listing{}, err
	}
	return out, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile re-derives the listing's cached approved count and status
// from its rows. drift reports whether anything had to be corrected.
func (e *Engine) Reconcile(ctx context.Context, listingID ListingID) (slot Slot, drift bool, err error) {
	start := time.Now()
	err = e.withListing(ctx, listingID, func(tx ListingTx) error {
		var err error
		slot, drift, err = e.ledger.Reconcile(ctx, tx)
		return err
	})
	e.finish(ctx, "reconcile", start, err, nil)
	if err != nil {
		return Slot{}, false, err
	}
	if drift {
		e.logger.Warn("approved count drift corrected",
			"listing_id", listingID,
			"approved", slot.Approved,
			"status", slot.Status)
	}
	return slot, drift, nil
}

// ReconcileReport summarizes a ReconcileAll run.
type ReconcileReport struct {
	Checked int
	Drifted []ListingID
}

// ReconcileAll reconciles every listing with at most limit sections in
// flight. It stops at the first error.
func (e *Engine) ReconcileAll(ctx context.Context, limit int) (ReconcileReport, error) {
	listings, err := e.ListListings(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	if limit < 1 {
		limit = 1
	}

	drifted := make([]bool, len(listings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, l := range listings {
		g.Go(func() error {
			_, drift, err := e.Reconcile(gctx, l.ID)
			drifted[i] = drift
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{Checked: len(listings)}
	for i, d := range drifted {
		if d {
			report.Drifted = append(report.Drifted, listings[i].ID)
		}
	}
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// withListing serializes fn per listing in-process, then hands it to the
// store's atomic section.
func (e *Engine) withListing(ctx context.Context, id ListingID, fn func(ListingTx) error) error {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.store.WithListing(ctx, id, fn)
	if err != nil && !isKnown(err) {
		return StorageError("listing section", err)
	}
	return err
}

func (e *Engine) activeFor(ctx context.Context, tx ListingTx, participantID ParticipantID) (*Participation, error) {
	p, err := tx.Latest(ctx, participantID)
	if err != nil {
		return nil, StorageError("load participation", err)
	}
	if p == nil || !p.State.Active() {
		return nil, ErrNotFound
	}
	return p, nil
}

func (e *Engine) event(kind EventKind, recipient ParticipantID, listingID ListingID, participantID ParticipantID) Event {
	return Event{
		Kind:          kind,
		RecipientID:   recipient,
		ListingID:     listingID,
		ParticipantID: participantID,
		At:            e.now(),
	}
}

// finish records the outcome and, on success, hands events to the
// notifier. Delivery problems are logged and swallowed.
func (e *Engine) finish(ctx context.Context, op string, start time.Time, err error, events []Event) {
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
	}
	e.observer.ObserveOperation(op, outcome, time.Since(start))

	if err != nil {
		if IsInfrastructure(err) {
			e.logger.Error("enrollment operation failed", "op", op, "error", err)
		} else {
			e.logger.Debug("enrollment operation refused", "op", op, "outcome", outcome)
		}
		return
	}

	nctx := context.WithoutCancel(ctx)
	for _, ev := range events {
		if nerr := e.notifier.Notify(nctx, ev); nerr != nil {
			e.logger.Warn("notification not accepted",
				"kind", ev.Kind,
				"listing_id", ev.ListingID,
				"recipient_id", ev.RecipientID,
				"error", nerr)
		}
	}
}

func requireIDs(listingID ListingID, participantID ParticipantID) error {
	if listingID == "" {
		return &ValidationError{Field: "listing_id", Message: "required"}
	}
	if participantID == "" {
		return &ValidationError{Field: "participant_id", Message: "required"}
	}
	return nil
}

// insertError keeps ErrAlreadyActive from the store's uniqueness check
// and wraps everything else as a storage failure.
func insertError(err error) error {
	if err == nil || errors.Is(err, ErrAlreadyActive) {
		return err
	}
	return StorageError("insert participation", err)
}

func isKnown(err error) bool {
	return IsClientError(err) || IsNotFound(err) || IsForbidden(err) || IsInfrastructure(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
