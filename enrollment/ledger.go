/*
ledger.go - Capacity ledger

PURPOSE:
  Answers "is there a free slot?" and keeps a listing's approved count in
  step with its participation rows. The ledger never stores a count of its
  own: it derives approved = count(rows in state approved) and writes the
  result back to the listing's cached ApprovedCount and Status.

CRITICAL INVARIANTS:
  1. approved <= capacity after every committed section
  2. The count and the participation row change in the same ListingTx.
     TryReserve and Release take the row write as a callback, so a count
     change without its row (or a row without its count) cannot be built.
  3. Status is filled exactly when approved == capacity, open otherwise,
     unless the listing is expired or closed.

LINEARIZABILITY:
  Both operations only run inside Store.WithListing, which the engine has
  already serialized per listing. Nothing can observe a state between the
  check and the reservation.

EXAMPLE FLOW (capacity 2):
  TryReserve -> approved 0 -> write row -> approved 1, status open
  TryReserve -> approved 1 -> write row -> approved 2, status filled
  TryReserve -> approved 2 -> refused (Granted=false), nothing written
  Release    -> write row  -> approved 1, status open

SEE ALSO:
  - store.go: ListingTx
  - engine.go: Callers
*/
package enrollment

import "context"

// Slot is the ledger's answer after a reservation, release or reconcile.
type Slot struct {
	Granted       bool
	Approved      int
	Capacity      int
	Status        ListingStatus
	StatusChanged bool
}

// CapacityLedger is stateless; all state lives in the ListingTx.
type CapacityLedger struct{}

// ApprovedCount derives the number of occupied slots.
func (CapacityLedger) ApprovedCount(ctx context.Context, tx ListingTx) (int, error) {
	n, err := tx.CountByState(ctx, StateApproved)
	if err != nil {
		return 0, StorageError("count approved", err)
	}
	return n, nil
}

// TryReserve grants a slot iff approved < capacity. When granted, write is
// called to create or transition the backing participation row, then the
// cached count and status are rewritten. A refusal is not an error.
func (l CapacityLedger) TryReserve(ctx context.Context, tx ListingTx, write func(context.Context) error) (Slot, error) {
	listing := tx.Listing()
	n, err := l.ApprovedCount(ctx, tx)
	if err != nil {
		return Slot{}, err
	}

	if n >= listing.Capacity {
		return Slot{
			Approved: n,
			Capacity: listing.Capacity,
			Status:   listing.Status,
		}, nil
	}

	if err := write(ctx); err != nil {
		return Slot{}, err
	}

	slot, err := l.settle(ctx, tx)
	if err != nil {
		return Slot{}, err
	}
	slot.Granted = true
	return slot, nil
}

// Release frees the slot held by an approved row. write must move the row
// out of the approved state.
func (l CapacityLedger) Release(ctx context.Context, tx ListingTx, write func(context.Context) error) (Slot, error) {
	if err := write(ctx); err != nil {
		return Slot{}, err
	}
	slot, err := l.settle(ctx, tx)
	if err != nil {
		return Slot{}, err
	}
	slot.Granted = true
	return slot, nil
}

// Reconcile rewrites the cached count and status from the rows. drift is
// true when the cache disagreed with the derived values.
func (l CapacityLedger) Reconcile(ctx context.Context, tx ListingTx) (slot Slot, drift bool, err error) {
	before := tx.Listing()
	slot, err = l.settle(ctx, tx)
	if err != nil {
		return Slot{}, false, err
	}
	drift = before.ApprovedCount != slot.Approved || slot.StatusChanged
	return slot, drift, nil
}

// settle recounts approved rows and writes count and status back.
func (l CapacityLedger) settle(ctx context.Context, tx ListingTx) (Slot, error) {
	n, err := l.ApprovedCount(ctx, tx)
	if err != nil {
		return Slot{}, err
	}
	listing := tx.Listing()

	if listing.ApprovedCount != n {
		if err := tx.SetApprovedCount(ctx, n); err != nil {
			return Slot{}, StorageError("set approved count", err)
		}
	}

	status := statusFor(listing.Status, n, listing.Capacity)
	changed := status != listing.Status
	if changed {
		if err := tx.SetStatus(ctx, status); err != nil {
			return Slot{}, StorageError("set listing status", err)
		}
	}

	return Slot{
		Approved:      n,
		Capacity:      listing.Capacity,
		Status:        status,
		StatusChanged: changed,
	}, nil
}
