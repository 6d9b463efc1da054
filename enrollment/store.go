/*
store.go - Persistence interface for listings and participations

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never touches a participation row or a cached count outside of a
  per-listing atomic section opened with Store.WithListing.

KEY INTERFACES:
  Store:     Listing authoring, read projections, and WithListing
  ListingTx: Everything the engine may do to one listing while it holds
             that listing's atomic section

ATOMIC SECTIONS:
  WithListing(ctx, id, fn) loads the listing, runs fn, and commits only
  if fn returns nil. Sections on the same listing are serialized; sections
  on different listings must not block each other inside the store.

  Implementations:
  - enrollment/store/memory.go: one mutex + snapshot per listing
  - store/sqlite/sqlite.go:     BEGIN IMMEDIATE transaction
  - store/postgres/postgres.go: SELECT ... FOR UPDATE on the listing row

UNIQUENESS:
  Insert must refuse a second active (pending/approved) row for the same
  (listing, participant) pair with ErrAlreadyActive.

SEE ALSO:
  - ledger.go: Uses ListingTx to keep the count and the rows in step
  - engine.go: Opens every section
*/
package enrollment

import "context"

// Store handles persistence of listings and participations.
type Store interface {
	// CreateListing persists a new listing. Returns ErrListingExists on a
	// duplicate ID.
	CreateListing(ctx context.Context, l Listing) error

	// GetListing returns ErrListingNotFound when missing.
	GetListing(ctx context.Context, id ListingID) (Listing, error)

	// ListListings returns every listing ordered by ID.
	ListListings(ctx context.Context) ([]Listing, error)

	// ListParticipations returns rows for a listing ordered by RequestedAt,
	// then insertion order. Read-only.
	ListParticipations(ctx context.Context, id ListingID, filter Filter) ([]Participation, error)

	// FindLatest returns the participant's most recent participation for
	// the listing, or nil when there is none.
	FindLatest(ctx context.Context, id ListingID, participantID ParticipantID) (*Participation, error)

	// WithListing runs fn inside the listing's atomic section.
	// If fn returns an error, nothing fn wrote is kept.
	WithListing(ctx context.Context, id ListingID, fn func(tx ListingTx) error) error
}

// ListingTx is the view of one listing inside its atomic section.
type ListingTx interface {
	// Listing returns the listing as loaded at the start of the section,
	// with any SetStatus/SetApprovedCount applied.
	Listing() Listing

	SetStatus(ctx context.Context, status ListingStatus) error
	SetApprovedCount(ctx context.Context, n int) error

	// CountByState counts participation rows of the listing in a state.
	CountByState(ctx context.Context, state State) (int, error)

	// Latest returns the participant's most recent row, or nil. Because a
	// new row is only inserted when no active row exists, an active row is
	// always the latest one.
	Latest(ctx context.Context, participantID ParticipantID) (*Participation, error)

	// Insert adds a new row. Returns ErrAlreadyActive if an active row
	// already exists for the pair.
	Insert(ctx context.Context, p Participation) error

	// Update rewrites state, DecidedAt and DecidedBy of an existing row.
	Update(ctx context.Context, p Participation) error
}
