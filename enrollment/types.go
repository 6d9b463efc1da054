/*
Package enrollment provides the capacity-bounded enrollment engine.

PURPOSE:
  Lets participants attach themselves to capacity-limited listings
  (tutoring sessions, study groups) while guaranteeing that a listing's
  declared capacity is never exceeded, even when many callers race for
  the last slot.

KEY CONCEPTS IN THIS FILE (types.go):
  - Listing: capacity, owner, join policy and status
  - Participation: one participant's relationship with one listing
  - Policy: self_service (immediate join) or moderated (owner approves)
  - Occupancy: read-only summary used by listing views

DESIGN PRINCIPLES:
  1. Derived counts: the approved count is a projection of participation
     rows, cached on the listing and rewritten in the same transaction.
  2. Per-listing atomicity: every read-check-write runs inside
     Store.WithListing, serialized per listing and never globally.
  3. Type safety: distinct ID types keep listings and participants apart.

SEE ALSO:
  - ledger.go: Capacity ledger (TryReserve / Release)
  - statemachine.go: Participation lifecycle
  - engine.go: Public operations
*/
package enrollment

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ListingID string
type ParticipantID string
type ParticipationID string

// =============================================================================
// LISTING
// =============================================================================

// Policy decides how a join request is admitted.
type Policy string

const (
	PolicySelfService Policy = "self_service"
	PolicyModerated   Policy = "moderated"
)

func (p Policy) Valid() bool {
	return p == PolicySelfService || p == PolicyModerated
}

type ListingStatus string

const (
	ListingOpen    ListingStatus = "open"
	ListingFilled  ListingStatus = "filled"
	ListingExpired ListingStatus = "expired"
	ListingClosed  ListingStatus = "closed"
)

func (s ListingStatus) Valid() bool {
	switch s {
	case ListingOpen, ListingFilled, ListingExpired, ListingClosed:
		return true
	}
	return false
}

// Terminal reports whether the listing no longer accepts joins.
func (s ListingStatus) Terminal() bool {
	return s == ListingExpired || s == ListingClosed
}

// Listing is owned by the listing store. The engine only reads capacity,
// owner and policy, and writes back status and the cached approved count.
type Listing struct {
	ID            ListingID
	OwnerID       ParticipantID
	Subject       string
	Capacity      int
	Policy        Policy
	Status        ListingStatus
	ApprovedCount int
	CreatedAt     time.Time
}

// Validate checks the fields an authoring flow must supply.
func (l Listing) Validate() error {
	if l.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if l.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Message: "required"}
	}
	if l.Capacity < 1 {
		return &ValidationError{Field: "capacity", Message: "must be at least 1"}
	}
	if !l.Policy.Valid() {
		return &ValidationError{Field: "policy", Message: "must be self_service or moderated"}
	}
	if l.Status != "" && !l.Status.Valid() {
		return &ValidationError{Field: "status", Message: "unknown status"}
	}
	return nil
}

// statusFor returns the status implied by an approved count. Terminal
// statuses are never changed by occupancy.
func statusFor(current ListingStatus, approved, capacity int) ListingStatus {
	if current.Terminal() {
		return current
	}
	if approved >= capacity {
		return ListingFilled
	}
	return ListingOpen
}

// =============================================================================
// PARTICIPATION
// =============================================================================

type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Active states count towards the one-active-row-per-pair rule.
func (s State) Active() bool {
	return s == StatePending || s == StateApproved
}

// Participation is exclusively written by the Engine.
type Participation struct {
	ID            ParticipationID
	ListingID     ListingID
	ParticipantID ParticipantID
	State         State
	RequestedAt   time.Time
	DecidedAt     *time.Time
	DecidedBy     *ParticipantID
}

// Filter selects participations for ListParticipants. An empty States
// slice matches every state.
type Filter struct {
	States []State
}

func (f Filter) Matches(s State) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, want := range f.States {
		if want == s {
			return true
		}
	}
	return false
}

// Decision is the owner's verdict on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// =============================================================================
// OCCUPANCY - What listing views render
// =============================================================================

type Occupancy struct {
	ListingID ListingID
	Capacity  int
	Approved  int
	Pending   int
	Status    ListingStatus
}

// Available returns the number of free slots.
func (o Occupancy) Available() int {
	if o.Approved >= o.Capacity {
		return 0
	}
	return o.Capacity - o.Approved
}

// FillRatio returns approved/capacity rounded to four places.
func (o Occupancy) FillRatio() decimal.Decimal {
	if o.Capacity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(o.Approved)).
		Div(decimal.NewFromInt(int64(o.Capacity))).
		Round(4)
}
