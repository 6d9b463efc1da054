/*
statemachine.go - Participation lifecycle

PURPOSE:
  Encodes which state changes a participation may go through and who may
  perform each one. The engine calls Transition for every state write;
  nothing else mutates Participation.State.

LIFECYCLE:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │   join (moderated)          owner approves (slot reserved)   │
  │   ──────────────▶ pending ─────────────────────▶ approved    │
  │                     │  │                           │         │
  │      owner rejects  │  │ participant withdraws     │ unjoin  │
  │                     ▼  ▼                           │ remove  │
  │               rejected  cancelled ◀────────────────┘         │
  │                                                              │
  │   join (self_service, slot reserved) ─────────────▶ approved │
  └──────────────────────────────────────────────────────────────┘

  rejected and cancelled are terminal. A later join creates a new row.

ACTORS:
  RoleOwner:       the listing owner (approve, reject, remove)
  RoleParticipant: the participant the row belongs to (withdraw, unjoin)

SEE ALSO:
  - ledger.go: approved <-> slot accounting
  - engine.go: Calls Transition inside the listing's atomic section
*/
package enrollment

import "time"

// Role is the capacity in which an actor performs a transition.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleParticipant Role = "participant"
)

// Actor identifies who performs a transition.
type Actor struct {
	ID   ParticipantID
	Role Role
}

type edge struct {
	from State
	to   State
}

// transitions lists every legal edge and the roles allowed to take it.
var transitions = map[edge][]Role{
	{StatePending, StateApproved}:   {RoleOwner},
	{StatePending, StateRejected}:   {RoleOwner},
	{StatePending, StateCancelled}:  {RoleParticipant},
	{StateApproved, StateCancelled}: {RoleParticipant, RoleOwner},
}

// InitialState returns the state a fresh join starts in under a policy.
// Self-service rows only exist once a slot has been reserved.
func InitialState(p Policy) State {
	if p == PolicyModerated {
		return StatePending
	}
	return StateApproved
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// Terminal reports whether no edge leaves s.
func Terminal(s State) bool {
	for e := range transitions {
		if e.from == s {
			return false
		}
	}
	return true
}

// ReleasesSlot reports whether the edge frees a ledger slot.
func ReleasesSlot(from, to State) bool {
	return from == StateApproved && to != StateApproved
}

// NeedsSlot reports whether the edge must reserve a ledger slot first.
func NeedsSlot(from, to State) bool {
	return from != StateApproved && to == StateApproved
}

// Transition moves p to the target state on behalf of actor. It returns a
// *TransitionError for illegal edges and ErrForbidden when the actor's role
// may not take the edge. p is left untouched on failure.
func Transition(p *Participation, to State, actor Actor, at time.Time) error {
	roles, ok := transitions[edge{p.State, to}]
	if !ok {
		return &TransitionError{ID: p.ID, From: p.State, To: to}
	}

	allowed := false
	for _, r := range roles {
		if r == actor.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrForbidden
	}
	if actor.Role == RoleParticipant && actor.ID != p.ParticipantID {
		return ErrForbidden
	}

	decidedAt := at
	decidedBy := actor.ID
	p.State = to
	p.DecidedAt = &decidedAt
	p.DecidedBy = &decidedBy
	return nil
}
