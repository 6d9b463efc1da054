package enrollment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_LegalEdges(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	owner := Actor{ID: "O", Role: RoleOwner}
	self := Actor{ID: "A", Role: RoleParticipant}

	tests := []struct {
		name  string
		from  State
		to    State
		actor Actor
	}{
		{"owner approves", StatePending, StateApproved, owner},
		{"owner rejects", StatePending, StateRejected, owner},
		{"participant withdraws", StatePending, StateCancelled, self},
		{"participant unjoins", StateApproved, StateCancelled, self},
		{"owner removes", StateApproved, StateCancelled, owner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Participation{ID: "p1", ParticipantID: "A", State: tt.from}
			require.NoError(t, Transition(&p, tt.to, tt.actor, at))
			assert.Equal(t, tt.to, p.State)
			require.NotNil(t, p.DecidedAt)
			assert.Equal(t, at, *p.DecidedAt)
			require.NotNil(t, p.DecidedBy)
			assert.Equal(t, tt.actor.ID, *p.DecidedBy)
		})
	}
}

func TestTransition_IllegalEdges(t *testing.T) {
	owner := Actor{ID: "O", Role: RoleOwner}

	tests := []struct {
		from State
		to   State
	}{
		{StateRejected, StateApproved},
		{StateRejected, StatePending},
		{StateCancelled, StateApproved},
		{StateCancelled, StatePending},
		{StateApproved, StateRejected},
		{StateApproved, StatePending},
		{StateApproved, StateApproved},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			p := Participation{ID: "p1", ParticipantID: "A", State: tt.from}
			err := Transition(&p, tt.to, owner, time.Now())

			var trErr *TransitionError
			require.ErrorAs(t, err, &trErr)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, tt.from, trErr.From)
			assert.Equal(t, tt.from, p.State, "failed transition leaves the row untouched")
			assert.Nil(t, p.DecidedAt)
		})
	}
}

func TestTransition_WrongActor(t *testing.T) {
	// GIVEN: a pending request from A
	// WHEN: A tries to approve it, or B tries to withdraw it
	// THEN: both are forbidden
	p := Participation{ID: "p1", ParticipantID: "A", State: StatePending}

	err := Transition(&p, StateApproved, Actor{ID: "A", Role: RoleParticipant}, time.Now())
	assert.ErrorIs(t, err, ErrForbidden)

	err = Transition(&p, StateCancelled, Actor{ID: "B", Role: RoleParticipant}, time.Now())
	assert.ErrorIs(t, err, ErrForbidden)

	err = Transition(&p, StateCancelled, Actor{ID: "O", Role: RoleOwner}, time.Now())
	assert.ErrorIs(t, err, ErrForbidden, "owners reject pending requests, they do not cancel them")

	assert.Equal(t, StatePending, p.State)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Terminal(StateRejected))
	assert.True(t, Terminal(StateCancelled))
	assert.False(t, Terminal(StatePending))
	assert.False(t, Terminal(StateApproved))
}

func TestSlotEdges(t *testing.T) {
	assert.True(t, NeedsSlot(StatePending, StateApproved))
	assert.False(t, NeedsSlot(StatePending, StateRejected))
	assert.True(t, ReleasesSlot(StateApproved, StateCancelled))
	assert.False(t, ReleasesSlot(StatePending, StateCancelled))
}

func TestInitialState(t *testing.T) {
	assert.Equal(t, StateApproved, InitialState(PolicySelfService))
	assert.Equal(t, StatePending, InitialState(PolicyModerated))
}
