// Package storetest holds the behaviour every enrollment.Store must show.
// Store packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/enrollment-engine/enrollment"
)

// Corrupter is implemented by stores that can desync the cached count.
type Corrupter interface {
	CorruptApprovedCount(id enrollment.ListingID, n int) error
}

// Factory returns an empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) enrollment.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("listing lifecycle", func(t *testing.T) { testListings(t, newStore(t)) })
	t.Run("insert and latest", func(t *testing.T) { testInsertLatest(t, newStore(t)) })
	t.Run("section rolls back on error", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ordering and filters", func(t *testing.T) { testOrdering(t, newStore(t)) })
	t.Run("concurrent joins respect capacity", func(t *testing.T) { testJoinRace(t, newStore(t)) })
	t.Run("moderated flow", func(t *testing.T) { testModerated(t, newStore(t)) })
	t.Run("reconcile", func(t *testing.T) { testReconcile(t, newStore(t)) })
}

func listing(id string, capacity int, policy enrollment.Policy) enrollment.Listing {
	return enrollment.Listing{
		ID:        enrollment.ListingID(id),
		OwnerID:   "O",
		Subject:   "chess",
		Capacity:  capacity,
		Policy:    policy,
		Status:    enrollment.ListingOpen,
		CreatedAt: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
	}
}

func testListings(t *testing.T, s enrollment.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateListing(ctx, listing("b", 2, enrollment.PolicyModerated)))
	require.NoError(t, s.CreateListing(ctx, listing("a", 1, enrollment.PolicySelfService)))

	err := s.CreateListing(ctx, listing("a", 3, enrollment.PolicySelfService))
	assert.ErrorIs(t, err, enrollment.ErrListingExists)

	got, err := s.GetListing(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, listing("b", 2, enrollment.PolicyModerated), got)

	_, err = s.GetListing(ctx, "zzz")
	assert.ErrorIs(t, err, enrollment.ErrListingNotFound)

	all, err := s.ListListings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, enrollment.ListingID("a"), all[0].ID)
	assert.Equal(t, enrollment.ListingID("b"), all[1].ID)

	err = s.WithListing(ctx, "zzz", func(enrollment.ListingTx) error { return nil })
	assert.ErrorIs(t, err, enrollment.ErrListingNotFound)
}

func testInsertLatest(t *testing.T, s enrollment.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateListing(ctx, listing("L", 2, enrollment.PolicyModerated)))
	at := time.Date(2025, 2, 2, 10, 0, 0, 0, time.UTC)

	err := s.WithListing(ctx, "L", func(tx enrollment.ListingTx) error {
		p, err := tx.Latest(ctx, "A")
		require.NoError(t, err)
		assert.Nil(t, p)

		require.NoError(t, tx.Insert(ctx, enrollment.Participation{
			ID: "p1", ListingID: "L", ParticipantID: "A", State: enrollment.StatePending, RequestedAt: at,
		}))
		err = tx.Insert(ctx, enrollment.Participation{
			ID: "p2", ListingID: "L", ParticipantID: "A", State: enrollment.StatePending, RequestedAt: at,
		})
		assert.ErrorIs(t, err, enrollment.ErrAlreadyActive)
		return nil
	})
	require.NoError(t, err)

	decided := at.Add(time.Minute)
	owner := enrollment.ParticipantID("O")
	err = s.WithListing(ctx, "L", func(tx enrollment.ListingTx) error {
		p, err := tx.Latest(ctx, "A")
		require.NoError(t, err)
		require.NotNil(t, p)
		p.State = enrollment.StateRejected
		p.DecidedAt = &decided
		p.DecidedBy = &owner
		return tx.Update(ctx, *p)
	})
	require.NoError(t, err)

	p, err := s.FindLatest(ctx, "L", "A")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, enrollment.ParticipationID("p1"), p.ID)
	assert.Equal(t, enrollment.StateRejected, p.State)
	require.NotNil(t, p.DecidedAt)
	assert.True(t, decided.Equal(*p.DecidedAt))
	require.NotNil(t, p.DecidedBy)
	assert.Equal(t, owner, *p.DecidedBy)
	assert.True(t, at.Equal(p.RequestedAt))

	// a terminal row does not block a new active one
	err = s.WithListing(ctx, "L", func(tx enrollment.ListingTx) error {
		return tx.Insert(ctx, enrollment.Participation{
			ID: "p3", ListingID: "L", ParticipantID: "A", State: enrollment.StatePending, RequestedAt: decided,
		})
	})
	require.NoError(t, err)

	p, err = s.FindLatest(ctx, "L", "A")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ParticipationID("p3"), p.ID)

	p, err = s.FindLatest(ctx, "L", "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testRollback(t *testing.T, s enrollment.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateListing(ctx, listing("L", 2, enrollment.PolicySelfService)))
	boom := errors.New("boom")

	err := s.WithListing(ctx, "L", func(tx enrollment.ListingTx) error {
		require.NoError(t, tx.Insert(ctx, enrollment.Participation{
			ID: "p1", ListingID: "L", ParticipantID: "A", State: enrollment.StateApproved, RequestedAt: time.Now(),
		}))
		require.NoError(t, tx.SetApprovedCount(ctx, 1))
		require.NoError(t, tx.SetStatus(ctx, enrollment.ListingFilled))
		assert.Equal(t, 1, tx.Listing().ApprovedCount)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	l, err := s.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, 0, l.ApprovedCount)
	assert.Equal(t, enrollment.ListingOpen, l.Status)

	rows, err := s.ListParticipations(ctx, "L", enrollment.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testOrdering(t *testing.T, s enrollment.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateListing(ctx, listing("L", 5, enrollment.PolicyModerated)))
	same := time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)

	err := s.WithListing(ctx, "L", func(tx enrollment.ListingTx) error {
		for i, pid := range []string{"C", "A", "B"} {
			state := enrollment.StatePending
			if i == 1 {
				state = enrollment.StateApproved
			}
			if err := tx.Insert(ctx, enrollment.Participation{
				ID:            enrollment.ParticipationID("p-" + pid),
				ListingID:     "L",
				ParticipantID: enrollment.ParticipantID(pid),
				State:         state,
				RequestedAt:   same,
			}); err != nil {
				return err
			}
		}
		n, err := tx.CountByState(ctx, enrollment.StatePending)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)

	rows, err := s.ListParticipations(ctx, "L", enrollment.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []enrollment.ParticipantID{"C", "A", "B"},
		[]enrollment.ParticipantID{rows[0].ParticipantID, rows[1].ParticipantID, rows[2].ParticipantID},
		"ties keep insertion order")

	pending, err := s.ListParticipations(ctx, "L", enrollment.Filter{States: []enrollment.State{enrollment.StatePending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, enrollment.ParticipantID("C"), pending[0].ParticipantID)
	assert.Equal(t, enrollment.ParticipantID("B"), pending[1].ParticipantID)

	_, err = s.ListParticipations(ctx, "missing", enrollment.Filter{})
	assert.ErrorIs(t, err, enrollment.ErrListingNotFound)
}

func testJoinRace(t *testing.T, s enrollment.Store) {
	const (
		capacity = 3
		callers  = 24
	)
	ctx := context.Background()
	engine := enrollment.NewEngine(s)
	_, err := engine.CreateListing(ctx, enrollment.Listing{ID: "race", OwnerID: "O", Capacity: capacity, Policy: enrollment.PolicySelfService})
	require.NoError(t, err)

	var approved atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		pid := enrollment.ParticipantID(fmt.Sprintf("p%02d", i))
		g.Go(func() error {
			_, err := engine.Join(ctx, "race", pid)
			if err == nil {
				approved.Add(1)
				return nil
			}
			if errors.Is(err, enrollment.ErrFull) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, capacity, approved.Load())
	l, err := s.GetListing(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, capacity, l.ApprovedCount)
	assert.Equal(t, enrollment.ListingFilled, l.Status)
}

func testModerated(t *testing.T, s enrollment.Store) {
	ctx := context.Background()
	engine := enrollment.NewEngine(s)
	_, err := engine.CreateListing(ctx, enrollment.Listing{ID: "L2", OwnerID: "O", Capacity: 1, Policy: enrollment.PolicyModerated})
	require.NoError(t, err)

	_, err = engine.Join(ctx, "L2", "A")
	require.NoError(t, err)
	_, err = engine.Join(ctx, "L2", "B")
	require.NoError(t, err)

	_, err = engine.Decide(ctx, "L2", "O", "A", enrollment.DecisionApprove)
	require.NoError(t, err)
	_, err = engine.Decide(ctx, "L2", "O", "B", enrollment.DecisionApprove)
	assert.ErrorIs(t, err, enrollment.ErrCapacityExceeded)

	b, err := engine.Participation(ctx, "L2", "B")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatePending, b.State)

	require.NoError(t, engine.Cancel(ctx, "L2", "A"))
	_, err = engine.Decide(ctx, "L2", "O", "B", enrollment.DecisionApprove)
	require.NoError(t, err)

	occ, err := engine.Occupancy(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, 1, occ.Approved)
	assert.Equal(t, 0, occ.Pending)
	assert.Equal(t, enrollment.ListingFilled, occ.Status)
}

func testReconcile(t *testing.T, s enrollment.Store) {
	c, ok := s.(Corrupter)
	if !ok {
		t.Skip("store cannot corrupt its cached count")
	}
	ctx := context.Background()
	engine := enrollment.NewEngine(s)
	_, err := engine.CreateListing(ctx, enrollment.Listing{ID: "L", OwnerID: "O", Capacity: 2, Policy: enrollment.PolicySelfService})
	require.NoError(t, err)
	_, err = engine.Join(ctx, "L", "A")
	require.NoError(t, err)

	require.NoError(t, c.CorruptApprovedCount("L", 0))

	slot, drift, err := engine.Reconcile(ctx, "L")
	require.NoError(t, err)
	assert.True(t, drift)
	assert.Equal(t, 1, slot.Approved)

	l, err := engine.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, 1, l.ApprovedCount)
}
