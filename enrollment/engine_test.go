package enrollment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/enrollment/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type recorder struct {
	mu     sync.Mutex
	events []enrollment.Event
}

func (r *recorder) Notify(_ context.Context, ev enrollment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []enrollment.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]enrollment.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// stepClock returns strictly increasing times so ordering is deterministic.
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type fixture struct {
	engine *enrollment.Engine
	store  *store.Memory
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	return &fixture{
		engine: enrollment.NewEngine(mem,
			enrollment.WithNotifier(rec),
			enrollment.WithClock(stepClock())),
		store:  mem,
		events: rec,
	}
}

func (f *fixture) listing(t *testing.T, id string, capacity int, policy enrollment.Policy) enrollment.Listing {
	t.Helper()
	l, err := f.engine.CreateListing(context.Background(), enrollment.Listing{
		ID:       enrollment.ListingID(id),
		OwnerID:  "O",
		Subject:  "calculus",
		Capacity: capacity,
		Policy:   policy,
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) approvedCount(t *testing.T, id string) int {
	t.Helper()
	occ, err := f.engine.Occupancy(context.Background(), enrollment.ListingID(id))
	require.NoError(t, err)
	l, err := f.engine.GetListing(context.Background(), enrollment.ListingID(id))
	require.NoError(t, err)
	require.Equal(t, occ.Approved, l.ApprovedCount, "cached count must match derived count")
	return occ.Approved
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_SelfServiceCapacityTwo(t *testing.T) {
	// GIVEN: L1, capacity 2, self_service
	// WHEN: A, B, C join; A cancels; C joins again
	// THEN: C is refused while full and admitted once a slot frees
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L1", 2, enrollment.PolicySelfService)

	p, err := f.engine.Join(ctx, "L1", "A")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateApproved, p.State)
	assert.Equal(t, 1, f.approvedCount(t, "L1"))

	p, err = f.engine.Join(ctx, "L1", "B")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateApproved, p.State)
	assert.Equal(t, 2, f.approvedCount(t, "L1"))

	_, err = f.engine.Join(ctx, "L1", "C")
	assert.ErrorIs(t, err, enrollment.ErrFull)
	assert.Equal(t, 2, f.approvedCount(t, "L1"))

	rows, err := f.engine.ListParticipants(ctx, "L1", enrollment.Filter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "a refused self-service join creates no row")

	require.NoError(t, f.engine.Cancel(ctx, "L1", "A"))
	assert.Equal(t, 1, f.approvedCount(t, "L1"))

	p, err = f.engine.Join(ctx, "L1", "C")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateApproved, p.State)
	assert.Equal(t, 2, f.approvedCount(t, "L1"))
}

func TestScenario_ModeratedCapacityOne(t *testing.T) {
	// GIVEN: L2, capacity 1, moderated, owner O
	// WHEN: A and B request; O approves A, then tries B, then rejects B
	// THEN: B hits CapacityExceeded, stays pending, and is then rejected
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L2", 1, enrollment.PolicyModerated)

	p, err := f.engine.Join(ctx, "L2", "A")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatePending, p.State)

	p, err = f.engine.Join(ctx, "L2", "B")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatePending, p.State)

	pending, err := f.engine.ListParticipants(ctx, "L2", enrollment.Filter{States: []enrollment.State{enrollment.StatePending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2, "both requests coexist")

	p, err = f.engine.Decide(ctx, "L2", "O", "A", enrollment.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateApproved, p.State)
	require.NotNil(t, p.DecidedBy)
	assert.Equal(t, enrollment.ParticipantID("O"), *p.DecidedBy)
	assert.NotNil(t, p.DecidedAt)
	assert.Equal(t, 1, f.approvedCount(t, "L2"))

	_, err = f.engine.Decide(ctx, "L2", "O", "B", enrollment.DecisionApprove)
	assert.ErrorIs(t, err, enrollment.ErrCapacityExceeded)
	var capErr *enrollment.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Capacity)
	assert.Equal(t, 1, capErr.Approved)

	b, err := f.engine.Participation(ctx, "L2", "B")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatePending, b.State, "refused approval leaves the request pending")

	p, err = f.engine.Decide(ctx, "L2", "O", "B", enrollment.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateRejected, p.State)
	assert.Equal(t, 1, f.approvedCount(t, "L2"))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestJoin_RaceForLastSlots(t *testing.T) {
	// GIVEN: self_service listing with capacity 5
	// WHEN: 50 participants join concurrently
	// THEN: exactly 5 approved, 45 Full, never more than 5 recorded
	const (
		capacity = 5
		callers  = 50
	)
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "race", capacity, enrollment.PolicySelfService)

	var approved, full atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		pid := enrollment.ParticipantID(fmt.Sprintf("p-%02d", i))
		g.Go(func() error {
			p, err := f.engine.Join(ctx, "race", pid)
			switch {
			case err == nil && p.State == enrollment.StateApproved:
				approved.Add(1)
				return nil
			case errors.Is(err, enrollment.ErrFull):
				full.Add(1)
				return nil
			default:
				return fmt.Errorf("unexpected result for %s: %v %v", pid, p.State, err)
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, capacity, approved.Load())
	assert.EqualValues(t, callers-capacity, full.Load())
	assert.Equal(t, capacity, f.approvedCount(t, "race"))

	l, err := f.engine.GetListing(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ListingFilled, l.Status)
}

func TestDecide_ConcurrentApprovalsOverbooking(t *testing.T) {
	// GIVEN: moderated listing with capacity 1 and two pending requests
	// WHEN: both are approved concurrently
	// THEN: exactly one approved, one CapacityExceeded, count stays 1
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "mod", 1, enrollment.PolicyModerated)
	_, err := f.engine.Join(ctx, "mod", "A")
	require.NoError(t, err)
	_, err = f.engine.Join(ctx, "mod", "B")
	require.NoError(t, err)

	var ok, exceeded atomic.Int32
	var g errgroup.Group
	for _, pid := range []enrollment.ParticipantID{"A", "B"} {
		g.Go(func() error {
			_, err := f.engine.Decide(ctx, "mod", "O", pid, enrollment.DecisionApprove)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, enrollment.ErrCapacityExceeded):
				exceeded.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, exceeded.Load())
	assert.Equal(t, 1, f.approvedCount(t, "mod"))
}

func TestConcurrentJoinCancel_InvariantHolds(t *testing.T) {
	// GIVEN: self_service listing with capacity 3
	// WHEN: participants repeatedly join and cancel in parallel
	// THEN: the approved count never exceeds capacity and ends consistent
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "churn", 3, enrollment.PolicySelfService)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		pid := enrollment.ParticipantID(fmt.Sprintf("p-%d", i))
		g.Go(func() error {
			for round := 0; round < 20; round++ {
				_, err := f.engine.Join(ctx, "churn", pid)
				if err != nil && !errors.Is(err, enrollment.ErrFull) {
					return err
				}
				occ, err := f.engine.Occupancy(ctx, "churn")
				if err != nil {
					return err
				}
				if occ.Approved > occ.Capacity {
					return fmt.Errorf("approved %d exceeds capacity %d", occ.Approved, occ.Capacity)
				}
				if err := f.engine.Cancel(ctx, "churn", pid); err != nil && !errors.Is(err, enrollment.ErrNotFound) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, f.approvedCount(t, "churn"))
}

func TestDifferentListings_DoNotContend(t *testing.T) {
	// GIVEN: two listings and a notifier that blocks while handling L-a events
	// WHEN: a join on L-a is stuck in notification and L-b is joined
	// THEN: the L-b join completes; sections are released before notifying
	mem := store.NewMemory()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	notifier := enrollment.NotifierFunc(func(_ context.Context, ev enrollment.Event) error {
		if ev.ListingID == "L-a" {
			entered <- struct{}{}
			<-release
		}
		return nil
	})
	engine := enrollment.NewEngine(mem, enrollment.WithNotifier(notifier))
	ctx := context.Background()
	for _, id := range []enrollment.ListingID{"L-a", "L-b"} {
		_, err := engine.CreateListing(ctx, enrollment.Listing{ID: id, OwnerID: "O", Capacity: 1, Policy: enrollment.PolicySelfService})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := engine.Join(ctx, "L-a", "A")
		done <- err
	}()
	<-entered

	_, err := engine.Join(ctx, "L-b", "B")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

// =============================================================================
// IDEMPOTENCE AND LEGALITY
// =============================================================================

func TestCancel_TwiceReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 2, enrollment.PolicySelfService)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.Join(ctx, "L", "B")
	require.NoError(t, err)
	require.Equal(t, 2, f.approvedCount(t, "L"))

	require.NoError(t, f.engine.Cancel(ctx, "L", "A"))
	err = f.engine.Cancel(ctx, "L", "A")
	assert.ErrorIs(t, err, enrollment.ErrNotFound)
	assert.Equal(t, 1, f.approvedCount(t, "L"), "second cancel must not release again")
}

func TestCancel_PendingDoesNotTouchLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicyModerated)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.Join(ctx, "L", "B")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, "L", "O", "A", enrollment.DecisionApprove)
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, "L", "B"))
	assert.Equal(t, 1, f.approvedCount(t, "L"))

	b, err := f.engine.Participation(ctx, "L", "B")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateCancelled, b.State)
	require.NotNil(t, b.DecidedBy)
	assert.Equal(t, enrollment.ParticipantID("B"), *b.DecidedBy, "self-cancel is decided by the participant")
}

func TestDecide_NonPendingIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 2, enrollment.PolicyModerated)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, "L", "O", "A", enrollment.DecisionReject)
	require.NoError(t, err)

	for _, d := range []enrollment.Decision{enrollment.DecisionApprove, enrollment.DecisionReject} {
		before, err := f.engine.Participation(ctx, "L", "A")
		require.NoError(t, err)

		_, err = f.engine.Decide(ctx, "L", "O", "A", d)
		assert.ErrorIs(t, err, enrollment.ErrInvalidState, "decision %s", d)
		var trErr *enrollment.TransitionError
		require.ErrorAs(t, err, &trErr)
		assert.Equal(t, enrollment.StateRejected, trErr.From)

		after, err := f.engine.Participation(ctx, "L", "A")
		require.NoError(t, err)
		assert.Equal(t, before, after, "a refused decision mutates nothing")
	}
	assert.Equal(t, 0, f.approvedCount(t, "L"))
}

func TestDecide_NotOwnerForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 2, enrollment.PolicyModerated)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)

	_, err = f.engine.Decide(ctx, "L", "mallory", "A", enrollment.DecisionApprove)
	assert.ErrorIs(t, err, enrollment.ErrForbidden)
	assert.True(t, enrollment.IsForbidden(err))
	assert.False(t, enrollment.IsRetryable(err))
}

func TestDecide_UnknownParticipantNotFound(t *testing.T) {
	f := newFixture(t)
	f.listing(t, "L", 2, enrollment.PolicyModerated)

	_, err := f.engine.Decide(context.Background(), "L", "O", "ghost", enrollment.DecisionReject)
	assert.ErrorIs(t, err, enrollment.ErrNotFound)
}

func TestParticipation_Lookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 2, enrollment.PolicySelfService)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)

	p, err := f.engine.Participation(ctx, "L", "A")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateApproved, p.State)

	_, err = f.engine.Participation(ctx, "L", "ghost")
	assert.ErrorIs(t, err, enrollment.ErrNotFound)
	assert.True(t, enrollment.IsRetryable(err))

	_, err = f.engine.Participation(ctx, "nope", "A")
	assert.ErrorIs(t, err, enrollment.ErrListingNotFound)
	assert.False(t, enrollment.IsInfrastructure(err))
	assert.Equal(t, "listing_not_found", enrollment.Code(err))
}

func TestCreateListing_RejectsFilledStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateListing(context.Background(), enrollment.Listing{
		ID: "L", OwnerID: "O", Capacity: 2, Policy: enrollment.PolicySelfService, Status: enrollment.ListingFilled,
	})
	assert.ErrorIs(t, err, enrollment.ErrInvalidInput)

	_, err = f.engine.GetListing(context.Background(), "L")
	assert.ErrorIs(t, err, enrollment.ErrListingNotFound)
}

func TestDecide_InvalidDecision(t *testing.T) {
	f := newFixture(t)
	f.listing(t, "L", 2, enrollment.PolicyModerated)

	_, err := f.engine.Decide(context.Background(), "L", "O", "A", enrollment.Decision("maybe"))
	assert.ErrorIs(t, err, enrollment.ErrInvalidInput)
}

func TestJoin_AlreadyActive(t *testing.T) {
	tests := []struct {
		name   string
		policy enrollment.Policy
	}{
		{name: "self service approved", policy: enrollment.PolicySelfService},
		{name: "moderated pending", policy: enrollment.PolicyModerated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.listing(t, "L", 3, tt.policy)

			_, err := f.engine.Join(ctx, "L", "A")
			require.NoError(t, err)
			_, err = f.engine.Join(ctx, "L", "A")
			assert.ErrorIs(t, err, enrollment.ErrAlreadyActive)
			assert.True(t, enrollment.IsRetryable(err))

			rows, err := f.engine.ListParticipants(ctx, "L", enrollment.Filter{})
			require.NoError(t, err)
			assert.Len(t, rows, 1)
		})
	}
}

func TestJoin_AfterRejectionCreatesNewRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicyModerated)

	first, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, "L", "O", "A", enrollment.DecisionReject)
	require.NoError(t, err)

	second, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, enrollment.StatePending, second.State)

	rows, err := f.engine.ListParticipants(ctx, "L", enrollment.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, enrollment.StateRejected, rows[0].State, "old row is not resurrected")
	assert.Equal(t, enrollment.StatePending, rows[1].State)
}

func TestJoin_ClosedListing(t *testing.T) {
	for _, status := range []enrollment.ListingStatus{enrollment.ListingClosed, enrollment.ListingExpired} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.listing(t, "L", 2, enrollment.PolicyModerated)
			_, err := f.engine.Join(ctx, "L", "A")
			require.NoError(t, err)

			_, err = f.engine.CloseListing(ctx, "L", "O", status)
			require.NoError(t, err)

			_, err = f.engine.Join(ctx, "L", "B")
			assert.ErrorIs(t, err, enrollment.ErrListingClosed)

			_, err = f.engine.Decide(ctx, "L", "O", "A", enrollment.DecisionApprove)
			assert.ErrorIs(t, err, enrollment.ErrListingClosed)
		})
	}
}

func TestJoin_ModeratedAllowedWhenFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicyModerated)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, "L", "O", "A", enrollment.DecisionApprove)
	require.NoError(t, err)

	p, err := f.engine.Join(ctx, "L", "B")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatePending, p.State)
}

func TestJoin_UnknownListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Join(context.Background(), "nope", "A")
	assert.ErrorIs(t, err, enrollment.ErrListingNotFound)
	assert.True(t, enrollment.IsNotFound(err))
}

func TestCloseListing_RequiresOwnerAndTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicySelfService)

	_, err := f.engine.CloseListing(ctx, "L", "mallory", enrollment.ListingClosed)
	assert.ErrorIs(t, err, enrollment.ErrForbidden)

	_, err = f.engine.CloseListing(ctx, "L", "O", enrollment.ListingFilled)
	assert.ErrorIs(t, err, enrollment.ErrInvalidInput)
}

// =============================================================================
// OWNER REMOVE AND STATUS FLIPS
// =============================================================================

func TestRemove_ReopensFilledListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicySelfService)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)

	l, err := f.engine.GetListing(ctx, "L")
	require.NoError(t, err)
	require.Equal(t, enrollment.ListingFilled, l.Status)

	require.NoError(t, f.engine.Remove(ctx, "L", "O", "A"))

	l, err = f.engine.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ListingOpen, l.Status)
	assert.Equal(t, 0, l.ApprovedCount)

	a, err := f.engine.Participation(ctx, "L", "A")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateCancelled, a.State)
	require.NotNil(t, a.DecidedBy)
	assert.Equal(t, enrollment.ParticipantID("O"), *a.DecidedBy)
}

func TestRemove_PendingIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicyModerated)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)

	err = f.engine.Remove(ctx, "L", "O", "A")
	assert.ErrorIs(t, err, enrollment.ErrInvalidState)

	err = f.engine.Remove(ctx, "L", "mallory", "A")
	assert.ErrorIs(t, err, enrollment.ErrForbidden)
}

func TestClosedListing_StaysClosedAfterRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicySelfService)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.CloseListing(ctx, "L", "O", enrollment.ListingExpired)
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, "L", "A"))

	l, err := f.engine.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ListingExpired, l.Status)
	assert.Equal(t, 0, l.ApprovedCount)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotifications_OnePerTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicyModerated)

	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	_, err = f.engine.Join(ctx, "L", "B")
	require.NoError(t, err)
	assert.Equal(t, []enrollment.EventKind{enrollment.EventJoined, enrollment.EventJoined}, f.events.kinds())

	f.events.reset()
	_, err = f.engine.Decide(ctx, "L", "O", "A", enrollment.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, []enrollment.EventKind{enrollment.EventApproved, enrollment.EventFilled}, f.events.kinds())

	f.events.reset()
	_, err = f.engine.Decide(ctx, "L", "O", "B", enrollment.DecisionApprove)
	require.Error(t, err)
	assert.Empty(t, f.events.kinds(), "refused operations emit nothing")

	_, err = f.engine.Decide(ctx, "L", "O", "B", enrollment.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, []enrollment.EventKind{enrollment.EventRejected}, f.events.kinds())

	f.events.mu.Lock()
	last := f.events.events[0]
	f.events.mu.Unlock()
	assert.Equal(t, enrollment.ParticipantID("B"), last.RecipientID)
	assert.Equal(t, enrollment.ListingID("L"), last.ListingID)
}

func TestNotifications_CancelAndRemove(t *testing.T) {
	// GIVEN: a moderated listing with one pending and one approved participant
	// WHEN: the pending participant withdraws, the approved one cancels, then
	//       a re-approved participant is removed by the owner
	// THEN: each transition emits exactly one cancelled event to the right recipient
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 1, enrollment.PolicyModerated)

	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	f.events.reset()
	require.NoError(t, f.engine.Cancel(ctx, "L", "A"))
	assert.Equal(t, []enrollment.EventKind{enrollment.EventCancelled}, f.events.kinds())
	f.events.mu.Lock()
	assert.Equal(t, enrollment.ParticipantID("O"), f.events.events[0].RecipientID)
	f.events.mu.Unlock()
	assert.Equal(t, 0, f.approvedCount(t, "L"))

	_, err = f.engine.Join(ctx, "L", "B")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, "L", "O", "B", enrollment.DecisionApprove)
	require.NoError(t, err)
	f.events.reset()
	require.NoError(t, f.engine.Cancel(ctx, "L", "B"))
	assert.Equal(t, []enrollment.EventKind{enrollment.EventCancelled}, f.events.kinds())
	f.events.mu.Lock()
	assert.Equal(t, enrollment.ParticipantID("O"), f.events.events[0].RecipientID)
	f.events.mu.Unlock()

	_, err = f.engine.Join(ctx, "L", "C")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, "L", "O", "C", enrollment.DecisionApprove)
	require.NoError(t, err)
	f.events.reset()
	require.NoError(t, f.engine.Remove(ctx, "L", "O", "C"))
	assert.Equal(t, []enrollment.EventKind{enrollment.EventCancelled}, f.events.kinds())
	f.events.mu.Lock()
	assert.Equal(t, enrollment.ParticipantID("C"), f.events.events[0].RecipientID)
	f.events.mu.Unlock()
	assert.Equal(t, 0, f.approvedCount(t, "L"))

	f.events.reset()
	assert.ErrorIs(t, f.engine.Cancel(ctx, "L", "A"), enrollment.ErrNotFound)
	assert.Empty(t, f.events.kinds(), "a repeated cancel emits nothing")
}

func TestNotifications_FailureDoesNotRollBack(t *testing.T) {
	mem := store.NewMemory()
	failing := enrollment.NotifierFunc(func(context.Context, enrollment.Event) error {
		return errors.New("smtp down")
	})
	engine := enrollment.NewEngine(mem, enrollment.WithNotifier(failing))
	ctx := context.Background()
	_, err := engine.CreateListing(ctx, enrollment.Listing{ID: "L", OwnerID: "O", Capacity: 1, Policy: enrollment.PolicySelfService})
	require.NoError(t, err)

	p, err := engine.Join(ctx, "L", "A")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateApproved, p.State)

	occ, err := engine.Occupancy(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, 1, occ.Approved)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_FixesDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.listing(t, "L", 2, enrollment.PolicySelfService)
	f.listing(t, "M", 2, enrollment.PolicySelfService)
	_, err := f.engine.Join(ctx, "L", "A")
	require.NoError(t, err)

	require.NoError(t, f.store.CorruptApprovedCount("L", 2))

	report, err := f.engine.ReconcileAll(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []enrollment.ListingID{"L"}, report.Drifted)

	l, err := f.engine.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, 1, l.ApprovedCount)
	assert.Equal(t, enrollment.ListingOpen, l.Status)

	_, drift, err := f.engine.Reconcile(ctx, "L")
	require.NoError(t, err)
	assert.False(t, drift)
}

// =============================================================================
// OBSERVER
// =============================================================================

type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (o *opRecorder) ObserveOperation(op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op+":"+outcome)
}

func TestObserver_RecordsOutcomes(t *testing.T) {
	obs := &opRecorder{}
	engine := enrollment.NewEngine(store.NewMemory(), enrollment.WithObserver(obs))
	ctx := context.Background()
	_, err := engine.CreateListing(ctx, enrollment.Listing{ID: "L", OwnerID: "O", Capacity: 1, Policy: enrollment.PolicySelfService})
	require.NoError(t, err)

	_, _ = engine.Join(ctx, "L", "A")
	_, _ = engine.Join(ctx, "L", "B")
	_ = engine.Cancel(ctx, "L", "C")

	assert.Equal(t, []string{"join:ok", "join:full", "cancel:not_found"}, obs.ops)
}
