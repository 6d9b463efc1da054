// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps one shard per listing. The shard mutex is the listing's
// atomic section, so sections on different listings never contend.
type Memory struct {
	mu     sync.RWMutex
	shards map[enrollment.ListingID]*shard
}

type shard struct {
	mu      sync.RWMutex
	listing enrollment.Listing
	rows    []enrollment.Participation // insertion order
}

func NewMemory() *Memory {
	return &Memory{shards: make(map[enrollment.ListingID]*shard)}
}

func (m *Memory) shard(id enrollment.ListingID) (*shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[id]
	if !ok {
		return nil, enrollment.ErrListingNotFound
	}
	return s, nil
}

func (m *Memory) CreateListing(_ context.Context, l enrollment.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shards[l.ID]; ok {
		return enrollment.ErrListingExists
	}
	m.shards[l.ID] = &shard{listing: l}
	return nil
}

func (m *Memory) GetListing(_ context.Context, id enrollment.ListingID) (enrollment.Listing, error) {
	s, err := m.shard(id)
	if err != nil {
		return enrollment.Listing{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listing, nil
}

func (m *Memory) ListListings(_ context.Context) ([]enrollment.Listing, error) {
	m.mu.RLock()
	shards := lo.Values(m.shards)
	m.mu.RUnlock()

	listings := make([]enrollment.Listing, 0, len(shards))
	for _, s := range shards {
		s.mu.RLock()
		listings = append(listings, s.listing)
		s.mu.RUnlock()
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	return listings, nil
}

func (m *Memory) ListParticipations(_ context.Context, id enrollment.ListingID, filter enrollment.Filter) ([]enrollment.Participation, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	result := lo.Filter(s.rows, func(p enrollment.Participation, _ int) bool {
		return filter.Matches(p.State)
	})
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

func (m *Memory) FindLatest(_ context.Context, id enrollment.ListingID, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	s, err := m.shard(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest(participantID), nil
}

// =============================================================================
// ATOMIC SECTION
// =============================================================================

// WithListing locks the listing's shard, runs fn, and restores the
// snapshot taken on entry if fn fails.
func (m *Memory) WithListing(ctx context.Context, id enrollment.ListingID, fn func(enrollment.ListingTx) error) error {
	s, err := m.shard(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapListing := s.listing
	snapRows := append([]enrollment.Participation(nil), s.rows...)

	if err := fn(&memoryTx{s: s}); err != nil {
		s.listing = snapListing
		s.rows = snapRows
		return err
	}
	return nil
}

func (s *shard) latest(participantID enrollment.ParticipantID) *enrollment.Participation {
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].ParticipantID == participantID {
			p := s.rows[i]
			return &p
		}
	}
	return nil
}

// memoryTx is only used while the shard's write lock is held.
type memoryTx struct {
	s *shard
}

func (tx *memoryTx) Listing() enrollment.Listing {
	return tx.s.listing
}

func (tx *memoryTx) SetStatus(_ context.Context, status enrollment.ListingStatus) error {
	tx.s.listing.Status = status
	return nil
}

func (tx *memoryTx) SetApprovedCount(_ context.Context, n int) error {
	tx.s.listing.ApprovedCount = n
	return nil
}

func (tx *memoryTx) CountByState(_ context.Context, state enrollment.State) (int, error) {
	return lo.CountBy(tx.s.rows, func(p enrollment.Participation) bool {
		return p.State == state
	}), nil
}

func (tx *memoryTx) Latest(_ context.Context, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	return tx.s.latest(participantID), nil
}

func (tx *memoryTx) Insert(_ context.Context, p enrollment.Participation) error {
	if p.State.Active() {
		if cur := tx.s.latest(p.ParticipantID); cur != nil && cur.State.Active() {
			return enrollment.ErrAlreadyActive
		}
	}
	tx.s.rows = append(tx.s.rows, p)
	return nil
}

func (tx *memoryTx) Update(_ context.Context, p enrollment.Participation) error {
	for i := range tx.s.rows {
		if tx.s.rows[i].ID == p.ID {
			tx.s.rows[i].State = p.State
			tx.s.rows[i].DecidedAt = p.DecidedAt
			tx.s.rows[i].DecidedBy = p.DecidedBy
			return nil
		}
	}
	return fmt.Errorf("participation %s not found in listing %s", p.ID, tx.s.listing.ID)
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// Reset drops every listing and participation.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards = make(map[enrollment.ListingID]*shard)
	return nil
}

// CorruptApprovedCount overwrites the cached count without touching rows.
// Used to exercise reconciliation.
func (m *Memory) CorruptApprovedCount(id enrollment.ListingID, n int) error {
	s, err := m.shard(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listing.ApprovedCount = n
	return nil
}
