/*
Package postgres provides a PostgreSQL-backed enrollment.Store.

PURPOSE:
  Same schema and semantics as store/sqlite, for deployments where several
  engine processes share one database.

ATOMIC SECTIONS:
  WithListing opens a transaction and takes SELECT ... FOR UPDATE on the
  listing row. Every section on that listing, from any process, queues
  behind the row lock; sections on other listings lock other rows and
  proceed in parallel.

UNIQUENESS:
  Insert uses ON CONFLICT against the partial unique index rather than
  catching 23505, since a failed statement would abort the whole
  transaction.

SEE ALSO:
  - store/sqlite: reference schema and comments
  - enrollment/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/enrollment-engine/enrollment"
)

const uniqueViolation = "23505"

// Store implements enrollment.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		capacity INTEGER NOT NULL CHECK (capacity >= 1),
		policy TEXT NOT NULL CHECK (policy IN ('self_service', 'moderated')),
		status TEXT NOT NULL DEFAULT 'open',
		approved_count INTEGER NOT NULL DEFAULT 0 CHECK (approved_count >= 0),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participations (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		participant_id TEXT NOT NULL,
		state TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		decided_at TIMESTAMPTZ,
		decided_by TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_participations_one_active
		ON participations(listing_id, participant_id)
		WHERE state IN ('pending', 'approved');

	CREATE INDEX IF NOT EXISTS idx_participations_listing_state
		ON participations(listing_id, state);

	CREATE TABLE IF NOT EXISTS notifications (
		seq BIGSERIAL PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		listing_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_recipient
		ON notifications(recipient_id, seq DESC);
	`)
	return err
}

// =============================================================================
// LISTINGS
// =============================================================================

const listingColumns = `id, owner_id, subject, capacity, policy, status, approved_count, created_at`

func (s *Store) CreateListing(ctx context.Context, l enrollment.Listing) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(l.ID), string(l.OwnerID), l.Subject, l.Capacity, string(l.Policy), string(l.Status),
		l.ApprovedCount, l.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return enrollment.ErrListingExists
		}
		return fmt.Errorf("postgres: insert listing: %w", err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id enrollment.ListingID) (enrollment.Listing, error) {
	return scanListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, string(id)))
}

func (s *Store) ListListings(ctx context.Context) ([]enrollment.Listing, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query listings: %w", err)
	}
	defer rows.Close()

	var out []enrollment.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanListing(row pgx.Row) (enrollment.Listing, error) {
	var (
		id, owner, policy, status string
		l                         enrollment.Listing
	)
	err := row.Scan(&id, &owner, &l.Subject, &l.Capacity, &policy, &status, &l.ApprovedCount, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return enrollment.Listing{}, enrollment.ErrListingNotFound
	}
	if err != nil {
		return enrollment.Listing{}, fmt.Errorf("postgres: scan listing: %w", err)
	}
	l.ID = enrollment.ListingID(id)
	l.OwnerID = enrollment.ParticipantID(owner)
	l.Policy = enrollment.Policy(policy)
	l.Status = enrollment.ListingStatus(status)
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

// =============================================================================
// PARTICIPATIONS
// =============================================================================

const participationColumns = `id, listing_id, participant_id, state, requested_at, decided_at, decided_by`

func (s *Store) ListParticipations(ctx context.Context, id enrollment.ListingID, filter enrollment.Filter) ([]enrollment.Participation, error) {
	if _, err := s.GetListing(ctx, id); err != nil {
		return nil, err
	}

	query := `SELECT ` + participationColumns + ` FROM participations WHERE listing_id = $1`
	args := []any{string(id)}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		query += ` AND state = ANY($2)`
		args = append(args, states)
	}
	query += ` ORDER BY requested_at ASC, seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query participations: %w", err)
	}
	defer rows.Close()

	var out []enrollment.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) FindLatest(ctx context.Context, id enrollment.ListingID, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	if _, err := s.GetListing(ctx, id); err != nil {
		return nil, err
	}
	return findLatest(ctx, s.pool, id, participantID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findLatest(ctx context.Context, q querier, id enrollment.ListingID, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	p, err := scanParticipation(q.QueryRow(ctx, `
		SELECT `+participationColumns+`
		FROM participations
		WHERE listing_id = $1 AND participant_id = $2
		ORDER BY seq DESC
		LIMIT 1`, string(id), string(participantID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanParticipation(row pgx.Row) (enrollment.Participation, error) {
	var (
		id, listingID, participantID, state string
		requestedAt                         time.Time
		decidedAt                           *time.Time
		decidedBy                           *string
	)
	if err := row.Scan(&id, &listingID, &participantID, &state, &requestedAt, &decidedAt, &decidedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return enrollment.Participation{}, err
		}
		return enrollment.Participation{}, fmt.Errorf("postgres: scan participation: %w", err)
	}

	p := enrollment.Participation{
		ID:            enrollment.ParticipationID(id),
		ListingID:     enrollment.ListingID(listingID),
		ParticipantID: enrollment.ParticipantID(participantID),
		State:         enrollment.State(state),
		RequestedAt:   requestedAt.UTC(),
	}
	if decidedAt != nil {
		t := decidedAt.UTC()
		p.DecidedAt = &t
	}
	if decidedBy != nil {
		by := enrollment.ParticipantID(*decidedBy)
		p.DecidedBy = &by
	}
	return p, nil
}

// =============================================================================
// ATOMIC SECTION
// =============================================================================

// WithListing locks the listing row for the duration of fn.
func (s *Store) WithListing(ctx context.Context, id enrollment.ListingID, fn func(enrollment.ListingTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	listing, err := scanListing(tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, string(id)))
	if err != nil {
		return err
	}

	if err := fn(&listingTx{tx: tx, listing: listing}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type listingTx struct {
	tx      pgx.Tx
	listing enrollment.Listing
}

func (t *listingTx) Listing() enrollment.Listing { return t.listing }

func (t *listingTx) SetStatus(ctx context.Context, status enrollment.ListingStatus) error {
	if _, err := t.tx.Exec(ctx, `UPDATE listings SET status = $1 WHERE id = $2`, string(status), string(t.listing.ID)); err != nil {
		return fmt.Errorf("postgres: update listing status: %w", err)
	}
	t.listing.Status = status
	return nil
}

func (t *listingTx) SetApprovedCount(ctx context.Context, n int) error {
	if _, err := t.tx.Exec(ctx, `UPDATE listings SET approved_count = $1 WHERE id = $2`, n, string(t.listing.ID)); err != nil {
		return fmt.Errorf("postgres: update approved count: %w", err)
	}
	t.listing.ApprovedCount = n
	return nil
}

func (t *listingTx) CountByState(ctx context.Context, state enrollment.State) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM participations WHERE listing_id = $1 AND state = $2`,
		string(t.listing.ID), string(state),
	).Scan(&n)
	return n, err
}

func (t *listingTx) Latest(ctx context.Context, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	return findLatest(ctx, t.tx, t.listing.ID, participantID)
}

func (t *listingTx) Insert(ctx context.Context, p enrollment.Participation) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO participations (id, listing_id, participant_id, state, requested_at, decided_at, decided_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (listing_id, participant_id) WHERE state IN ('pending', 'approved') DO NOTHING`,
		string(p.ID), string(t.listing.ID), string(p.ParticipantID), string(p.State),
		p.RequestedAt.UTC(), utcPtr(p.DecidedAt), stringPtr(p.DecidedBy),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert participation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return enrollment.ErrAlreadyActive
	}
	return nil
}

func (t *listingTx) Update(ctx context.Context, p enrollment.Participation) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE participations SET state = $1, decided_at = $2, decided_by = $3
		WHERE id = $4 AND listing_id = $5`,
		string(p.State), utcPtr(p.DecidedAt), stringPtr(p.DecidedBy), string(p.ID), string(t.listing.ID),
	)
	if err != nil {
		return fmt.Errorf("postgres: update participation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: participation %s not found in listing %s", p.ID, t.listing.ID)
	}
	return nil
}

// =============================================================================
// NOTIFICATION INBOX
// =============================================================================

func (s *Store) Deliver(ctx context.Context, ev enrollment.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (recipient_id, kind, listing_id, participant_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(ev.RecipientID), string(ev.Kind), string(ev.ListingID), string(ev.ParticipantID), ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert notification: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, recipient enrollment.ParticipantID, limit int) ([]enrollment.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT kind, recipient_id, listing_id, participant_id, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY seq DESC
		LIMIT $2`, string(recipient), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query notifications: %w", err)
	}
	defer rows.Close()

	var out []enrollment.Event
	for rows.Next() {
		var kind, recipientID, listingID, participantID string
		var at time.Time
		if err := rows.Scan(&kind, &recipientID, &listingID, &participantID, &at); err != nil {
			return nil, err
		}
		out = append(out, enrollment.Event{
			Kind:          enrollment.EventKind(kind),
			RecipientID:   enrollment.ParticipantID(recipientID),
			ListingID:     enrollment.ListingID(listingID),
			ParticipantID: enrollment.ParticipantID(participantID),
			At:            at.UTC(),
		})
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE notifications, participations, listings RESTART IDENTITY`)
	return err
}

func (s *Store) CorruptApprovedCount(id enrollment.ListingID, n int) error {
	_, err := s.pool.Exec(context.Background(), `UPDATE listings SET approved_count = $1 WHERE id = $2`, n, string(id))
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func stringPtr(id *enrollment.ParticipantID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
