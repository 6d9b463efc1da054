/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements enrollment.Store and the notification inbox using SQLite.
  The PostgreSQL store in store/postgres follows the same schema with
  dialect differences only.

INTERFACES IMPLEMENTED:
  enrollment.Store: Listings, participations, atomic listing sections
  notify.Inbox:     In-app notification delivery and retrieval

KEY TABLES:
  listings:       One row per listing, with the cached approved_count
  participations: One row per (listing, participant, attempt); never deleted
  notifications:  In-app inbox, one row per delivered event

INDEXES:
  - idx_participations_one_active: at most one pending/approved row per
    (listing, participant). The engine checks this first; the index is the
    last line if two processes share the file.
  - idx_participations_listing_state: approved counts (hot path)
  - idx_notifications_recipient: inbox reads

ATOMIC SECTIONS:
  WithListing runs inside a transaction opened with BEGIN IMMEDIATE
  (_txlock=immediate), which takes the database write lock up front. Two
  sections can therefore never read the same approved count and both
  insert. busy_timeout makes the second writer wait instead of failing.

ORDERING:
  Timestamps are stored as fixed-width UTC text so string order is time
  order. seq (AUTOINCREMENT) breaks ties in insertion order.

USAGE:
  store, err := sqlite.New("./data/enrollment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := enrollment.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - enrollment/store.go: Interface definitions
  - enrollment/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/enrollment-engine/enrollment"
)

// timeLayout is fixed-width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements enrollment.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database otherwise.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		capacity INTEGER NOT NULL CHECK (capacity >= 1),
		policy TEXT NOT NULL CHECK (policy IN ('self_service', 'moderated')),
		status TEXT NOT NULL DEFAULT 'open',
		approved_count INTEGER NOT NULL DEFAULT 0 CHECK (approved_count >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		participant_id TEXT NOT NULL,
		state TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		decided_at TEXT,
		decided_by TEXT
	);

	-- CRITICAL: one active participation per (listing, participant)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_participations_one_active
		ON participations(listing_id, participant_id)
		WHERE state IN ('pending', 'approved');

	CREATE INDEX IF NOT EXISTS idx_participations_listing_state
		ON participations(listing_id, state);

	CREATE INDEX IF NOT EXISTS idx_participations_listing_participant
		ON participations(listing_id, participant_id, seq DESC);

	CREATE TABLE IF NOT EXISTS notifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		listing_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_recipient
		ON notifications(recipient_id, seq DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LISTINGS
// =============================================================================

func (s *Store) CreateListing(ctx context.Context, l enrollment.Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (id, owner_id, subject, capacity, policy, status, approved_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.OwnerID, l.Subject, l.Capacity, l.Policy, l.Status, l.ApprovedCount,
		formatTime(l.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return enrollment.ErrListingExists
		}
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id enrollment.ListingID) (enrollment.Listing, error) {
	return getListing(ctx, s.db, id)
}

func (s *Store) ListListings(ctx context.Context) ([]enrollment.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []enrollment.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

const listingColumns = `id, owner_id, subject, capacity, policy, status, approved_count, created_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func getListing(ctx context.Context, q queryer, id enrollment.ListingID) (enrollment.Listing, error) {
	row := q.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Listing{}, enrollment.ErrListingNotFound
	}
	return l, err
}

func scanListing(row scanner) (enrollment.Listing, error) {
	var (
		l         enrollment.Listing
		createdAt string
	)
	if err := row.Scan(&l.ID, &l.OwnerID, &l.Subject, &l.Capacity, &l.Policy, &l.Status, &l.ApprovedCount, &createdAt); err != nil {
		return enrollment.Listing{}, err
	}
	l.CreatedAt = parseTime(createdAt)
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

	query := `SELECT ` + participationColumns + ` FROM participations WHERE listing_id = ?`
	args := []any{id}
	if len(filter.States) > 0 {
		query += ` AND state IN (?` + strings.Repeat(", ?", len(filter.States)-1) + `)`
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	query += ` ORDER BY requested_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query participations: %w", err)
	}
	defer rows.Close()

	var result []enrollment.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) FindLatest(ctx context.Context, id enrollment.ListingID, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	if _, err := s.GetListing(ctx, id); err != nil {
		return nil, err
	}
	return findLatest(ctx, s.db, id, participantID)
}

func findLatest(ctx context.Context, q queryer, id enrollment.ListingID, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+participationColumns+`
		FROM participations
		WHERE listing_id = ? AND participant_id = ?
		ORDER BY seq DESC
		LIMIT 1`, id, participantID)

	p, err := scanParticipation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanParticipation(row scanner) (enrollment.Participation, error) {
	var (
		p           enrollment.Participation
		requestedAt string
		decidedAt   sql.NullString
		decidedBy   sql.NullString
	)
	if err := row.Scan(&p.ID, &p.ListingID, &p.ParticipantID, &p.State, &requestedAt, &decidedAt, &decidedBy); err != nil {
		return enrollment.Participation{}, err
	}
	p.RequestedAt = parseTime(requestedAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		p.DecidedAt = &t
	}
	if decidedBy.Valid {
		by := enrollment.ParticipantID(decidedBy.String)
		p.DecidedBy = &by
	}
	return p, nil
}

// =============================================================================
// ATOMIC SECTION (enrollment.ListingTx)
// =============================================================================

// WithListing runs fn in an immediate transaction scoped to one listing.
// The transaction commits only if fn returns nil.
func (s *Store) WithListing(ctx context.Context, id enrollment.ListingID, fn func(enrollment.ListingTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	listing, err := getListing(ctx, sqlTx, id)
	if err != nil {
		return err
	}

	if err := fn(&listingTx{tx: sqlTx, listing: listing}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type listingTx struct {
	tx      *sql.Tx
	listing enrollment.Listing
}

func (t *listingTx) Listing() enrollment.Listing {
	return t.listing
}

func (t *listingTx) SetStatus(ctx context.Context, status enrollment.ListingStatus) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE listings SET status = ? WHERE id = ?`, status, t.listing.ID); err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	t.listing.Status = status
	return nil
}

func (t *listingTx) SetApprovedCount(ctx context.Context, n int) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE listings SET approved_count = ? WHERE id = ?`, n, t.listing.ID); err != nil {
		return fmt.Errorf("failed to update approved count: %w", err)
	}
	t.listing.ApprovedCount = n
	return nil
}

func (t *listingTx) CountByState(ctx context.Context, state enrollment.State) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participations WHERE listing_id = ? AND state = ?`,
		t.listing.ID, state,
	).Scan(&n)
	return n, err
}

func (t *listingTx) Latest(ctx context.Context, participantID enrollment.ParticipantID) (*enrollment.Participation, error) {
	return findLatest(ctx, t.tx, t.listing.ID, participantID)
}

func (t *listingTx) Insert(ctx context.Context, p enrollment.Participation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO participations (id, listing_id, participant_id, state, requested_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, t.listing.ID, p.ParticipantID, p.State,
		formatTime(p.RequestedAt), nullTime(p.DecidedAt), nullParticipant(p.DecidedBy),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "participant_id") {
			return enrollment.ErrAlreadyActive
		}
		return fmt.Errorf("failed to insert participation: %w", err)
	}
	return nil
}

func (t *listingTx) Update(ctx context.Context, p enrollment.Participation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE participations SET state = ?, decided_at = ?, decided_by = ?
		WHERE id = ? AND listing_id = ?`,
		p.State, nullTime(p.DecidedAt), nullParticipant(p.DecidedBy), p.ID, t.listing.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update participation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("participation %s not found in listing %s", p.ID, t.listing.ID)
	}
	return nil
}

// =============================================================================
// NOTIFICATION INBOX (notify.Inbox)
// =============================================================================

// Deliver stores an event in the recipient's inbox.
func (s *Store) Deliver(ctx context.Context, ev enrollment.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (recipient_id, kind, listing_id, participant_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.RecipientID, ev.Kind, ev.ListingID, ev.ParticipantID, formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// Recent returns the recipient's newest events first.
func (s *Store) Recent(ctx context.Context, recipient enrollment.ParticipantID, limit int) ([]enrollment.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, recipient_id, listing_id, participant_id, created_at
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY seq DESC
		LIMIT ?`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var events []enrollment.Event
	for rows.Next() {
		var (
			ev enrollment.Event
			at string
		)
		if err := rows.Scan(&ev.Kind, &ev.RecipientID, &ev.ListingID, &ev.ParticipantID, &at); err != nil {
			return nil, err
		}
		ev.At = parseTime(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"notifications", "participations", "listings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// CorruptApprovedCount overwrites the cached count without touching rows.
// Used to exercise reconciliation.
func (s *Store) CorruptApprovedCount(id enrollment.ListingID, n int) error {
	_, err := s.db.Exec(`UPDATE listings SET approved_count = ? WHERE id = ?`, n, id)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullParticipant(id *enrollment.ParticipantID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
