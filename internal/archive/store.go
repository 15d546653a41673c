// Package archive persists delivered call records to PostgreSQL.
//
// The archive is optional: when no DSN is configured the application runs
// without it. Records are keyed by their backend-assigned ID, so a
// transcription update overwrites the transcript of the earlier row instead
// of inserting a second one — mirroring the in-place amendment semantics the
// consumer applies.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned (wrapped) when a requested call is not archived.
var ErrNotFound = errors.New("archive: not found")

// DB is the subset of pgx operations the archive needs. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Call is one archived call row.
type Call struct {
	ID         string
	OccurredAt time.Time
	Talkgroup  string
	Source     string
	Site       string
	Receiver   string
	Duration   float64
	Transcript string
	AudioURL   string
	ArchivedAt time.Time
}

// Store is the PostgreSQL-backed call archive. All operations are safe for
// concurrent use when the underlying [DB] is.
type Store struct {
	db DB

	// pool is set only when the Store owns its connections (NewStore).
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the calls table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// NewStoreWithDB creates a Store over an existing connection. The caller owns
// the connection's lifecycle and schema migration.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// SaveCall upserts one call keyed by its record ID. A later save with the
// same ID (the transcription-update case) overwrites the transcript and
// audio columns of the existing row.
func (s *Store) SaveCall(ctx context.Context, c Call) error {
	if c.ID == "" {
		return fmt.Errorf("archive: call has no id")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls
			(id, occurred_at, talkgroup, source, site, receiver,
			 duration_seconds, transcript, audio_url, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			transcript  = EXCLUDED.transcript,
			audio_url   = EXCLUDED.audio_url,
			archived_at = now()`,
		c.ID, c.OccurredAt, c.Talkgroup, c.Source, c.Site, c.Receiver,
		c.Duration, c.Transcript, c.AudioURL,
	)
	if err != nil {
		return fmt.Errorf("archive: save call %q: %w", c.ID, err)
	}
	return nil
}

// RecentCalls returns up to limit archived calls, newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, occurred_at, talkgroup, source, site, receiver,
		       duration_seconds, transcript, audio_url, archived_at
		FROM calls
		ORDER BY occurred_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(
			&c.ID, &c.OccurredAt, &c.Talkgroup, &c.Source, &c.Site,
			&c.Receiver, &c.Duration, &c.Transcript, &c.AudioURL, &c.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("archive: scan call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate calls: %w", err)
	}
	return calls, nil
}

// CallByID returns one archived call, or [ErrNotFound] wrapped when absent.
func (s *Store) CallByID(ctx context.Context, id string) (*Call, error) {
	var c Call
	err := s.db.QueryRow(ctx, `
		SELECT id, occurred_at, talkgroup, source, site, receiver,
		       duration_seconds, transcript, audio_url, archived_at
		FROM calls WHERE id = $1`, id).Scan(
		&c.ID, &c.OccurredAt, &c.Talkgroup, &c.Source, &c.Site,
		&c.Receiver, &c.Duration, &c.Transcript, &c.AudioURL, &c.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("archive: call %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("archive: load call %q: %w", id, err)
	}
	return &c, nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
// Always nil for stores built with [NewStoreWithDB].
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool, if the Store
// owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
