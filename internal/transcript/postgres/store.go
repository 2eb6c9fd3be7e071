// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Turns are written to a single conversation_turns table keyed by session
// ID. [Migrate] creates the table and its indexes and is safe to run on
// every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, sessionID, turn)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/linguaflow/internal/transcript"
)

// Compile-time interface check.
var _ transcript.Store = (*Store)(nil)

const ddlConversationTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    topic       TEXT         NOT NULL DEFAULT '',
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session
    ON conversation_turns (session_id, id);
`

// Migrate creates or ensures the conversation_turns table exists. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store persists conversation turns in PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool

	// Language and Topic label every row written by this store. They are
	// informational and not part of the lookup key.
	Language string
	Topic    string
}

// NewStore creates a connection pool for dsn, verifies connectivity and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements [transcript.Store].
func (s *Store) Append(ctx context.Context, sessionID string, turn transcript.Turn) error {
	const q = `
		INSERT INTO conversation_turns (session_id, language, topic, speaker, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		s.Language,
		s.Topic,
		turn.Speaker.String(),
		turn.Text,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// List implements [transcript.Store]. Turns are returned in insertion order.
func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	const q = `
		SELECT speaker, text, created_at
		FROM   conversation_turns
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Turn, error) {
		var (
			t       transcript.Turn
			speaker string
		)
		if err := row.Scan(&speaker, &t.Text, &t.CreatedAt); err != nil {
			return transcript.Turn{}, err
		}
		t.Speaker = transcript.ParseSpeaker(speaker)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	return turns, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
