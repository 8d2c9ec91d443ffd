package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    speaker         TEXT         NOT NULL,
    text            TEXT         NOT NULL,
    spoken_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_conversation
    ON transcript_entries (conversation_id, id);
`

// PostgresStore keeps the transcript in PostgreSQL. Rows are read back in
// insertion order, which is delivery order.
type PostgresStore struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
}

// NewPostgresStore connects to dsn, pings the server and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the transcript_entries table and its index if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("create transcript_entries: %w", err)
	}
	return nil
}

// Deliver inserts u.
func (s *PostgresStore) Deliver(ctx context.Context, u transcript.Utterance) error {
	const q = `
		INSERT INTO transcript_entries (conversation_id, speaker, text, spoken_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, u.ConversationID, string(u.Speaker), u.Text, u.Timestamp); err != nil {
		return fmt.Errorf("postgres backend: deliver: %w", err)
	}
	return nil
}

// History returns every entry of conversationID, oldest first.
func (s *PostgresStore) History(ctx context.Context, conversationID string) ([]session.HistoryEntry, error) {
	const q = `
		SELECT speaker, text, spoken_at
		FROM   transcript_entries
		WHERE  conversation_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.HistoryEntry, error) {
		var (
			e       session.HistoryEntry
			speaker string
		)
		if err := row.Scan(&speaker, &e.Text, &e.Timestamp); err != nil {
			return session.HistoryEntry{}, err
		}
		e.Speaker = transcript.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan history: %w", err)
	}
	return entries, nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(s.pool.Close)
	return nil
}
