// Package history persists conversation turns to Postgres. It is
// optional: without a database URL the gateway runs with no recorder and
// nothing is stored.
package history

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Turn is one stored utterance or reply.
type Turn struct {
	ID        int64
	SessionID string
	Role      string
	Text      string
	CreatedAt time.Time
}

// Store records turns in a voice_turns table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, applies pending migrations, and returns a ready Store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	// Goose drives migrations through database/sql, so borrow the pool's
	// config for a short-lived stdlib connection.
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("history: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, sessionID, role, text string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_turns (session_id, role, text) VALUES ($1, $2, $3)`,
		sessionID, role, text)
	if err != nil {
		return fmt.Errorf("history: insert %s turn: %w", role, err)
	}
	return nil
}

// RecordUtterance stores one finalized user utterance.
func (s *Store) RecordUtterance(ctx context.Context, sessionID, text string) error {
	return s.record(ctx, sessionID, "user", text)
}

// RecordReply stores one completed assistant reply.
func (s *Store) RecordReply(ctx context.Context, sessionID, text string) error {
	return s.record(ctx, sessionID, "assistant", text)
}

// SessionTurns returns a session's turns oldest first, capped at limit.
func (s *Store) SessionTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, text, created_at
		   FROM voice_turns
		  WHERE session_id = $1
		  ORDER BY created_at ASC, id ASC
		  LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate turns: %w", err)
	}
	return turns, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
