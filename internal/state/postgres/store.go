// Package postgres provides a Postgres-backed state store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
	"github.com/JakeFAU/commentary-coordinator/internal/state"
)

// Config controls the Postgres connection pool used for coordinator state.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists the distribution cursor and the account ban table in
// Postgres. It assumes the following schema:
//
//	CREATE TABLE commentary_cursor (
//	    id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
//	    next_resource_id BIGINT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE commentary_accounts (
//	    email TEXT PRIMARY KEY,
//	    banned BOOLEAN NOT NULL,
//	    banned_until TIMESTAMPTZ,
//	    ban_count INT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool db
}

// New creates a Postgres-backed state store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LoadCursor reads the persisted next resource id.
func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	query := `SELECT next_resource_id FROM commentary_cursor WHERE id = TRUE;`
	var next int64
	if err := s.pool.QueryRow(ctx, query).Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, state.ErrNotFound
		}
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return next, nil
}

// SaveCursor upserts the single cursor row.
func (s *Store) SaveCursor(ctx context.Context, next int64) error {
	query := `
		INSERT INTO commentary_cursor (id, next_resource_id, updated_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET next_resource_id = EXCLUDED.next_resource_id,
		    updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.pool.Exec(ctx, query, next, time.Now().UTC()); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// LoadStatuses reads the full account ban table.
func (s *Store) LoadStatuses(ctx context.Context) (map[string]commentary.AccountStatus, error) {
	query := `SELECT email, banned, banned_until, ban_count FROM commentary_accounts;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load account statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]commentary.AccountStatus)
	for rows.Next() {
		var (
			email       string
			banned      bool
			bannedUntil *time.Time
			banCount    int
		)
		if err := rows.Scan(&email, &banned, &bannedUntil, &banCount); err != nil {
			return nil, fmt.Errorf("scan account status row: %w", err)
		}
		st := commentary.AccountStatus{Banned: banned, BanCount: banCount}
		if bannedUntil != nil {
			st.BannedUntil = bannedUntil.UTC()
		}
		statuses[email] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account status rows: %w", err)
	}
	return statuses, nil
}

// SaveStatuses upserts every account row in the table.
func (s *Store) SaveStatuses(ctx context.Context, statuses map[string]commentary.AccountStatus) error {
	query := `
		INSERT INTO commentary_accounts (email, banned, banned_until, ban_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE
		SET banned = EXCLUDED.banned,
		    banned_until = EXCLUDED.banned_until,
		    ban_count = EXCLUDED.ban_count,
		    updated_at = EXCLUDED.updated_at;
	`
	now := time.Now().UTC()
	for email, st := range statuses {
		var bannedUntil *time.Time
		if !st.BannedUntil.IsZero() {
			until := st.BannedUntil.UTC()
			bannedUntil = &until
		}
		if _, err := s.pool.Exec(ctx, query, email, st.Banned, bannedUntil, st.BanCount, now); err != nil {
			return fmt.Errorf("save account status for %s: %w", email, err)
		}
	}
	return nil
}
