// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Envelope fields are stored as individual columns so nonce and ciphertext
// use native BYTEA storage. Expired rows are filtered on read and removed
// by Sweep.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irbridge/irgate/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(ctx context.Context, id string, envelope *storage.Envelope, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, ver, scheme, nonce, ciphertext, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id)
		 DO UPDATE SET ver = $2, scheme = $3, nonce = $4, ciphertext = $5, expires_at = $6`,
		id, envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, expiresAt)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := s.pool.QueryRow(ctx,
		`SELECT ver, scheme, nonce, ciphertext
		 FROM sessions WHERE id = $1 AND expires_at > now()`,
		id).Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// Sweep deletes expired rows and reports how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
