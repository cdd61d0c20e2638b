package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and makes sure the kv table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		)
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get retrieves a value. The boolean is false when the key is absent.
func (s *PostgresStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	defer observe("postgres", "get", time.Now())

	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv WHERE namespace = $1 AND key = $2
	`, namespace, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Put inserts or replaces a value.
func (s *PostgresStore) Put(ctx context.Context, namespace, key, value string) error {
	defer observe("postgres", "put", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, namespace, key, value)
	return err
}

// Delete removes a value.
func (s *PostgresStore) Delete(ctx context.Context, namespace, key string) error {
	defer observe("postgres", "delete", time.Now())

	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE namespace = $1 AND key = $2`, namespace, key)
	return err
}

// Keys lists the keys stored in a namespace, sorted.
func (s *PostgresStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM kv WHERE namespace = $1 ORDER BY key`, namespace)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
