package store

import (
	"context"

	"github.com/MaiM-with-u/Maimchat/internal/config"
)

// Open selects a backend from configuration: Redis when REDIS_URL is set,
// PostgreSQL for postgres:// database URLs, SQLite otherwise.
// The returned name identifies the backend for logs and health checks.
func Open(ctx context.Context, cfg *config.Config) (Store, string, error) {
	switch {
	case cfg.RedisURL != "":
		s, err := NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, "redis", err
		}
		return s, "redis", nil
	case cfg.UsesPostgres():
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "postgres", err
		}
		return s, "postgres", nil
	default:
		s, err := NewSQLiteStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "sqlite", err
		}
		return s, "sqlite", nil
	}
}
