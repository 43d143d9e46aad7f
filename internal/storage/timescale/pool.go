// Package timescale stores series in TimescaleDB hypertables, one table per
// series, behind the same operations as the local store.
package timescale

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtxerr/barstore/internal/storage/config"
)

// BuildConnString builds a PostgreSQL connection string from config. A
// configured DSN is returned as is.
func BuildConnString(cfg config.TimescaleConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}

	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Connect creates a connection pool and checks it with a ping.
func Connect(ctx context.Context, cfg config.TimescaleConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
