package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"grid-trading-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New opens a connection pool against the given URL and verifies it with
// a ping.
func New(ctx context.Context, url string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log := logging.For("database")
	log.Info().Msg("connected to postgres")
	return &DB{Pool: pool, log: log}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			urgency VARCHAR(10) NOT NULL,
			reference_price DECIMAL(20, 8) NOT NULL,
			estimated_slippage DECIMAL(10, 6),
			realized_slippage DECIMAL(10, 6),
			limit_fallback BOOLEAN NOT NULL DEFAULT FALSE,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			fail_reason TEXT,
			order_id BIGINT,
			executed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_symbol ON executions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_executed_at ON executions(executed_at)`,

		`CREATE TABLE IF NOT EXISTS grid_fills (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			order_id BIGINT,
			filled_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_fills_symbol ON grid_fills(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_fills_filled_at ON grid_fills(filled_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	db.log.Info().Msg("migrations applied")
	return nil
}
