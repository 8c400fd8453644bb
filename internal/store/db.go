// Package store persists the trade event log to PostgreSQL. The database is
// an audit trail and a restart source, never a coordination mechanism: the
// live day state lives in the ledger.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gap-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// A single-process bot needs far fewer connections than a web service.
	poolConfig.MaxConns = 8
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("[DB] Connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("[DB] Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("[DB] Running database migrations...")

	migrations := []string{
		// Completed trades, one row per exit.
		`CREATE TABLE IF NOT EXISTS trade_exits (
			id SERIAL PRIMARY KEY,
			trade_day DATE NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			qty INTEGER NOT NULL,
			entry_price DECIMAL(12, 4) NOT NULL,
			exit_price DECIMAL(12, 4) NOT NULL,
			pnl DECIMAL(12, 2) NOT NULL,
			r_multiple DECIMAL(8, 2),
			reason VARCHAR(20) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_exits_day ON trade_exits(trade_day)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_exits_symbol ON trade_exits(symbol)`,

		// Observable lifecycle events: submissions, fills, stop moves,
		// rejections, halts. Payload shape varies by event type.
		`CREATE TABLE IF NOT EXISTS trade_events (
			id SERIAL PRIMARY KEY,
			trade_day DATE NOT NULL,
			event_type VARCHAR(40) NOT NULL,
			symbol VARCHAR(20),
			payload JSONB,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_day ON trade_events(trade_day)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_type ON trade_events(event_type)`,

		// Every scored evaluation, accepted or not, for after-hours review.
		`CREATE TABLE IF NOT EXISTS evaluations (
			id SERIAL PRIMARY KEY,
			trade_day DATE NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			accepted BOOLEAN NOT NULL,
			score INTEGER NOT NULL,
			reasons TEXT,
			setup JSONB,
			evaluated_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_day ON evaluations(trade_day)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_symbol ON evaluations(symbol)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("[DB] Database migrations completed successfully")
	return nil
}
