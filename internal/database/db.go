// Package database wraps the PostgreSQL connection pool and provides typed
// repositories for positions, trades, lifecycle events, config entries and
// the optimizer audit log.
package database

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool. Decimal columns scan directly
// into shopspring decimals.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck performs a database health check.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			strategy VARCHAR(40) NOT NULL,
			market VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			entry_price DECIMAL(24, 8) NOT NULL,
			filled_quantity DECIMAL(24, 8) NOT NULL,
			target_quantity DECIMAL(24, 8) NOT NULL,
			avg_exit_price DECIMAL(24, 8),
			stop_loss_percent DECIMAL(10, 4) NOT NULL,
			take_profit_percent DECIMAL(10, 4) NOT NULL,
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_peak_price DECIMAL(24, 8),
			timeout_at TIMESTAMPTZ NOT NULL,
			exit_reason VARCHAR(40),
			exit_order_id VARCHAR(64),
			last_close_attempt_at TIMESTAMPTZ,
			close_attempt_count INT NOT NULL DEFAULT 0,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ,
			realized_pnl DECIMAL(24, 8),
			realized_pnl_percent DECIMAL(10, 4)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			market VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			price DECIMAL(24, 8) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			total_amount DECIMAL(24, 8) NOT NULL,
			fee DECIMAL(24, 8) NOT NULL DEFAULT 0,
			slippage_percent DECIMAL(10, 4),
			is_partial_fill BOOLEAN NOT NULL DEFAULT FALSE,
			pnl DECIMAL(24, 8),
			pnl_percent DECIMAL(10, 4),
			strategy VARCHAR(40) NOT NULL,
			regime VARCHAR(20),
			confidence DECIMAL(6, 2) NOT NULL DEFAULT 0,
			reason TEXT,
			simulated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_order_side ON trades(order_id, side)`,

		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64),
			market VARCHAR(20) NOT NULL,
			side VARCHAR(4),
			event_type VARCHAR(20) NOT NULL,
			strategy_group VARCHAR(30) NOT NULL,
			strategy_code VARCHAR(40),
			price DECIMAL(24, 8),
			quantity DECIMAL(24, 8),
			message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_created_at ON lifecycle_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_order_id ON lifecycle_events(order_id)`,
		// At most one BUY_FILLED and one SELL_FILLED per order, ever.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_lifecycle_fill_once
			ON lifecycle_events(order_id, event_type)
			WHERE event_type IN ('BUY_FILLED', 'SELL_FILLED')`,

		`CREATE TABLE IF NOT EXISTS config_entries (
			key VARCHAR(120) PRIMARY KEY,
			value TEXT NOT NULL,
			category VARCHAR(40),
			description TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_config_category ON config_entries(category)`,

		`CREATE TABLE IF NOT EXISTS optimizer_audit (
			id BIGSERIAL PRIMARY KEY,
			param_key VARCHAR(120) NOT NULL,
			current_value TEXT,
			suggested_value TEXT NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			accepted BOOLEAN NOT NULL,
			reject_reason VARCHAR(60),
			rationale TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_optimizer_audit_key ON optimizer_audit(param_key, created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info().Int("count", len(migrations)).Msg("database migrations completed")
	return nil
}
