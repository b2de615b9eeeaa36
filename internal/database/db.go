package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"consensus-trading-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
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

	logging.Info("Connected to PostgreSQL database", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.Info("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	logging.Info("Running database migrations...")

	migrations := []string{
		// Consensus decisions, one row per analysis invocation
		`CREATE TABLE IF NOT EXISTS trading_decisions (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			asset_type VARCHAR(20) NOT NULL DEFAULT 'crypto',
			final_decision VARCHAR(4) NOT NULL,
			final_confidence DECIMAL(5, 2) NOT NULL,
			consensus_level VARCHAR(10) NOT NULL,
			analyses JSONB NOT NULL,
			reasoning TEXT,
			should_execute BOOLEAN NOT NULL DEFAULT FALSE,
			execution_reason TEXT,
			executed BOOLEAN NOT NULL DEFAULT FALSE,
			executed_at TIMESTAMP,
			order_id VARCHAR(64),
			execution_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trading_decisions_user ON trading_decisions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trading_decisions_symbol ON trading_decisions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trading_decisions_created_at ON trading_decisions(created_at DESC)`,

		// Realized trades, read back by the circuit breaker and trust ladder
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			decision_id UUID REFERENCES trading_decisions(id) ON DELETE SET NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			quantity DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8),
			pnl_percent DECIMAL(10, 4),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades(opened_at DESC)`,

		// Single row per user: the only durable state the safety layer
		// mutates (pause timestamp + trust rank)
		`CREATE TABLE IF NOT EXISTS user_safety_state (
			user_id VARCHAR(64) PRIMARY KEY,
			pause_until TIMESTAMP,
			pause_reason TEXT,
			trust_rank VARCHAR(16) NOT NULL DEFAULT 'novice',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// API users
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			risk_profile VARCHAR(16) NOT NULL DEFAULT 'moderate',
			max_trade_amount DECIMAL(20, 8) NOT NULL DEFAULT 100,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logging.Info("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
