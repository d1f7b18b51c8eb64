package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
}

// ConfigFrom converts the process database settings
func ConfigFrom(c config.DatabaseConfig) Config {
	return Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
		MaxConns: c.MaxConns,
	}
}

// DSN returns the libpq connection string for cfg
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("database")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL", "database", cfg.Database, "max_conns", poolConfig.MaxConns)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("database connection closed")
	}
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("running database migrations", "count", len(migrations))
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info("database migrations completed")
	return nil
}

var migrations = []string{
	// Per-user auto-trade configuration, running stats and breaker latch
	`CREATE TABLE IF NOT EXISTS autotrade_configs (
		user_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		mode VARCHAR(10) NOT NULL DEFAULT 'AUTO',
		manual_override BOOLEAN NOT NULL DEFAULT FALSE,
		per_trade_risk_pct DECIMAL(6, 2) NOT NULL,
		max_concurrent_trades INTEGER NOT NULL,
		max_daily_loss_pct DECIMAL(6, 2) NOT NULL,
		stop_loss_pct DECIMAL(6, 2) NOT NULL,
		take_profit_pct DECIMAL(6, 2) NOT NULL,
		max_trades_per_day INTEGER NOT NULL,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		equity_snapshot DECIMAL(28, 8) NOT NULL DEFAULT 0,
		circuit_breaker_open BOOLEAN NOT NULL DEFAULT FALSE,
		circuit_breaker_reason TEXT NOT NULL DEFAULT '',
		circuit_breaker_tripped_at TIMESTAMPTZ,
		last_trade_at TIMESTAMPTZ,
		total_trades INTEGER NOT NULL DEFAULT 0,
		winning_trades INTEGER NOT NULL DEFAULT 0,
		losing_trades INTEGER NOT NULL DEFAULT 0,
		total_pnl DECIMAL(28, 8) NOT NULL DEFAULT 0,
		daily_pnl DECIMAL(28, 8) NOT NULL DEFAULT 0,
		daily_trades INTEGER NOT NULL DEFAULT 0,
		stats_day VARCHAR(10) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_autotrade_configs_enabled ON autotrade_configs(enabled) WHERE enabled`,

	`CREATE TABLE IF NOT EXISTS trading_settings (
		user_id TEXT PRIMARY KEY,
		accuracy_trigger DECIMAL(6, 2) NOT NULL,
		max_position_per_trade DECIMAL(6, 2) NOT NULL,
		max_daily_loss DECIMAL(6, 2) NOT NULL,
		max_trades_per_day INTEGER NOT NULL,
		position_sizing_map JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// One row per accepted request id; the unique key is the durable idempotency guard
	`CREATE TABLE IF NOT EXISTS trade_executions (
		trade_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		quantity DECIMAL(28, 8) NOT NULL DEFAULT 0,
		entry_price DECIMAL(28, 8) NOT NULL DEFAULT 0,
		stop_loss DECIMAL(28, 8) NOT NULL DEFAULT 0,
		take_profit DECIMAL(28, 8) NOT NULL DEFAULT 0,
		status VARCHAR(12) NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		take_profit_order_id TEXT NOT NULL DEFAULT '',
		stop_loss_order_id TEXT NOT NULL DEFAULT '',
		position_percent DECIMAL(6, 2) NOT NULL DEFAULT 0,
		equity DECIMAL(28, 8) NOT NULL DEFAULT 0,
		confidence DECIMAL(6, 2) NOT NULL DEFAULT 0,
		reason VARCHAR(40) NOT NULL DEFAULT '',
		pnl DECIMAL(28, 8),
		closed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_trade_executions_request UNIQUE (user_id, request_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_executions_user_created ON trade_executions(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_executions_open ON trade_executions(user_id) WHERE status = 'FILLED' AND closed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS autotrade_audit_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type VARCHAR(40) NOT NULL,
		reason VARCHAR(40) NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		trade_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_autotrade_audit_user_created ON autotrade_audit_events(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_autotrade_audit_type ON autotrade_audit_events(event_type)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type VARCHAR(40) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL DEFAULT '{}',
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at DESC)`,
}
