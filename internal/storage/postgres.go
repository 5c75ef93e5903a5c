// Package storage implements the Postgres persistence layer: users and
// credentials, DCA and risk configurations, position groups with their
// pyramids and orders, the signal queue, and the risk action audit log.
//
// Multi-row mutations follow a single lock discipline: the enclosing
// position_groups row is locked first (SELECT ... FOR UPDATE), then the
// dca_orders rows. Every unit of work runs in its own transaction.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
)

// Store is the facade over the per-table repositories sharing one pool.
type Store struct {
	db     *sql.DB
	logger core.ILogger

	Users       *UserRepository
	Configs     *ConfigRepository
	Groups      *GroupRepository
	Queue       *QueueRepository
	RiskActions *RiskActionRepository
}

// New opens the pool, applies the connection limits and runs migrations.
func New(cfg config.DatabaseConfig, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("postgres", string(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	s := &Store{
		db:     db,
		logger: logger.WithField("component", "storage"),
	}
	s.Users = &UserRepository{db: db}
	s.Configs = &ConfigRepository{db: db}
	s.Groups = &GroupRepository{db: db, logger: s.logger}
	s.Queue = &QueueRepository{db: db}
	s.RiskActions = &RiskActionRepository{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_credentials (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			exchange VARCHAR(20) NOT NULL,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			UNIQUE (user_id, exchange)
		)`,
		`CREATE TABLE IF NOT EXISTS dca_configurations (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			pair VARCHAR(30) NOT NULL DEFAULT '',
			timeframe VARCHAR(10) NOT NULL DEFAULT '',
			exchange VARCHAR(20) NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT false,
			entry_order_type VARCHAR(10) NOT NULL DEFAULT 'limit',
			levels JSONB NOT NULL,
			pyramid_levels JSONB,
			tp_mode VARCHAR(20) NOT NULL DEFAULT 'per_leg',
			tp_aggregate_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			max_pyramids INTEGER NOT NULL DEFAULT 1,
			cancel_dca_beyond_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_dca_config_key
			ON dca_configurations (user_id, pair, timeframe, exchange)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_dca_config_default
			ON dca_configurations (user_id) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS risk_configs (
			user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			max_open_positions_global INTEGER NOT NULL DEFAULT 10,
			max_open_positions_per_symbol INTEGER NOT NULL DEFAULT 1,
			max_total_exposure_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			max_daily_loss_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			risk_per_position_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			risk_per_position_cap_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			default_allocation_usd NUMERIC(20,10) NOT NULL DEFAULT 100,
			loss_threshold_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			post_full_wait_minutes INTEGER NOT NULL DEFAULT 60,
			timer_start_condition VARCHAR(30) NOT NULL DEFAULT 'after_all_dca_filled',
			require_full_pyramids BOOLEAN NOT NULL DEFAULT false,
			use_trade_age_filter BOOLEAN NOT NULL DEFAULT false,
			age_threshold_minutes INTEGER NOT NULL DEFAULT 0,
			max_winners_to_combine INTEGER NOT NULL DEFAULT 3,
			same_pair_timeframe_bypass BOOLEAN NOT NULL DEFAULT false,
			max_slots INTEGER NOT NULL DEFAULT 3,
			engine_paused_by_loss_limit BOOLEAN NOT NULL DEFAULT false,
			engine_force_stopped BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS position_groups (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			exchange VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'waiting',
			total_dca_legs INTEGER NOT NULL DEFAULT 0,
			filled_dca_legs INTEGER NOT NULL DEFAULT 0,
			pyramid_count INTEGER NOT NULL DEFAULT 1,
			max_pyramids INTEGER NOT NULL DEFAULT 1,
			tp_mode VARCHAR(20) NOT NULL DEFAULT 'per_leg',
			total_filled_quantity NUMERIC(20,10) NOT NULL DEFAULT 0,
			weighted_avg_entry NUMERIC(20,10) NOT NULL DEFAULT 0,
			total_invested_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			realized_pnl_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			unrealized_pnl_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			unrealized_pnl_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			risk_timer_start TIMESTAMPTZ,
			risk_timer_expires TIMESTAMPTZ,
			risk_eligible BOOLEAN NOT NULL DEFAULT false,
			risk_blocked BOOLEAN NOT NULL DEFAULT false,
			risk_skip_once BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_group
			ON position_groups (user_id, exchange, symbol, timeframe, side)
			WHERE status NOT IN ('closed', 'failed')`,
		`CREATE INDEX IF NOT EXISTS idx_groups_user_status ON position_groups (user_id, status)`,
		`CREATE TABLE IF NOT EXISTS pyramids (
			id UUID PRIMARY KEY,
			group_id UUID NOT NULL REFERENCES position_groups(id) ON DELETE CASCADE,
			pyramid_index INTEGER NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			levels JSONB NOT NULL,
			base_price NUMERIC(20,10) NOT NULL DEFAULT 0,
			total_filled_quantity NUMERIC(20,10) NOT NULL DEFAULT 0,
			weighted_avg_entry NUMERIC(20,10) NOT NULL DEFAULT 0,
			realized_pnl_usd NUMERIC(20,10) NOT NULL DEFAULT 0,
			tp_order_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			UNIQUE (group_id, pyramid_index)
		)`,
		`CREATE TABLE IF NOT EXISTS dca_orders (
			id UUID PRIMARY KEY,
			group_id UUID NOT NULL REFERENCES position_groups(id) ON DELETE CASCADE,
			pyramid_id UUID NOT NULL REFERENCES pyramids(id) ON DELETE CASCADE,
			user_id UUID NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			leg_index INTEGER NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			price NUMERIC(20,10) NOT NULL DEFAULT 0,
			quantity NUMERIC(20,10) NOT NULL,
			gap_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			weight_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			tp_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			tp_price NUMERIC(20,10) NOT NULL DEFAULT 0,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			filled_quantity NUMERIC(20,10) NOT NULL DEFAULT 0,
			avg_fill_price NUMERIC(20,10) NOT NULL DEFAULT 0,
			filled_at TIMESTAMPTZ,
			tp_order_id TEXT NOT NULL DEFAULT '',
			tp_hit BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_group ON dca_orders (group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status ON dca_orders (user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON dca_orders (exchange_order_id)`,
		`CREATE TABLE IF NOT EXISTS queued_signals (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			exchange VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'queued',
			entry_price NUMERIC(20,10) NOT NULL DEFAULT 0,
			payload JSONB NOT NULL,
			queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			promoted_at TIMESTAMPTZ,
			replacement_count INTEGER NOT NULL DEFAULT 0,
			current_loss_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
			is_pyramid_continuation BOOLEAN NOT NULL DEFAULT false,
			priority_score NUMERIC(20,6) NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_queued_signal
			ON queued_signals (user_id, exchange, symbol, timeframe, side)
			WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON queued_signals (status, priority_score)`,
		`CREATE TABLE IF NOT EXISTS risk_actions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			loser_group_id UUID NOT NULL,
			loser_pnl_usd NUMERIC(20,10) NOT NULL,
			contributions JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_actions_user ON risk_actions (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS pnl_events (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL,
			group_id UUID NOT NULL,
			pyramid_id UUID,
			amount_usd NUMERIC(20,10) NOT NULL,
			reason VARCHAR(30) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pnl_events_user_time ON pnl_events (user_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CheckHealth pings the database.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// IsRetryable reports whether err is a deadlock (40P01) or serialization
// failure (40001) worth retrying in a fresh transaction.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}
