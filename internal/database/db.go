package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
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
	MaxConns int32
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

	// Configure connection pool
	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
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

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Regime instances: one row per closed or open interval
		`CREATE TABLE IF NOT EXISTS regime_instances (
			id UUID PRIMARY KEY,
			label VARCHAR(30) NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			start_confidence DECIMAL(5, 4) NOT NULL,
			market_context JSONB,
			profile_id VARCHAR(64),
			manual_override BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_regime_instances_label ON regime_instances(label)`,
		`CREATE INDEX IF NOT EXISTS idx_regime_instances_start_time ON regime_instances(start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_regime_instances_open ON regime_instances(end_time) WHERE end_time IS NULL`,

		// Performance records: one row per regime interval
		`CREATE TABLE IF NOT EXISTS performance_records (
			id SERIAL PRIMARY KEY,
			instance_id UUID NOT NULL REFERENCES regime_instances(id) ON DELETE CASCADE,
			version INT NOT NULL DEFAULT 1,
			roi_percent DECIMAL(12, 4) NOT NULL,
			win_rate DECIMAL(5, 4) NOT NULL,
			avg_profit_pct DECIMAL(12, 4) NOT NULL,
			max_drawdown DECIMAL(12, 4) NOT NULL,
			trade_count INT NOT NULL,
			incomplete BOOLEAN NOT NULL DEFAULT FALSE,
			computed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (instance_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_records_instance ON performance_records(instance_id)`,

		// Pattern scores produced by the scorer for each record
		`CREATE TABLE IF NOT EXISTS pattern_scores (
			id SERIAL PRIMARY KEY,
			instance_id UUID NOT NULL REFERENCES regime_instances(id) ON DELETE CASCADE,
			pattern_score DECIMAL(5, 4) NOT NULL,
			z_score DECIMAL(10, 4) NOT NULL,
			is_high_performer BOOLEAN NOT NULL,
			is_outlier BOOLEAN NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_scores_instance ON pattern_scores(instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_scores_high ON pattern_scores(is_high_performer) WHERE is_high_performer`,

		// Parameter profiles and their audit trail
		`CREATE TABLE IF NOT EXISTS parameter_profiles (
			id UUID PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			params JSONB NOT NULL,
			version INT NOT NULL DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS parameter_audit (
			id UUID PRIMARY KEY,
			profile_id VARCHAR(64) NOT NULL,
			source VARCHAR(100) NOT NULL,
			reason TEXT,
			outcome VARCHAR(20) NOT NULL,
			old_values JSONB,
			new_values JSONB,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parameter_audit_profile ON parameter_audit(profile_id)`,
		`CREATE INDEX IF NOT EXISTS idx_parameter_audit_created ON parameter_audit(created_at DESC)`,

		// Playbooks
		`CREATE TABLE IF NOT EXISTS playbooks (
			id UUID PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			source_label VARCHAR(30) NOT NULL,
			source_instance_id VARCHAR(64),
			confidence_threshold DECIMAL(5, 4) NOT NULL,
			entry_conditions TEXT,
			exit_conditions TEXT,
			stop_strategy TEXT,
			position_sizing TEXT,
			settings JSONB NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			auto_generated BOOLEAN NOT NULL DEFAULT FALSE,
			times_applied INT NOT NULL DEFAULT 0,
			success_rate DECIMAL(5, 4) NOT NULL DEFAULT 0,
			avg_roi DECIMAL(12, 4) NOT NULL DEFAULT 0,
			outcome_count INT NOT NULL DEFAULT 0,
			user_rating INT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playbooks_label ON playbooks(source_label)`,
		`CREATE INDEX IF NOT EXISTS idx_playbooks_active ON playbooks(active)`,

		// Tuning sessions awaiting human resolution
		`CREATE TABLE IF NOT EXISTS tuning_sessions (
			id UUID PRIMARY KEY,
			profile_id VARCHAR(64) NOT NULL,
			status VARCHAR(30) NOT NULL,
			features JSONB NOT NULL,
			recommendations JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by VARCHAR(100)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tuning_sessions_profile ON tuning_sessions(profile_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tuning_sessions_status ON tuning_sessions(status)`,

		// Closed trades fed to the recorder and tuner
		`CREATE TABLE IF NOT EXISTS trades (
			id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			strategy_id VARCHAR(100),
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			pnl_percent DECIMAL(12, 4) NOT NULL,
			entry_regime VARCHAR(30),
			entry_volatility DECIMAL(12, 8),
			entry_confidence DECIMAL(5, 4) DEFAULT 0,
			target_risk_reward DECIMAL(8, 4),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_regime ON trades(entry_regime)`,

		// updated_at trigger
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_regime_instances_updated_at ON regime_instances`,
		`CREATE TRIGGER update_regime_instances_updated_at BEFORE UPDATE ON regime_instances
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_playbooks_updated_at ON playbooks`,
		`CREATE TRIGGER update_playbooks_updated_at BEFORE UPDATE ON playbooks
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	// Execute migrations
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
