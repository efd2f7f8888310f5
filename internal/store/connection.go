// Package store implements the Order/Call/Event persistence layer: raw SQL
// over database/sql.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"maskedcall/internal/config"
)

// Connection wraps the pooled MySQL connection.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens the pool and verifies connectivity.
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// Close closes the underlying pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Bootstrap creates the orders/calls/events tables if they do not already
// exist.
func (c *Connection) Bootstrap() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id VARCHAR(64) PRIMARY KEY,
			user_token VARCHAR(255) NOT NULL,
			number_a VARCHAR(32) NOT NULL,
			number_b VARCHAR(32) NOT NULL,
			caller_id VARCHAR(32) NOT NULL,
			trunk_name VARCHAR(64) NOT NULL,
			call_id VARCHAR(64) NULL,
			state VARCHAR(32) NOT NULL,
			state_history JSON NOT NULL,
			state_timestamps JSON NOT NULL,
			error_log JSON NOT NULL,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			failed_at DATETIME(6) NULL,
			cancelled_at DATETIME(6) NULL,
			INDEX idx_orders_user_token (user_token),
			INDEX idx_orders_call_id (call_id)
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			call_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			number_a VARCHAR(32) NOT NULL,
			number_b VARCHAR(32) NOT NULL,
			caller_id VARCHAR(32) NOT NULL,
			trunk_name VARCHAR(64) NOT NULL,
			channel_a_id VARCHAR(128) NULL,
			channel_b_id VARCHAR(128) NULL,
			action_id VARCHAR(64) NULL,
			state VARCHAR(32) NOT NULL,
			state_history JSON NOT NULL,
			state_timestamps JSON NOT NULL,
			error_log JSON NOT NULL,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			started_at DATETIME(6) NULL,
			answered_at DATETIME(6) NULL,
			bridged_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			failed_at DATETIME(6) NULL,
			INDEX idx_calls_order_id (order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id VARCHAR(64) PRIMARY KEY,
			event_type VARCHAR(64) NOT NULL,
			entity_type VARCHAR(16) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			order_id VARCHAR(64) NULL,
			call_id VARCHAR(64) NULL,
			state VARCHAR(32) NOT NULL,
			previous_state VARCHAR(32) NULL,
			metadata JSON NULL,
			error_message TEXT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGINT AUTO_INCREMENT,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY idx_events_seq (seq),
			INDEX idx_events_entity (entity_type, entity_id),
			INDEX idx_events_order_id (order_id),
			INDEX idx_events_created_at (created_at)
		)`,
	}

	for _, stmt := range statements {
		if _, err := c.DB.Exec(stmt); err != nil {
			return fmt.Errorf("running schema bootstrap: %w", err)
		}
	}
	return nil
}
