// Package store implements the durable relational store (spec.md §3, §6):
// servers, journeys, journey events, dispatch posts, and vehicles, with
// the upsert, batch-insert, transactional-update, and query operations
// the collectors and the cancellation/cleanup tasks need.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/simrail-mirror/collector/internal/config"
	"github.com/simrail-mirror/collector/internal/logger"
)

// DB wraps a PostgreSQL connection pool with query logging, adapted from
// the teacher's shared PostgresDB wrapper.
type DB struct {
	conn *sql.DB
	log  *logger.Logger
}

// Open connects to Postgres per cfg and verifies the connection.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if log != nil {
		log.WithFields(logger.Fields{"host": cfg.Host, "database": cfg.Database}).Info("connected to durable store")
	}
	return &DB{conn: conn, log: log}, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn exposes the underlying pool for packages that need raw
// database/sql access (internal/refdata's reference-data queries).
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Health pings the database.
func (d *DB) Health(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := d.conn.ExecContext(ctx, query, args...)
	if d.log != nil {
		d.log.LogDatabaseQuery(ctx, query, time.Since(start), err)
	}
	return result, err
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if d.log != nil {
		d.log.LogDatabaseQuery(ctx, query, time.Since(start), err)
	}
	return rows, err
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := d.conn.QueryRowContext(ctx, query, args...)
	if d.log != nil {
		d.log.LogDatabaseQuery(ctx, query, time.Since(start), nil)
	}
	return row
}

// Tx wraps an in-flight transaction with the same logging behavior.
type Tx struct {
	tx  *sql.Tx
	log *logger.Logger
}

func (d *DB) begin(ctx context.Context) (*Tx, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx, log: d.log}, nil
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := t.tx.ExecContext(ctx, query, args...)
	if t.log != nil {
		t.log.LogDatabaseQuery(ctx, query, time.Since(start), err)
	}
	return result, err
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if t.log != nil {
		t.log.LogDatabaseQuery(ctx, query, time.Since(start), err)
	}
	return rows, err
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic (the panic is re-raised after rollback,
// matching the teacher's WithTransaction behavior).
func (d *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) (err error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tx.tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.tx.Rollback(); rbErr != nil && d.log != nil {
			d.log.WithError(rbErr).Error("failed to roll back transaction after error")
		}
		return err
	}

	if err := tx.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
