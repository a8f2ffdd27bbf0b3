package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/quantumnexus/deception/internal/errs"
)

// DB wraps the sqlite handle with a fixed-size acquisition gate. The gate
// fails fast when every slot is taken so callers get a back-pressure signal
// instead of an indefinite block.
type DB struct {
	sql  *sql.DB
	gate *semaphore.Weighted
}

func Open(path string, poolSize int) (*DB, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(poolSize)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{sql: sqlDB, gate: semaphore.NewWeighted(int64(poolSize))}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return db, nil
}

// Migrate applies the schema. Idempotent.
func (db *DB) Migrate() error {
	_, err := db.sql.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.sql.Close()
}

// Handle exposes the raw connection for collaborators that own their own
// tables (the audit logger).
func (db *DB) Handle() *sql.DB {
	return db.sql
}

// acquire claims a pool slot or fails immediately with ErrPoolExhausted.
func (db *DB) acquire() (release func(), err error) {
	if !db.gate.TryAcquire(1) {
		return nil, errs.ErrPoolExhausted
	}
	return func() { db.gate.Release(1) }, nil
}

func (db *DB) exec(ctx context.Context, op, query string, args ...any) error {
	release, err := db.acquire()
	if err != nil {
		return err
	}
	defer release()
	if _, err := db.sql.ExecContext(ctx, query, args...); err != nil {
		return errs.Persistence(op, err)
	}
	return nil
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, func(), error) {
	release, err := db.acquire()
	if err != nil {
		return nil, nil, err
	}
	return db.sql.QueryRowContext(ctx, query, args...), release, nil
}

func (db *DB) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, func(), error) {
	release, err := db.acquire()
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		release()
		return nil, nil, errs.Persistence(op, err)
	}
	return rows, release, nil
}
