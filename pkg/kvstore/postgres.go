package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection settings for the Postgres backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps state in the sentinel_kv and sentinel_kv_list tables.
// Run Migrate before first use.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a Postgres connection pool.
func OpenPostgres(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the pool for migrations.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sentinel_kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres get %s: %w", key, err)
	}
	return v, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sentinel_kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sentinel_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sentinel_kv_list WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete list %s: %w", key, err)
	}
	return tx.Commit()
}

// IncrBy relies on the upsert being atomic for a single row.
func (s *PostgresStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sentinel_kv (key, value, updated_at) VALUES ($1, $2::bigint::text, NOW())
		ON CONFLICT (key) DO UPDATE
			SET value = (sentinel_kv.value::bigint + $2::bigint)::text, updated_at = NOW()
		RETURNING value`,
		key, delta).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("postgres incrby %s: %w", key, err)
	}
	return parseInt(key, v)
}

func (s *PostgresStore) PushCapped(ctx context.Context, key, value string, max int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sentinel_kv_list (key, value) VALUES ($1, $2)`, key, value); err != nil {
		return fmt.Errorf("postgres push %s: %w", key, err)
	}
	if max > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sentinel_kv_list
			WHERE key = $1 AND id NOT IN (
				SELECT id FROM sentinel_kv_list WHERE key = $1 ORDER BY id DESC LIMIT $2
			)`, key, max); err != nil {
			return fmt.Errorf("postgres trim %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) List(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM sentinel_kv_list WHERE key = $1 ORDER BY id DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
