// Package postgres is an optional Database backend for operators who want
// LatZero's durable metadata centralized outside the local data directory.
// It stores the same bucketed key/value shape as the default bbolt backend
// in a single table, keyed on (bucket, key), so the typed store in
// internal/persistence is unaware of which engine backs it.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latzero/latzero/internal/db"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS latzero_kv (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

// DB is a pgx-backed Database.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and ensures the backing table exists.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (d *DB) DriverName() string { return "postgres" }

func (d *DB) Ping(ctx context.Context) error { return d.pool.Ping(ctx) }

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

func (d *DB) View(ctx context.Context, fn func(db.Tx) error) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *DB) Update(ctx context.Context, fn func(db.Tx) error) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Get(bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT value FROM latzero_kv WHERE bucket = $1 AND key = $2`, bucket, key,
	).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (t *pgTx) Put(bucket, key string, value []byte) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO latzero_kv (bucket, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value
	`, bucket, key, value)
	return err
}

func (t *pgTx) Delete(bucket, key string) error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM latzero_kv WHERE bucket = $1 AND key = $2`, bucket, key)
	return err
}

func (t *pgTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	rows, err := t.tx.Query(t.ctx,
		`SELECT key, value FROM latzero_kv WHERE bucket = $1 ORDER BY key`, bucket,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}
