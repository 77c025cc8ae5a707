package kv

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL, for deployments where
// several services share one durable state database. Values are opaque
// BYTEA; ordering and atomicity come from the composite primary key and
// transactional batches.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT  NOT NULL,
    owner      TEXT  NOT NULL,
    tx         TEXT  NOT NULL,
    value      BYTEA NOT NULL,
    PRIMARY KEY (collection, owner, tx)
)`

// NewPostgresStore creates a PostgreSQL-backed store on an existing pool
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM records WHERE collection = $1 AND owner = $2 AND tx = $3`,
		key.Collection, key.Owner, key.Tx,
	).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key Key, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (collection, owner, tx, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, owner, tx) DO UPDATE SET value = EXCLUDED.value`,
		key.Collection, key.Owner, key.Tx, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE collection = $1 AND owner = $2 AND tx = $3`,
		key.Collection, key.Owner, key.Tx,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Iterate(ctx context.Context, collection, owner string, fn IterFunc) error {
	query := `SELECT collection, owner, tx, value FROM records
	          WHERE collection = $1 ORDER BY collection, owner, tx`
	args := []any{collection}
	if owner != "" {
		query = `SELECT collection, owner, tx, value FROM records
		         WHERE collection = $1 AND owner = $2 ORDER BY collection, owner, tx`
		args = []any{collection, owner}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("iterate %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k Key
		var value []byte
		if err := rows.Scan(&k.Collection, &k.Owner, &k.Tx, &value); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		stop, err := fn(k, value)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = $1`, collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Write applies the batch as one pgx batch inside a transaction.
func (s *PostgresStore) Write(ctx context.Context, batch *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, op := range batch.ops {
		if op.delete {
			b.Queue(`DELETE FROM records WHERE collection = $1 AND owner = $2 AND tx = $3`,
				op.key.Collection, op.key.Owner, op.key.Tx)
			continue
		}
		b.Queue(`INSERT INTO records (collection, owner, tx, value)
		         VALUES ($1, $2, $3, $4)
		         ON CONFLICT (collection, owner, tx) DO UPDATE SET value = EXCLUDED.value`,
			op.key.Collection, op.key.Owner, op.key.Tx, op.value)
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
