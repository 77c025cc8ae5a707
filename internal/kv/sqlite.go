package kv

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. This is
// the default backend for a single node: one local file, no server, and
// transactional batches, standing in for the block store a full node
// would keep on local disk.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    owner      TEXT NOT NULL,
    tx         TEXT NOT NULL,
    value      BLOB NOT NULL,
    PRIMARY KEY (collection, owner, tx)
);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Single writer at a time; readers shouldn't fail on a busy writer.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = ? AND owner = ? AND tx = ?`,
		key.Collection, key.Owner, key.Tx,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key Key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, owner, tx, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, owner, tx) DO UPDATE SET value = excluded.value`,
		key.Collection, key.Owner, key.Tx, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND owner = ? AND tx = ?`,
		key.Collection, key.Owner, key.Tx,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Iterate(ctx context.Context, collection, owner string, fn IterFunc) error {
	query := `SELECT collection, owner, tx, value FROM records
	          WHERE collection = ? ORDER BY collection, owner, tx`
	args := []any{collection}
	if owner != "" {
		query = `SELECT collection, owner, tx, value FROM records
		         WHERE collection = ? AND owner = ? ORDER BY collection, owner, tx`
		args = []any{collection, owner}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Write applies the batch inside one transaction.
func (s *SQLiteStore) Write(ctx context.Context, batch *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	set, err := tx.PrepareContext(ctx, `
		INSERT INTO records (collection, owner, tx, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, owner, tx) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare batch set: %w", err)
	}
	defer set.Close()

	del, err := tx.PrepareContext(ctx,
		`DELETE FROM records WHERE collection = ? AND owner = ? AND tx = ?`)
	if err != nil {
		return fmt.Errorf("prepare batch delete: %w", err)
	}
	defer del.Close()

	for _, op := range batch.ops {
		if op.delete {
			_, err = del.ExecContext(ctx, op.key.Collection, op.key.Owner, op.key.Tx)
		} else {
			_, err = set.ExecContext(ctx, op.key.Collection, op.key.Owner, op.key.Tx, op.value)
		}
		if err != nil {
			return fmt.Errorf("batch op on %s: %w", op.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
