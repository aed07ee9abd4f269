package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// KVStore is the per-actor embedded SQLite key/value table described in
// spec.md §3: table kv(key BLOB PRIMARY KEY, value BLOB). All runtime reads
// and writes go through here; the legacy inline KV in State is migrated in
// once and never read again at runtime.
type KVStore struct {
	db *sql.DB
}

func openKVStore(path string) (*KVStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open kv store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key BLOB PRIMARY KEY, value BLOB)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create kv table: %w", err)
	}
	return &KVStore{db: db}, nil
}

func (k *KVStore) Close() error { return k.db.Close() }

// Entry is one key/value pair, used by both BatchPut input and ListPrefix
// results.
type Entry struct {
	Key   []byte
	Value []byte
}

// BatchPut upserts entries inside a single transaction.
func (k *KVStore) BatchPut(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: kv begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("persistence: kv prepare put: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			return fmt.Errorf("persistence: kv put: %w", err)
		}
	}
	return tx.Commit()
}

// BatchGet fetches values for the given keys. Missing keys are simply absent
// from the result map.
func (k *KVStore) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	tx, err := k.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("persistence: kv begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `SELECT value FROM kv WHERE key = ?`)
	if err != nil {
		return nil, fmt.Errorf("persistence: kv prepare get: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		var value []byte
		err := stmt.QueryRowContext(ctx, key).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persistence: kv get: %w", err)
		}
		out[string(key)] = value
	}
	return out, tx.Commit()
}

// BatchDelete removes entries for the given keys inside a single transaction.
func (k *KVStore) BatchDelete(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: kv begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM kv WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("persistence: kv prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("persistence: kv delete: %w", err)
		}
	}
	return tx.Commit()
}

// ListPrefix returns every entry whose key starts with prefix, ordered by
// key. An empty prefix lists the whole table.
func (k *KVStore) ListPrefix(ctx context.Context, prefix []byte) ([]Entry, error) {
	upper, unbounded := upperBound(prefix)

	var rows *sql.Rows
	var err error
	if unbounded {
		rows, err = k.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	} else {
		rows, err = k.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, upper)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: kv list prefix: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("persistence: kv scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// upperBound computes the exclusive upper bound for a prefix scan by
// incrementing the last non-0xFF byte and truncating everything after it
// (spec.md §3). If prefix is empty or all 0xFF, there is no finite upper
// bound and unbounded is true.
func upperBound(prefix []byte) (upper []byte, unbounded bool) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			upper = append([]byte(nil), prefix[:i+1]...)
			upper[i]++
			return upper, false
		}
	}
	return nil, true
}
