package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend stores archives as BLOBs in a single table. It suits small
// buckets and single-node deployments that already keep their documents in
// SQLite.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite archive database: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite archive database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	schema := `
		CREATE TABLE IF NOT EXISTS archives (
			key  TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating archive schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Put stores r with INSERT OR REPLACE so re-exports overwrite.
func (b *SQLiteBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(contextReader{ctx, r})
	if err != nil {
		return 0, fmt.Errorf("reading archive data: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO archives (key, data) VALUES (?, ?)`, key, data,
	); err != nil {
		return 0, fmt.Errorf("putting archive %q: %w", key, err)
	}
	return int64(len(data)), nil
}

// Get loads the BLOB into memory.
func (b *SQLiteBackend) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM archives WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting archive %q: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes the row.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM archives WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting archive %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List uses a range scan on the primary key.
func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, length(data) FROM archives WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	defer rows.Close()
	var out []ObjectInfo
	for rows.Next() {
		var info ObjectInfo
		if err := rows.Scan(&info.Key, &info.Size); err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var _ Backend = (*SQLiteBackend)(nil)
