// ABOUTME: SQLite implementation of the Storage Gateway (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: One versioned records table with compare-and-swap updates and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStoreWithDriver.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// SQLiteStore implements Gateway using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a store at path using the pure-Go modernc driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// dsn adds the busy timeout in each driver's own query syntax.
func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == DriverMattn {
		return path + "?_busy_timeout=5000"
	}
	return path + "?_pragma=busy_timeout(5000)"
}

// createSchema creates the records table if it doesn't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			version    INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT '',
			ref        TEXT NOT NULL DEFAULT '',
			at_ms      INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (collection, key),
			CHECK (version > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_records_status_at ON records(collection, status, at_ms);
		CREATE INDEX IF NOT EXISTS idx_records_ref ON records(collection, ref);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping runs a trivial query against the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Get retrieves a record by collection and key.
// Returns ErrNotFound if the record doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, collection Collection, key string) (*Record, error) {
	query := `
		SELECT value, version, status, ref, at_ms, updated_at
		FROM records
		WHERE collection = ? AND key = ?
	`

	rec := &Record{Collection: collection, Key: key}
	err := scanRecord(s.db.QueryRowContext(ctx, query, collection, key).Scan, rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return rec, nil
}

// Put upserts a record and bumps its version.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) (int64, error) {
	query := `
		INSERT INTO records (collection, key, value, version, status, ref, at_ms, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			version = records.version + 1,
			status = excluded.status,
			ref = excluded.ref,
			at_ms = excluded.at_ms,
			updated_at = excluded.updated_at
		RETURNING version
	`

	var version int64
	err := s.db.QueryRowContext(ctx, query,
		rec.Collection,
		rec.Key,
		rec.Value,
		rec.Index.Status,
		rec.Index.Ref,
		toMillis(rec.Index.At),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("upserting record: %w", err)
	}
	return version, nil
}

// CompareAndSwap writes rec only if the stored version equals expected.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if expected == 0 {
		query := `
			INSERT INTO records (collection, key, value, version, status, ref, at_ms, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			rec.Collection, rec.Key, rec.Value,
			rec.Index.Status, rec.Index.Ref, toMillis(rec.Index.At), now,
		)
		if err != nil {
			if isConstraintViolation(err) {
				return 0, ErrConflict
			}
			return 0, fmt.Errorf("inserting record: %w", err)
		}
		s.logger.Debug("created record", "collection", rec.Collection, "key", rec.Key)
		return 1, nil
	}

	query := `
		UPDATE records
		SET value = ?, version = version + 1, status = ?, ref = ?, at_ms = ?, updated_at = ?
		WHERE collection = ? AND key = ? AND version = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.Value, rec.Index.Status, rec.Index.Ref, toMillis(rec.Index.At), now,
		rec.Collection, rec.Key, expected,
	)
	if err != nil {
		return 0, fmt.Errorf("updating record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 1 {
		return expected + 1, nil
	}

	// Nothing matched: tell a vanished row apart from a stale version
	if _, err := s.Get(ctx, rec.Collection, rec.Key); err != nil {
		return 0, err
	}
	return 0, ErrConflict
}

// List returns records in a collection matching the filter, ordered by at_ms then key.
func (s *SQLiteStore) List(ctx context.Context, collection Collection, f ListFilter) ([]*Record, error) {
	var (
		where = []string{"collection = ?"}
		args  = []any{collection}
	)
	if len(f.Status) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Status)), ",")+")")
		for _, st := range f.Status {
			args = append(args, st)
		}
	}
	if f.Ref != "" {
		where = append(where, "ref = ?")
		args = append(args, f.Ref)
	}
	if !f.AtBefore.IsZero() {
		where = append(where, "at_ms > 0 AND at_ms <= ?")
		args = append(args, toMillis(f.AtBefore))
	}

	query := `
		SELECT key, value, version, status, ref, at_ms, updated_at
		FROM records
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY at_ms, key`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{Collection: collection}
		err := scanRecord(func(dest ...any) error {
			return rows.Scan(append([]any{&rec.Key}, dest...)...)
		}, rec)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return out, nil
}

// scanRecord fills the value, version and index columns of rec.
func scanRecord(scan func(dest ...any) error, rec *Record) error {
	var (
		atMillis     int64
		updatedAtStr string
	)
	if err := scan(&rec.Value, &rec.Version, &rec.Index.Status, &rec.Index.Ref, &atMillis, &updatedAtStr); err != nil {
		return err
	}
	rec.Index.At = fromMillis(atMillis)

	updatedAt, err := time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return fmt.Errorf("parsing updated_at: %w", err)
	}
	rec.UpdatedAt = updatedAt
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Ensure SQLiteStore implements Gateway
var _ Gateway = (*SQLiteStore)(nil)
