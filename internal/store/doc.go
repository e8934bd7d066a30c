// Package store provides the Storage Gateway: the single source of truth for
// exchanges, conversation states, execution tasks, health snapshots and
// metric points.
//
// # Architecture
//
// Every backend implements the small Gateway interface over versioned
// records:
//
//   - SQLiteStore: modernc.org/sqlite (default) or mattn/go-sqlite3
//   - DynamoStore: one DynamoDB table, collection as partition key
//   - MockStore: in-memory, for tests
//
// Records carry opaque JSON plus an Index (status, ref, at) that List can
// filter on. Typed helpers in records.go (GetExchange, SaveExchange,
// ListTasks, ...) encode domain structs and keep the index in sync.
//
// # Concurrency
//
// Writers use CompareAndSwap against the version they read. A zero expected
// version means create-if-absent. ErrConflict tells the caller to re-read and
// decide; it is never resolved by overwriting.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
