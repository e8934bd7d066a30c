// ABOUTME: Storage Gateway contract shared by every component of the gateway
// ABOUTME: Versioned records with compare-and-swap plus a small secondary index for scans

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap sees a different version
// than expected, or a create finds the key already present
var ErrConflict = errors.New("version conflict")

// Collection names a keyspace in the Storage Gateway.
type Collection string

const (
	CollectionExchanges       Collection = "exchanges"
	CollectionConversations   Collection = "conversations"
	CollectionTasks           Collection = "tasks"
	CollectionHealthSnapshots Collection = "health_snapshots"
	CollectionMetricPoints    Collection = "metric_points"
)

// Index holds the secondary columns a record is listed by.
//
// At orders records and bounds AtBefore scans. For live work it is the time
// the record next needs attention (a deadline, a retry time, a lease expiry)
// and zero when it needs none; append-only records use their sample time.
type Index struct {
	Status string
	Ref    string
	At     time.Time
}

// Record is one stored document. Value is opaque JSON owned by the caller.
type Record struct {
	Collection Collection
	Key        string
	Value      []byte
	Version    int64
	Index      Index
	UpdatedAt  time.Time
}

// ListFilter selects records from one collection. Empty fields match everything.
// AtBefore only matches records whose At is set and not after the bound.
type ListFilter struct {
	Status   []string
	Ref      string
	AtBefore time.Time
	Limit    int
}

// Gateway is the single source of truth for all shared state.
type Gateway interface {
	// Get returns ErrNotFound if the key is absent.
	Get(ctx context.Context, collection Collection, key string) (*Record, error)

	// Put writes rec unconditionally and returns the new version.
	Put(ctx context.Context, rec *Record) (int64, error)

	// CompareAndSwap writes rec only if the stored version equals expected.
	// expected == 0 means create-if-absent. Returns the new version,
	// ErrConflict on a version mismatch, or ErrNotFound when updating a missing key.
	CompareAndSwap(ctx context.Context, rec *Record, expected int64) (int64, error)

	// List returns matching records ordered by Index.At then key.
	List(ctx context.Context, collection Collection, filter ListFilter) ([]*Record, error)

	// Ping performs a cheap read to prove the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// matches reports whether rec satisfies f. Backends that cannot push every
// condition down to the database apply it after fetching.
func (f ListFilter) matches(rec *Record) bool {
	if len(f.Status) > 0 && !slices.Contains(f.Status, rec.Index.Status) {
		return false
	}
	if f.Ref != "" && rec.Index.Ref != f.Ref {
		return false
	}
	if !f.AtBefore.IsZero() && (rec.Index.At.IsZero() || rec.Index.At.After(f.AtBefore)) {
		return false
	}
	return true
}

// sortAndLimit orders records by At then key and truncates to f.Limit.
func (f ListFilter) sortAndLimit(recs []*Record) []*Record {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Index.At, recs[j].Index.At
		if !a.Equal(b) {
			return a.Before(b)
		}
		return recs[i].Key < recs[j].Key
	})
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return recs
}

// toMillis encodes At for storage; the zero time is stored as 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
