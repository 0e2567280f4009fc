// Package kv defines a uniform transactional interface over an ordered
// key/value store.
//
// Higher layers (workflow storage, caches, indexes) are written against the
// Driver and Tx interfaces and stay portable across the concrete engines:
// an in-memory store for tests (memkv) and a SQLite-backed store for
// embedded durability (sqlitekv).
//
// The interface is deliberately close to an FDB-style API: range scans over
// byte-ordered keys, atomic mutations, versionstamps, tuple-packed keys and
// two isolation levels.
package kv

import "context"

// Isolation selects the read isolation for a single operation.
type Isolation int

const (
	// Serializable reads add read-conflict ranges; the transaction fails
	// with ErrConflict at commit if any read key changed concurrently.
	Serializable Isolation = iota

	// Snapshot reads see a consistent view but add no conflict ranges.
	// Use for read-mostly scans that must not abort writers.
	Snapshot
)

// ConflictRangeKind distinguishes explicit read and write conflict ranges.
type ConflictRangeKind int

const (
	ConflictRangeRead ConflictRangeKind = iota
	ConflictRangeWrite
)

// RangeOptions controls a GetRange scan.
type RangeOptions struct {
	// Limit bounds the number of returned pairs; 0 means no limit.
	Limit int
	// Reverse returns pairs in descending key order.
	Reverse bool
}

// KeyValue is a single key/value pair returned from a range scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Driver is a handle to an ordered transactional key/value store.
type Driver interface {
	// Begin opens a new transaction.
	Begin(ctx context.Context) (Tx, error)

	// Close releases the underlying store.
	Close() error
}

// Tx is a single transaction. Transactions are not safe for concurrent use.
//
// Mutations (Set, Clear, ClearRange, Atomic) are buffered and become visible
// to readers of the same transaction immediately, and to other transactions
// only after a successful Commit.
type Tx interface {
	// Get reads a single key. Returns ErrKeyNotFound if the key is absent.
	Get(ctx context.Context, key []byte, iso Isolation) ([]byte, error)

	// GetRange scans keys in [begin, end).
	GetRange(ctx context.Context, begin, end []byte, opts RangeOptions, iso Isolation) (*RangeIter, error)

	// GetKey resolves a key selector to a concrete key. Returns
	// ErrKeyNotFound if no key satisfies the selector.
	GetKey(ctx context.Context, sel KeySelector, iso Isolation) ([]byte, error)

	// Set buffers a write of key to value.
	Set(key, value []byte)

	// Clear buffers a delete of key.
	Clear(key []byte)

	// ClearRange buffers a delete of all keys in [begin, end).
	ClearRange(begin, end []byte)

	// Atomic buffers an atomic mutation of key with the given operand.
	Atomic(key, param []byte, op AtomicOp)

	// AddConflictRange adds an explicit conflict range. For a single-key
	// conflict the end must be SingleKeyRangeEnd(key).
	AddConflictRange(begin, end []byte, kind ConflictRangeKind) error

	// Commit applies the buffered mutations. On success it returns the
	// commit version, which is also the version substituted into any
	// versionstamped operations. Failure modes are the typed errors
	// ErrConflict, ErrNotCommitted and ErrMaybeCommitted.
	Commit(ctx context.Context) (int64, error)

	// Cancel abandons the transaction. Idempotent; calling Cancel after
	// Commit is a no-op.
	Cancel()
}

// SingleKeyRangeEnd returns the exclusive end bound covering exactly one
// key: the key followed by a zero byte.
func SingleKeyRangeEnd(key []byte) []byte {
	end := make([]byte, len(key)+1)
	copy(end, key)
	return end
}

// RangeIter iterates over the result of a range scan.
//
// Both drivers materialize their scans before returning, so the iterator is
// a cursor over an in-memory result; the interface stays stream-shaped so a
// paging driver can be added without touching callers.
type RangeIter struct {
	kvs []KeyValue
	idx int
	err error
}

// NewRangeIter builds a RangeIter over an already-materialized result.
func NewRangeIter(kvs []KeyValue) *RangeIter {
	return &RangeIter{kvs: kvs, idx: -1}
}

// Next advances the iterator. It must be called before the first Key/Value.
func (it *RangeIter) Next() bool {
	if it.err != nil || it.idx+1 >= len(it.kvs) {
		return false
	}
	it.idx++
	return true
}

// Key returns the current key. Only valid after a true Next.
func (it *RangeIter) Key() []byte { return it.kvs[it.idx].Key }

// Value returns the current value. Only valid after a true Next.
func (it *RangeIter) Value() []byte { return it.kvs[it.idx].Value }

// Err returns the scan error, if any.
func (it *RangeIter) Err() error { return it.err }

// All drains the iterator into a slice.
func (it *RangeIter) All() ([]KeyValue, error) {
	var out []KeyValue
	for it.Next() {
		out = append(out, KeyValue{Key: it.Key(), Value: it.Value()})
	}
	return out, it.Err()
}

// KeySelector describes a key position relative to an anchor key,
// FDB-style: skip to the first key >= or > the anchor (or <=, < with a
// negative offset of zero) then move Offset keys forward.
type KeySelector struct {
	Key     []byte
	OrEqual bool
	Offset  int
}

// FirstGreaterOrEqual selects the first key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: false, Offset: 1}
}

// FirstGreaterThan selects the first key > key.
func FirstGreaterThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 1}
}

// LastLessOrEqual selects the last key <= key.
func LastLessOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 0}
}

// LastLessThan selects the last key < key.
func LastLessThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: false, Offset: 0}
}
