// Package memkv provides an in-memory kv.Driver backed by
// hashicorp/go-memdb.
//
// Reads run against an immutable radix snapshot taken at Begin, so every
// transaction sees a consistent view. Serializability is enforced
// optimistically through kv.ConflictTracker: commits validate the
// transaction's read ranges against recently committed write ranges and
// fail with kv.ErrConflict on overlap.
//
// Intended for tests and single-process deployments; all state is lost on
// process exit.
package memkv

import (
	"context"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/petrijr/chirp/pkg/kv"
)

const tableKV = "kv"

type record struct {
	Key   []byte
	Value []byte
}

// bytesIndexer indexes the raw key bytes. go-memdb ships string and integer
// field indexers but not a []byte one.
type bytesIndexer struct{}

func (bytesIndexer) FromObject(obj any) (bool, []byte, error) {
	rec, ok := obj.(*record)
	if !ok {
		return false, nil, fmt.Errorf("memkv: unexpected object type %T", obj)
	}
	return true, rec.Key, nil
}

func (bytesIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("memkv: expected one index argument")
	}
	b, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("memkv: expected []byte index argument, got %T", args[0])
	}
	return b, nil
}

// Store is an in-memory ordered KV store.
type Store struct {
	db      *memdb.MemDB
	tracker *kv.ConflictTracker
}

var _ kv.Driver = (*Store)(nil)

// New creates an empty store.
func New() (*Store, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableKV: {
				Name: tableKV,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: bytesIndexer{},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memkv: schema init: %w", err)
	}
	return &Store{db: db, tracker: kv.NewConflictTracker(0)}, nil
}

// MustNew is New for wiring code where the schema cannot fail.
func MustNew() *Store {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s
}

// Begin opens a transaction over a snapshot of the current state.
func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		store:       s,
		snap:        s.db.Txn(false),
		readVersion: s.tracker.ReadVersion(),
		overlay:     map[string]overlayEntry{},
	}, nil
}

// Close implements kv.Driver. The store has nothing to release.
func (s *Store) Close() error { return nil }

// commit validates the transaction and applies its op log inside a memdb
// write transaction.
func (s *Store) commit(t *tx) (int64, error) {
	reads := append([]kv.Range{}, t.readRanges...)
	return s.tracker.CommitValidated(t.readVersion, reads, func(commitVersion int64) ([]kv.Range, error) {
		wtx := s.db.Txn(true)
		writes, err := t.applyOps(wtx, commitVersion)
		if err != nil {
			wtx.Abort()
			return nil, err
		}
		wtx.Commit()
		return writes, nil
	})
}
