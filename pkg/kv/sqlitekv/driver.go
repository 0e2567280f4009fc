// Package sqlitekv provides a kv.Driver persisted in a SQLite database via
// modernc.org/sqlite.
//
// Keys and values live in a single WITHOUT ROWID table; BLOB comparison in
// SQLite is memcmp, so the primary key index gives the byte-lexicographic
// ordering the tuple layer relies on.
//
// Snapshot reads come from a read-only SQL transaction held open for the
// lifetime of each kv.Tx, which in WAL mode pins a stable view of the
// database. SQLite has no key-level conflict detection, so serializability
// is enforced optimistically through kv.ConflictTracker, the same commit-log
// validation the in-memory driver uses. Because of that, a database file
// must be owned by a single Store at a time.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/petrijr/chirp/pkg/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	k BLOB NOT NULL PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID;
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA busy_timeout = 5000;",
}

// Store is a SQLite-backed ordered KV store.
type Store struct {
	db      *sql.DB
	tracker *kv.ConflictTracker
}

var _ kv.Driver = (*Store)(nil)

// Open opens or creates the database at path. WAL mode requires a real
// file, so in-memory DSNs are rejected.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" || path == ":memory:" {
		return nil, fmt.Errorf("sqlitekv: a file path is required, in-memory databases are not supported")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitekv: create schema: %w", err)
	}
	return &Store{db: db, tracker: kv.NewConflictTracker(0)}, nil
}

// Begin opens a transaction over a snapshot of the current state.
func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	stx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: begin read: %w", err)
	}
	// A deferred SQLite transaction only pins its snapshot at the first
	// read, so force one now.
	var n int
	if err := stx.QueryRowContext(ctx, "SELECT count(*) FROM kv WHERE k = x'00'").Scan(&n); err != nil {
		stx.Rollback()
		return nil, fmt.Errorf("sqlitekv: pin snapshot: %w", err)
	}
	return &tx{
		store:       s,
		snap:        stx,
		readVersion: s.tracker.ReadVersion(),
		overlay:     map[string]overlayEntry{},
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// commit validates the transaction and applies its op log inside a SQL
// write transaction.
func (s *Store) commit(ctx context.Context, t *tx) (int64, error) {
	reads := append([]kv.Range{}, t.readRanges...)
	return s.tracker.CommitValidated(t.readVersion, reads, func(commitVersion int64) ([]kv.Range, error) {
		wtx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("sqlitekv: begin write: %w", err)
		}
		writes, err := t.applyOps(ctx, wtx, commitVersion)
		if err != nil {
			wtx.Rollback()
			return nil, err
		}
		if err := wtx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlitekv: %w: %v", kv.ErrMaybeCommitted, err)
		}
		return writes, nil
	})
}
