// Package kvtest holds the driver contract tests shared by every kv.Driver
// implementation. A driver package's tests call Run with a factory.
package kvtest

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/chirp/pkg/kv"
)

// Factory builds a fresh, empty driver for one test.
type Factory func(t *testing.T) kv.Driver

// Run exercises the full driver contract against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetSet", func(t *testing.T) { testGetSet(t, factory(t)) })
	t.Run("GetRange", func(t *testing.T) { testGetRange(t, factory(t)) })
	t.Run("ClearRange", func(t *testing.T) { testClearRange(t, factory(t)) })
	t.Run("GetKeySelectors", func(t *testing.T) { testGetKeySelectors(t, factory(t)) })
	t.Run("AtomicAdd", func(t *testing.T) { testAtomicAdd(t, factory(t)) })
	t.Run("VersionstampedKey", func(t *testing.T) { testVersionstampedKey(t, factory(t)) })
	t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, factory(t)) })
	t.Run("SerializableConflict", func(t *testing.T) { testSerializableConflict(t, factory(t)) })
	t.Run("SnapshotReadNoConflict", func(t *testing.T) { testSnapshotReadNoConflict(t, factory(t)) })
	t.Run("RunRetries", func(t *testing.T) { testRunRetries(t, factory(t)) })
	t.Run("ConcurrentCounter", func(t *testing.T) { testConcurrentCounter(t, factory(t)) })
}

func set(t *testing.T, db kv.Driver, key, value string) {
	t.Helper()
	require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set([]byte(key), []byte(value))
		return nil
	}))
}

func get(t *testing.T, db kv.Driver, key string) (string, bool) {
	t.Helper()
	var out []byte
	var found bool
	require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		v, err := tx.Get(ctx, []byte(key), kv.Serializable)
		if errors.Is(err, kv.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		out = v
		return nil
	}))
	return string(out), found
}

func testGetSet(t *testing.T, db kv.Driver) {
	defer db.Close()

	if _, found := get(t, db, "missing"); found {
		t.Fatalf("expected missing key")
	}

	set(t, db, "a", "1")
	v, found := get(t, db, "a")
	require.True(t, found)
	require.Equal(t, "1", v)

	// Overwrite.
	set(t, db, "a", "2")
	v, _ = get(t, db, "a")
	require.Equal(t, "2", v)

	// Clear.
	require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		tx.Clear([]byte("a"))
		return nil
	}))
	if _, found := get(t, db, "a"); found {
		t.Fatalf("expected cleared key to be gone")
	}
}

func testGetRange(t *testing.T, db kv.Driver) {
	defer db.Close()

	for _, k := range []string{"k1", "k2", "k3", "k4", "other"} {
		set(t, db, k, "v-"+k)
	}

	ctx := context.Background()
	err := kv.Run(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		it, err := tx.GetRange(ctx, []byte("k1"), []byte("k4"), kv.RangeOptions{}, kv.Serializable)
		if err != nil {
			return err
		}
		kvs, err := it.All()
		if err != nil {
			return err
		}
		require.Len(t, kvs, 3)
		require.Equal(t, []byte("k1"), kvs[0].Key)
		require.Equal(t, []byte("k3"), kvs[2].Key)

		// Reverse with limit.
		it, err = tx.GetRange(ctx, []byte("k1"), []byte("k9"), kv.RangeOptions{Reverse: true, Limit: 2}, kv.Serializable)
		if err != nil {
			return err
		}
		kvs, err = it.All()
		if err != nil {
			return err
		}
		require.Len(t, kvs, 2)
		require.Equal(t, []byte("k4"), kvs[0].Key)
		require.Equal(t, []byte("k3"), kvs[1].Key)

		// Uncommitted writes are visible to the same transaction.
		tx.Set([]byte("k2b"), []byte("new"))
		it, err = tx.GetRange(ctx, []byte("k2"), []byte("k3"), kv.RangeOptions{}, kv.Serializable)
		if err != nil {
			return err
		}
		kvs, err = it.All()
		if err != nil {
			return err
		}
		require.Len(t, kvs, 2)
		require.Equal(t, []byte("k2b"), kvs[1].Key)
		return nil
	})
	require.NoError(t, err)
}

func testClearRange(t *testing.T, db kv.Driver) {
	defer db.Close()

	for _, k := range []string{"p1", "p2", "p3", "q1"} {
		set(t, db, k, "x")
	}

	require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		tx.ClearRange([]byte("p"), []byte("q"))
		// The cleared range is invisible within the transaction too.
		if _, err := tx.Get(ctx, []byte("p2"), kv.Snapshot); !errors.Is(err, kv.ErrKeyNotFound) {
			t.Fatalf("expected p2 cleared in-tx, got %v", err)
		}
		return nil
	}))

	for _, k := range []string{"p1", "p2", "p3"} {
		if _, found := get(t, db, k); found {
			t.Fatalf("expected %s cleared", k)
		}
	}
	if _, found := get(t, db, "q1"); !found {
		t.Fatalf("q1 should survive")
	}
}

func testGetKeySelectors(t *testing.T, db kv.Driver) {
	defer db.Close()

	for _, k := range []string{"b", "d", "f"} {
		set(t, db, k, "x")
	}

	require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		k, err := tx.GetKey(ctx, kv.FirstGreaterOrEqual([]byte("d")), kv.Serializable)
		require.NoError(t, err)
		require.Equal(t, []byte("d"), k)

		k, err = tx.GetKey(ctx, kv.FirstGreaterThan([]byte("d")), kv.Serializable)
		require.NoError(t, err)
		require.Equal(t, []byte("f"), k)

		k, err = tx.GetKey(ctx, kv.LastLessOrEqual([]byte("d")), kv.Serializable)
		require.NoError(t, err)
		require.Equal(t, []byte("d"), k)

		k, err = tx.GetKey(ctx, kv.LastLessThan([]byte("d")), kv.Serializable)
		require.NoError(t, err)
		require.Equal(t, []byte("b"), k)

		_, err = tx.GetKey(ctx, kv.FirstGreaterThan([]byte("f")), kv.Serializable)
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
		return nil
	}))
}

func testAtomicAdd(t *testing.T, db kv.Driver) {
	defer db.Close()

	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
			tx.Atomic([]byte("counter"), one, kv.OpAdd)
			return nil
		}))
	}

	v, found := get(t, db, "counter")
	require.True(t, found)
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64([]byte(v)))
}

func testVersionstampedKey(t *testing.T, db kv.Driver) {
	defer db.Close()

	sub := kv.NewSubspace(kv.Tuple{"log"})

	// Two entries stamped in separate transactions must sort by commit
	// order.
	for _, payload := range []string{"first", "second"} {
		payload := payload
		require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
			key, err := sub.PackWithVersionstamp(kv.Tuple{kv.IncompleteVersionstamp(0)})
			if err != nil {
				return err
			}
			tx.Atomic(key, []byte(payload), kv.OpSetVersionstampedKey)
			return nil
		}))
	}

	require.NoError(t, kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		begin, end := sub.Range()
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return err
		}
		kvs, err := it.All()
		if err != nil {
			return err
		}
		require.Len(t, kvs, 2)
		require.Equal(t, []byte("first"), kvs[0].Value)
		require.Equal(t, []byte("second"), kvs[1].Value)
		return nil
	}))
}

func testSnapshotIsolation(t *testing.T, db kv.Driver) {
	defer db.Close()

	set(t, db, "iso", "before")

	ctx := context.Background()
	tx1, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx1.Cancel()

	// Commit a change from another transaction.
	set(t, db, "iso", "after")

	// tx1 still sees its snapshot.
	v, err := tx1.Get(ctx, []byte("iso"), kv.Snapshot)
	require.NoError(t, err)
	require.Equal(t, []byte("before"), v)
}

func testSerializableConflict(t *testing.T, db kv.Driver) {
	defer db.Close()

	set(t, db, "c", "0")

	ctx := context.Background()
	tx1, err := db.Begin(ctx)
	require.NoError(t, err)

	_, err = tx1.Get(ctx, []byte("c"), kv.Serializable)
	require.NoError(t, err)

	// A concurrent commit invalidates tx1's read.
	set(t, db, "c", "1")

	tx1.Set([]byte("c2"), []byte("x"))
	_, err = tx1.Commit(ctx)
	require.True(t, kv.IsRetryable(err), "expected retryable conflict, got %v", err)
}

func testSnapshotReadNoConflict(t *testing.T, db kv.Driver) {
	defer db.Close()

	set(t, db, "s", "0")

	ctx := context.Background()
	tx1, err := db.Begin(ctx)
	require.NoError(t, err)

	_, err = tx1.Get(ctx, []byte("s"), kv.Snapshot)
	require.NoError(t, err)

	set(t, db, "s", "1")

	tx1.Set([]byte("s2"), []byte("x"))
	if _, err := tx1.Commit(ctx); err != nil {
		t.Fatalf("snapshot read must not conflict: %v", err)
	}
}

func testRunRetries(t *testing.T, db kv.Driver) {
	defer db.Close()

	set(t, db, "r", "0")

	var attempts int
	err := kv.Run(context.Background(), db, func(ctx context.Context, tx kv.Tx) error {
		attempts++
		if _, err := tx.Get(ctx, []byte("r"), kv.Serializable); err != nil {
			return err
		}
		if attempts == 1 {
			// Interleave a conflicting commit on the first attempt.
			set(t, db, "r", "interfering")
		}
		tx.Set([]byte("r"), []byte("done"))
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 2)

	v, _ := get(t, db, "r")
	require.Equal(t, "done", v)
}

func testConcurrentCounter(t *testing.T, db kv.Driver) {
	defer db.Close()

	const workers = 8
	const perWorker = 5

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := kv.Run(ctx, db, func(ctx context.Context, tx kv.Tx) error {
					raw, err := tx.Get(ctx, []byte("n"), kv.Serializable)
					var n uint64
					if err == nil {
						n = binary.LittleEndian.Uint64(raw)
					} else if !errors.Is(err, kv.ErrKeyNotFound) {
						return err
					}
					buf := make([]byte, 8)
					binary.LittleEndian.PutUint64(buf, n+1)
					tx.Set([]byte("n"), buf)
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}

	v, found := get(t, db, "n")
	require.True(t, found)
	require.Equal(t, uint64(workers*perWorker), binary.LittleEndian.Uint64([]byte(v)))
}
