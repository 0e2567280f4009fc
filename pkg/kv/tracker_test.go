package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyRange(k string) Range {
	return Range{Begin: []byte(k), End: SingleKeyRangeEnd([]byte(k))}
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Begin: []byte("b"), End: []byte("d")}
	assert.True(t, a.Overlaps(Range{Begin: []byte("c"), End: []byte("e")}))
	assert.True(t, a.Overlaps(keyRange("b")))
	assert.False(t, a.Overlaps(Range{Begin: []byte("d"), End: []byte("e")}))
	assert.False(t, a.Overlaps(Range{Begin: []byte("a"), End: []byte("b")}))
}

func TestTrackerDetectsStaleRead(t *testing.T) {
	ct := NewConflictTracker(0)

	rv := ct.ReadVersion()

	// A writer commits to "a" after our snapshot.
	_, err := ct.CommitValidated(rv, nil, func(int64) ([]Range, error) {
		return []Range{keyRange("a")}, nil
	})
	require.NoError(t, err)

	// Reading "a" at the old snapshot must conflict.
	_, err = ct.CommitValidated(rv, []Range{keyRange("a")}, func(int64) ([]Range, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrConflict)

	// Reading an unrelated key is fine.
	_, err = ct.CommitValidated(rv, []Range{keyRange("z")}, func(int64) ([]Range, error) {
		return nil, nil
	})
	require.NoError(t, err)
}

func TestTrackerVersionsIncrease(t *testing.T) {
	ct := NewConflictTracker(0)
	var last int64
	for i := 0; i < 5; i++ {
		v, err := ct.CommitValidated(ct.ReadVersion(), nil, func(cv int64) ([]Range, error) {
			return nil, nil
		})
		require.NoError(t, err)
		require.Greater(t, v, last)
		last = v
	}
}

func TestTrackerPrunedSnapshotConflicts(t *testing.T) {
	ct := NewConflictTracker(4)

	stale := ct.ReadVersion()
	for i := 0; i < 10; i++ {
		_, err := ct.CommitValidated(ct.ReadVersion(), nil, func(int64) ([]Range, error) {
			return []Range{keyRange("k")}, nil
		})
		require.NoError(t, err)
	}

	// The log no longer covers the stale snapshot, so even a disjoint
	// read set must conflict and force a retry.
	_, err := ct.CommitValidated(stale, []Range{keyRange("other")}, func(int64) ([]Range, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestTrackerApplyErrorAborts(t *testing.T) {
	ct := NewConflictTracker(0)

	before := ct.ReadVersion()
	_, err := ct.CommitValidated(before, nil, func(int64) ([]Range, error) {
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	require.Equal(t, before, ct.ReadVersion())
}
