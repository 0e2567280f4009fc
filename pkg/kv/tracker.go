package kv

import (
	"bytes"
	"sync"
)

// Range is a half-open key range [Begin, End).
type Range struct {
	Begin, End []byte
}

// Overlaps reports whether two ranges intersect.
func (r Range) Overlaps(other Range) bool {
	return bytes.Compare(r.Begin, other.End) < 0 && bytes.Compare(other.Begin, r.End) < 0
}

type trackerCommit struct {
	version int64
	writes  []Range
}

// ConflictTracker implements optimistic serializability for drivers whose
// underlying store has no native key-level conflict detection. Each commit
// records its write ranges under a monotonically increasing version; a
// committing transaction validates its read ranges against every commit
// newer than its snapshot version and aborts with ErrConflict on overlap.
//
// The log is bounded: transactions older than the retained window fail with
// a conflict, which is safe because the caller retries on a fresh snapshot.
type ConflictTracker struct {
	mu          sync.Mutex
	version     int64
	log         []trackerCommit
	prunedBelow int64
	maxLog      int
}

// NewConflictTracker creates a tracker retaining up to maxLog commits.
// maxLog <= 0 selects a sensible default.
func NewConflictTracker(maxLog int) *ConflictTracker {
	if maxLog <= 0 {
		maxLog = 4096
	}
	return &ConflictTracker{maxLog: maxLog}
}

// ReadVersion returns the version a new transaction should snapshot at.
func (ct *ConflictTracker) ReadVersion() int64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.version
}

// CommitValidated validates reads against commits newer than readVersion
// and, if clean, invokes apply with the assigned commit version while still
// holding the tracker lock, then records the write ranges apply returns.
// apply errors abort the commit without recording. Write ranges are returned
// by apply rather than passed in because versionstamped keys only resolve
// once the commit version is assigned.
func (ct *ConflictTracker) CommitValidated(
	readVersion int64,
	reads []Range,
	apply func(commitVersion int64) ([]Range, error),
) (int64, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if readVersion < ct.prunedBelow {
		return 0, ErrConflict
	}
	for _, rr := range reads {
		for i := len(ct.log) - 1; i >= 0; i-- {
			rec := ct.log[i]
			if rec.version <= readVersion {
				break
			}
			for _, wr := range rec.writes {
				if rr.Overlaps(wr) {
					return 0, ErrConflict
				}
			}
		}
	}

	commitVersion := ct.version + 1
	writes, err := apply(commitVersion)
	if err != nil {
		return 0, err
	}

	ct.version = commitVersion
	ct.log = append(ct.log, trackerCommit{version: commitVersion, writes: writes})
	if len(ct.log) > ct.maxLog {
		dropped := len(ct.log) - ct.maxLog
		ct.prunedBelow = ct.log[dropped-1].version
		ct.log = append([]trackerCommit(nil), ct.log[dropped:]...)
	}
	return commitVersion, nil
}
