package kv

import "sync/atomic"

var (
	packCount   atomic.Int64
	unpackCount atomic.Int64
)

// MetricsSnapshot holds adapter-level counters.
type MetricsSnapshot struct {
	PackCount   int64 `json:"pack_count"`
	UnpackCount int64 `json:"unpack_count"`
}

// Metrics returns the current pack/unpack counters.
func Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		PackCount:   packCount.Load(),
		UnpackCount: unpackCount.Load(),
	}
}
