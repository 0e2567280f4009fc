package engine

import (
	"log/slog"
	"time"
)

// Config tunes the engine and its workers. The zero value is usable; every
// field falls back to the defaults below.
type Config struct {
	// DC is the datacenter label stamped into generated ids.
	DC uint16

	// TickInterval is the worker's pull cadence.
	TickInterval time.Duration
	// LeaseTTL is how long a pulled run stays leased without a ping.
	LeaseTTL time.Duration
	// WorkerPullBatch bounds the runs leased per pull.
	WorkerPullBatch int

	// ActivityDefaultMaxRetries bounds retries for activities that do not
	// declare their own limit.
	ActivityDefaultMaxRetries int
	// ActivityDefaultTimeout bounds a single activity attempt.
	ActivityDefaultTimeout time.Duration

	// SignalPollInterval and SignalPollTries shape the in-process polling
	// a listen performs before suspending.
	SignalPollInterval time.Duration
	SignalPollTries    int

	// SubWorkflowPollInterval and SubWorkflowPollTries do the same for
	// awaiting a child run's output.
	SubWorkflowPollInterval time.Duration
	SubWorkflowPollTries    int

	// MessageTailTTL is how long broadcast messages stay replayable for
	// late subscribers, where the bus driver supports it.
	MessageTailTTL time.Duration

	// RateLimitDisabled turns the cache layer's rate limiting into a
	// no-op that reports every bucket valid.
	RateLimitDisabled bool

	Logger *slog.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.WorkerPullBatch <= 0 {
		c.WorkerPullBatch = 50
	}
	if c.ActivityDefaultMaxRetries <= 0 {
		c.ActivityDefaultMaxRetries = 8
	}
	if c.ActivityDefaultTimeout <= 0 {
		c.ActivityDefaultTimeout = 30 * time.Second
	}
	if c.SignalPollInterval <= 0 {
		c.SignalPollInterval = 500 * time.Millisecond
	}
	if c.SignalPollTries <= 0 {
		c.SignalPollTries = 4
	}
	if c.SubWorkflowPollInterval <= 0 {
		c.SubWorkflowPollInterval = 500 * time.Millisecond
	}
	if c.SubWorkflowPollTries <= 0 {
		c.SubWorkflowPollTries = 4
	}
	if c.MessageTailTTL <= 0 {
		c.MessageTailTTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
