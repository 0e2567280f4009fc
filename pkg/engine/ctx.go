package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/ups"
)

// Ctx is the workflow execution context for one run slice. Every step goes
// through it; the cursor it carries decides whether a step replays from
// history or executes live.
//
// A Ctx is single-tasked: workflow bodies run on one goroutine. Join hands
// each concurrent branch its own Ctx.
type Ctx struct {
	ctx context.Context
	cfg Config
	db  wfdb.Database
	bus ups.PubSub
	log *slog.Logger

	workflowID id.Id
	name       string
	rayID      id.Id
	input      json.RawMessage
	state      json.RawMessage

	cursor  *history.Cursor
	version int

	// now is replaced in tests to control sleep and retry timing.
	now func() int64
}

// Context returns the slice's cancellation context. It is cancelled when
// the worker shuts down, not when the run suspends.
func (c *Ctx) Context() context.Context { return c.ctx }

// WorkflowID returns the run's id.
func (c *Ctx) WorkflowID() id.Id { return c.workflowID }

// WorkflowName returns the registered workflow name.
func (c *Ctx) WorkflowName() string { return c.name }

// RayID returns the correlation id shared by all work descended from the
// originating request.
func (c *Ctx) RayID() id.Id { return c.rayID }

// Log returns a logger scoped to the run.
func (c *Ctx) Log() *slog.Logger { return c.log }

// branch returns a child context whose cursor walks its own sub-namespace
// of history rooted at loc.
func (c *Ctx) branch(loc history.Location) *Ctx {
	child := *c
	child.cursor = history.NewCursor(c.cursor.History(), loc)
	child.log = c.log.With("branch", loc.String())
	return &child
}

// CheckVersion records a version gate and returns the version in effect
// for subsequent steps: the declared version on first execution, the
// recorded one on replay, or 1 when the history predates the gate.
func (c *Ctx) CheckVersion(version int) (int, error) {
	if version < 1 {
		version = 1
	}
	present, isCheck, recorded := c.cursor.CompareVersionCheck()
	switch {
	case present && isCheck:
		c.cursor.Inc()
		c.version = recorded
		return recorded, nil
	case present:
		// Events recorded before the gate existed run as version 1.
		c.version = 1
		return 1, nil
	default:
		loc := c.cursor.LocationFor(history.OutcomeNew)
		if err := c.db.CommitVersionCheckEvent(c.ctx, c.workflowID, loc, version); err != nil {
			return 0, err
		}
		c.cursor.Update(loc)
		c.version = version
		return version, nil
	}
}

// Sleep suspends the run for at least d. On replay of an elapsed sleep it
// returns immediately.
func (c *Ctx) Sleep(d time.Duration) error {
	return c.sleepUntil(c.now() + d.Milliseconds())
}

// SleepUntil suspends the run until ts.
func (c *Ctx) SleepUntil(ts time.Time) error {
	return c.sleepUntil(ts.UnixMilli())
}

func (c *Ctx) sleepUntil(deadlineTS int64) error {
	outcome, rec, err := c.cursor.CompareSleep(c.version)
	if err != nil {
		return err
	}
	loc := c.cursor.LocationFor(outcome)

	if outcome == history.OutcomeReplay {
		c.cursor.Update(loc)
		if rec.State != history.SleepPending {
			return nil
		}
		if c.now() >= rec.DeadlineTS {
			if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, loc, history.SleepCompleted); err != nil {
				return err
			}
			return nil
		}
		return suspend(wfdb.WakeConditions{DeadlineTS: rec.DeadlineTS})
	}

	if err := c.db.CommitSleepEvent(c.ctx, c.workflowID, loc, c.version, deadlineTS); err != nil {
		return err
	}
	c.cursor.Update(loc)
	if c.now() >= deadlineTS {
		return c.db.UpdateSleepEventState(c.ctx, c.workflowID, loc, history.SleepCompleted)
	}
	return suspend(wfdb.WakeConditions{DeadlineTS: deadlineTS})
}

// Removed consumes the history slot of a step the current workflow version
// no longer performs, writing a tombstone when the slot is new. Dropped
// steps must leave one of these behind or replay diverges.
func (c *Ctx) Removed(kind history.EventKind, name string) error {
	consumed, err := c.cursor.CompareRemoved(kind, name)
	if err != nil {
		return err
	}
	if consumed {
		c.cursor.Inc()
		return nil
	}
	loc := c.cursor.LocationFor(history.OutcomeNew)
	if err := c.db.CommitRemovedEvent(c.ctx, c.workflowID, loc, kind, name); err != nil {
		return err
	}
	c.cursor.Update(loc)
	return nil
}

// UpdateTags replaces the run's tags. Not recorded in history; tag updates
// are idempotent metadata writes.
func (c *Ctx) UpdateTags(tags map[string]string) error {
	return c.db.UpdateWorkflowTags(c.ctx, c.workflowID, c.name, tags)
}

// State returns the run's mutable state blob, distinct from its input. It
// is operator-visible metadata, not replay state; durable loop state
// belongs in Loop.
func (c *Ctx) State() json.RawMessage { return c.state }

// UpdateState replaces the run's state blob. Like UpdateTags, not
// recorded in history.
func (c *Ctx) UpdateState(state json.RawMessage) error {
	if err := c.db.UpdateWorkflowState(c.ctx, c.workflowID, state); err != nil {
		return err
	}
	c.state = state
	return nil
}
