package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/id"
)

// Dispatch starts a child workflow and returns its id without waiting for
// it to finish. The dispatch is recorded in history, so replays return the
// same child id instead of starting another run.
func Dispatch[I any](c *Ctx, workflow string, input I, tags map[string]string) (id.Id, error) {
	outcome, rec, err := c.cursor.CompareSubWorkflow(c.version, workflow)
	if err != nil {
		return id.Nil, err
	}
	loc := c.cursor.LocationFor(outcome)

	if outcome == history.OutcomeReplay {
		c.cursor.Update(loc)
		return rec.SubWorkflowID, nil
	}

	body, err := json.Marshal(input)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: encode %s input: %v", ErrSerialization, workflow, err)
	}
	childID, err := c.db.DispatchSubWorkflow(c.ctx, c.workflowID, loc, c.version, wfdb.DispatchOptions{
		WorkflowID: id.New(c.cfg.DC),
		RayID:      c.rayID,
		Name:       workflow,
		Tags:       tags,
		Input:      body,
	})
	if err != nil {
		return id.Nil, err
	}
	c.cursor.Update(loc)
	return childID, nil
}

// Output starts a child workflow, waits for it to complete, and decodes its
// output into O. If the child is still running after the in-process poll
// window the parent suspends until the child completes.
func Output[I, O any](c *Ctx, workflow string, input I, tags map[string]string) (O, error) {
	var out O
	childID, err := Dispatch(c, workflow, input, tags)
	if err != nil {
		return out, err
	}

	for try := 0; ; try++ {
		child, err := c.db.GetSubWorkflow(c.ctx, c.workflowID, childID)
		if err != nil {
			return out, err
		}
		if child.Output != nil {
			if len(child.Output) > 0 {
				if err := json.Unmarshal(child.Output, &out); err != nil {
					return out, fmt.Errorf("%w: decode %s output: %v", ErrSerialization, workflow, err)
				}
			}
			return out, nil
		}
		if try >= c.cfg.SubWorkflowPollTries-1 {
			return out, suspend(wfdb.WakeConditions{SubWorkflowID: childID})
		}
		select {
		case <-c.ctx.Done():
			return out, c.ctx.Err()
		case <-time.After(c.cfg.SubWorkflowPollInterval):
		}
	}
}

// ChildNotFound reports whether err is a missing-child lookup failure.
func ChildNotFound(err error) bool {
	return errors.Is(err, wfdb.ErrWorkflowNotFound)
}
