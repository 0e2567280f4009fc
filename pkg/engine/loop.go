package engine

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/chirp/internal/history"
)

// Loop runs fn durably until it returns a non-nil output. State mutations
// made by fn persist across iterations, and past iterations are forgotten
// from active history so long loops do not grow replay without bound.
//
// Each iteration gets its own history namespace. On replay the loop resumes
// from the last persisted iteration and state rather than from the start.
func Loop[S, O any](c *Ctx, initial S, fn func(c *Ctx, state *S) (*O, error)) (O, error) {
	var zero O

	outcome, rec, err := c.cursor.CompareLoop(c.version)
	if err != nil {
		return zero, err
	}
	loc := c.cursor.LocationFor(outcome)

	state := initial
	var iteration uint64
	if outcome == history.OutcomeReplay {
		if rec.Output != nil {
			var out O
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				return zero, fmt.Errorf("%w: decode loop output: %v", ErrSerialization, err)
			}
			c.cursor.Update(loc)
			return out, nil
		}
		iteration = rec.Iteration
		if rec.State != nil {
			if err := json.Unmarshal(rec.State, &state); err != nil {
				return zero, fmt.Errorf("%w: decode loop state: %v", ErrSerialization, err)
			}
		}
	} else {
		stateRaw, err := json.Marshal(state)
		if err != nil {
			return zero, fmt.Errorf("%w: encode loop state: %v", ErrSerialization, err)
		}
		if err := c.db.UpsertLoopEvent(c.ctx, c.workflowID, loc, c.version, 0, stateRaw, nil); err != nil {
			return zero, err
		}
	}

	loopCursor := history.NewCursor(c.cursor.History(), loc)
	for {
		branchLoc := loc.Join(history.Simple(iteration + 1))
		recorded, err := loopCursor.CompareLoopBranch(iteration)
		if err != nil {
			return zero, err
		}
		if !recorded {
			if err := c.db.CommitBranchEvent(c.ctx, c.workflowID, branchLoc, c.version); err != nil {
				return zero, err
			}
		}

		bc := c.branch(branchLoc)
		out, err := fn(bc, &state)
		if err != nil {
			return zero, err
		}
		if err := bc.cursor.CheckClear(); err != nil {
			return zero, err
		}
		iteration++

		stateRaw, err := json.Marshal(state)
		if err != nil {
			return zero, fmt.Errorf("%w: encode loop state: %v", ErrSerialization, err)
		}
		if out != nil {
			outRaw, err := json.Marshal(out)
			if err != nil {
				return zero, fmt.Errorf("%w: encode loop output: %v", ErrSerialization, err)
			}
			if err := c.db.UpsertLoopEvent(c.ctx, c.workflowID, loc, c.version, iteration, stateRaw, outRaw); err != nil {
				return zero, err
			}
			c.cursor.Update(loc)
			return *out, nil
		}
		if err := c.db.UpsertLoopEvent(c.ctx, c.workflowID, loc, c.version, iteration, stateRaw, nil); err != nil {
			return zero, err
		}
	}
}
