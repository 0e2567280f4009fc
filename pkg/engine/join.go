package engine

import (
	"errors"
	"sync"

	"github.com/petrijr/chirp/internal/history"
)

// Join runs the given branches concurrently and waits for all of them. Each
// branch gets its own history namespace, so steps inside one branch replay
// independently of its siblings.
//
// A branch error does not cancel its siblings; every branch runs to its own
// end. If any branch suspends, the whole run suspends with the union of the
// branches' wake conditions. Otherwise the branches' errors are joined.
func Join(c *Ctx, branches ...func(*Ctx) error) error {
	if len(branches) == 0 {
		return nil
	}
	return joinAll(c, branches)
}

// Branch runs fn in a child context one dimension deeper. Steps inside fn
// get their own location namespace; the parent cursor advances past the
// branch when fn returns.
func (c *Ctx) Branch(fn func(*Ctx) error) error {
	return joinAll(c, []func(*Ctx) error{fn})
}

func joinAll(c *Ctx, branches []func(*Ctx) error) error {

	ctxs := make([]*Ctx, len(branches))
	for i := range branches {
		outcome, err := c.cursor.CompareBranch(c.version)
		if err != nil {
			return err
		}
		loc := c.cursor.LocationFor(outcome)
		if outcome != history.OutcomeReplay {
			if err := c.db.CommitBranchEvent(c.ctx, c.workflowID, loc, c.version); err != nil {
				return err
			}
		}
		ctxs[i] = c.branch(loc)
		c.cursor.Update(loc)
	}

	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, fn := range branches {
		wg.Add(1)
		go func(i int, fn func(*Ctx) error, bc *Ctx) {
			defer wg.Done()
			err := fn(bc)
			if err == nil {
				err = bc.cursor.CheckClear()
			}
			errs[i] = err
		}(i, fn, ctxs[i])
	}
	wg.Wait()

	var pending *suspendError
	var failures []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if s, ok := asSuspend(err); ok {
			if pending == nil {
				pending = s
			} else {
				pending.wake = mergeWake(pending.wake, s.wake)
			}
			continue
		}
		failures = append(failures, err)
	}
	if pending != nil {
		return pending
	}
	return errors.Join(failures...)
}
