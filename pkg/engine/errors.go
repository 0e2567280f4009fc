package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/chirp/internal/wfdb"
)

// ErrSerialization marks an input, output or signal body that could not
// cross the JSON boundary. It is fatal for the run, like a determinism
// violation.
var ErrSerialization = errors.New("engine: serialization error")

// ActivityError is the terminal failure of an activity: every attempt
// failed, or one attempt failed with a terminal error. The workflow sees it
// at the call site and may handle it.
type ActivityError struct {
	Name     string
	Attempts int
	Errs     []string
}

func (e *ActivityError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("activity %s failed", e.Name)
	}
	return fmt.Sprintf("activity %s failed after %d attempts: %s",
		e.Name, e.Attempts, e.Errs[len(e.Errs)-1])
}

// terminalError marks an activity error as not retryable.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps an activity error so it fails the activity immediately
// instead of being retried.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func isTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// suspendError unwinds the workflow body back to the executor, carrying the
// wake conditions to commit. It is never surfaced to callers outside the
// package.
type suspendError struct {
	wake wfdb.WakeConditions
}

func (e *suspendError) Error() string {
	var parts []string
	if e.wake.Immediate {
		parts = append(parts, "immediate")
	}
	if e.wake.DeadlineTS > 0 {
		parts = append(parts, fmt.Sprintf("deadline %d", e.wake.DeadlineTS))
	}
	if len(e.wake.Signals) > 0 {
		parts = append(parts, "signals "+strings.Join(e.wake.Signals, ","))
	}
	if !e.wake.SubWorkflowID.IsNil() {
		parts = append(parts, "sub-workflow "+e.wake.SubWorkflowID.String())
	}
	return "workflow suspended awaiting " + strings.Join(parts, ", ")
}

func suspend(wake wfdb.WakeConditions) error {
	return &suspendError{wake: wake}
}

func asSuspend(err error) (*suspendError, bool) {
	var s *suspendError
	ok := errors.As(err, &s)
	return s, ok
}

// mergeWake folds two wake condition sets into one that fires when either
// would: the union of their triggers with the earliest deadline.
func mergeWake(a, b wfdb.WakeConditions) wfdb.WakeConditions {
	out := a
	out.Immediate = a.Immediate || b.Immediate
	if out.DeadlineTS == 0 || (b.DeadlineTS > 0 && b.DeadlineTS < out.DeadlineTS) {
		out.DeadlineTS = b.DeadlineTS
	}
	out.Signals = append(append([]string(nil), a.Signals...), b.Signals...)
	if out.SubWorkflowID.IsNil() {
		out.SubWorkflowID = b.SubWorkflowID
	}
	return out
}
