package wfdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
)

// CompleteWorkflow records the run's output, wakes awaiting parents and
// releases the lease.
func (d *KVDatabase) CompleteWorkflow(ctx context.Context, workflowID id.Id, output json.RawMessage) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		name, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldName), kv.Snapshot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}

		if _, already, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldOutput), kv.Serializable); err != nil {
			return err
		} else if already {
			if kv.MaybeCommitted(ctx) {
				return nil
			}
			return fmt.Errorf("wfdb: workflow %s already complete", workflowID)
		}

		if output == nil {
			output = json.RawMessage("null")
		}
		tx.Set(workflowDataKey(workflowID, fieldOutput), output)
		tx.Clear(workflowDataKey(workflowID, fieldError))
		tx.Clear(leaseKey(workflowID))
		if err := d.clearWakeConditions(ctx, tx, workflowID); err != nil {
			return err
		}

		// Convert parked sub-workflow waits on this run into immediate
		// wakes.
		begin, end := subWorkflowWakeIdxRange(workflowID)
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Serializable)
		if err != nil {
			return err
		}
		for it.Next() {
			t, err := root.Unpack(it.Key())
			if err != nil || len(t) != 5 {
				continue
			}
			parent, ok := t[4].(id.Id)
			if !ok {
				continue
			}
			tx.Clear(it.Key())
			tx.Set(wakeImmediateKey(parent), nil)
			tx.Set(workflowDataKey(parent, fieldHasWake), flagSet)
		}
		if err := it.Err(); err != nil {
			return err
		}

		d.addGauge(tx, gaugeComplete, string(name), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("wfdb: complete workflow: %w", err)
	}
	d.WakeWorker(ctx)
	return nil
}

// clearWakeConditions removes every armed wake for the run: the immediate
// and deadline queue entries, armed signal names and their index rows, and
// the run's wake fields.
func (d *KVDatabase) clearWakeConditions(ctx context.Context, tx kv.Tx, workflowID id.Id) error {
	tx.Clear(wakeImmediateKey(workflowID))
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldWakeDeadline), kv.Snapshot); err != nil {
		return err
	} else if ok {
		tx.Clear(wakeDeadlineKey(decInt64(v), workflowID))
	}
	tx.Clear(workflowDataKey(workflowID, fieldWakeDeadline))

	begin, end := wakeSignalRange(workflowID)
	it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
	if err != nil {
		return err
	}
	for it.Next() {
		t, err := root.Unpack(it.Key())
		if err != nil || len(t) != 5 {
			continue
		}
		if name, ok := t[4].(string); ok {
			tx.Clear(signalWakeIdxKey(name, workflowID))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	tx.ClearRange(begin, end)
	tx.Clear(workflowDataKey(workflowID, fieldHasWake))
	return nil
}

// CommitWorkflow persists a suspended run's wake conditions, releasing the
// lease. A nonempty wfError with no wake condition leaves the run dead.
func (d *KVDatabase) CommitWorkflow(ctx context.Context, workflowID id.Id, wake WakeConditions, wfError string) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		name, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldName), kv.Snapshot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}

		if err := d.clearWakeConditions(ctx, tx, workflowID); err != nil {
			return err
		}
		tx.Clear(leaseKey(workflowID))

		if wfError != "" {
			tx.Set(workflowDataKey(workflowID, fieldError), []byte(wfError))
		} else {
			tx.Clear(workflowDataKey(workflowID, fieldError))
		}

		immediate := wake.Immediate

		if len(wake.Signals) > 0 {
			// A signal published between the run's listen and this commit
			// must not strand it; pending matches become immediate wakes.
			pending, err := d.anySignalPending(ctx, tx, workflowID, wake.Signals)
			if err != nil {
				return err
			}
			if pending {
				immediate = true
			} else {
				for _, sig := range wake.Signals {
					tx.Set(wakeSignalKey(workflowID, sig), nil)
					tx.Set(signalWakeIdxKey(sig, workflowID), nil)
				}
			}
		}

		if !wake.SubWorkflowID.IsNil() {
			// Same race with the child completing first.
			if _, complete, err := getOpt(ctx, tx, workflowDataKey(wake.SubWorkflowID, fieldOutput), kv.Serializable); err != nil {
				return err
			} else if complete {
				immediate = true
			} else {
				tx.Set(subWorkflowWakeIdxKey(wake.SubWorkflowID, workflowID), nil)
			}
		}

		if wake.DeadlineTS > 0 {
			tx.Set(wakeDeadlineKey(wake.DeadlineTS, workflowID), nil)
			tx.Set(workflowDataKey(workflowID, fieldWakeDeadline), encInt64(wake.DeadlineTS))
		}
		if immediate {
			tx.Set(wakeImmediateKey(workflowID), nil)
		}

		hasWake := immediate || wake.DeadlineTS > 0 || len(wake.Signals) > 0 || !wake.SubWorkflowID.IsNil()
		if hasWake {
			tx.Set(workflowDataKey(workflowID, fieldHasWake), flagSet)
		} else if wfError != "" {
			d.addGauge(tx, gaugeDead, string(name), 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit workflow: %w", err)
	}

	// Waking unconditionally closes the window between a worker's last
	// pull and this commit arming an already-satisfied condition.
	d.WakeWorker(ctx)
	return nil
}

// GetSubWorkflow loads a child run for an awaiting parent, arming a
// sub-workflow wake while the child is incomplete so a completion racing
// this read still wakes the parent.
func (d *KVDatabase) GetSubWorkflow(ctx context.Context, workflowID, subWorkflowID id.Id) (*WorkflowData, error) {
	return kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (*WorkflowData, error) {
		child, err := d.loadWorkflow(ctx, tx, subWorkflowID, kv.Snapshot)
		if err != nil {
			return nil, err
		}
		if child.Output == nil {
			if _, _, err := getOpt(ctx, tx, workflowDataKey(subWorkflowID, fieldOutput), kv.Serializable); err != nil {
				return nil, err
			}
			tx.Set(subWorkflowWakeIdxKey(subWorkflowID, workflowID), nil)
		}
		return child, nil
	})
}

// DispatchSubWorkflow is DispatchWorkflow plus the parent's history event,
// committed atomically.
func (d *KVDatabase) DispatchSubWorkflow(ctx context.Context, parentID id.Id, loc history.Location, version int, opts DispatchOptions) (id.Id, error) {
	wfID, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (id.Id, error) {
		childID, err := d.dispatchInTx(ctx, tx, opts)
		if err != nil {
			return id.Nil, err
		}
		ev := d.newEvent(loc, version, history.KindSubWorkflow)
		ev.SubWorkflow = &history.SubWorkflowEvent{SubWorkflowID: childID, Name: opts.Name}
		if err := writeEvent(tx, parentID, loc, ev); err != nil {
			return id.Nil, err
		}
		return childID, nil
	})
	if err != nil {
		return id.Nil, fmt.Errorf("wfdb: dispatch sub-workflow %s: %w", opts.Name, err)
	}
	d.WakeWorker(ctx)
	return wfID, nil
}

// SilenceWorkflow marks a run so it is never pulled again. In-flight slices
// are not aborted; their commit lands but the run stays out of the pull
// set.
func (d *KVDatabase) SilenceWorkflow(ctx context.Context, workflowID id.Id) error {
	return kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		if _, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldName), kv.Snapshot); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		tx.Set(workflowDataKey(workflowID, fieldSilenceTS), encInt64(d.now()))
		return nil
	})
}

// WakeWorkflow force-arms an immediate wake, clearing silence and reviving
// dead runs.
func (d *KVDatabase) WakeWorkflow(ctx context.Context, workflowID id.Id) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		name, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldName), kv.Snapshot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		if _, complete, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldOutput), kv.Snapshot); err != nil {
			return err
		} else if complete {
			return fmt.Errorf("wfdb: workflow %s already complete", workflowID)
		}

		_, hadError, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldError), kv.Snapshot)
		if err != nil {
			return err
		}
		if _, hadWake, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldHasWake), kv.Snapshot); err != nil {
			return err
		} else if hadError && !hadWake {
			// Reviving a dead run.
			d.addGauge(tx, gaugeDead, string(name), -1)
		}

		tx.Clear(workflowDataKey(workflowID, fieldSilenceTS))
		tx.Set(wakeImmediateKey(workflowID), nil)
		tx.Set(workflowDataKey(workflowID, fieldHasWake), flagSet)
		return nil
	})
	if err != nil {
		return fmt.Errorf("wfdb: wake workflow: %w", err)
	}
	d.WakeWorker(ctx)
	return nil
}

// UpdateWorkflowState stores the run's opaque state blob.
func (d *KVDatabase) UpdateWorkflowState(ctx context.Context, workflowID id.Id, state json.RawMessage) error {
	return kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		if state == nil {
			tx.Clear(workflowDataKey(workflowID, fieldState))
			return nil
		}
		tx.Set(workflowDataKey(workflowID, fieldState), state)
		return nil
	})
}
