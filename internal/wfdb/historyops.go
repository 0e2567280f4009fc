package wfdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
)

func (d *KVDatabase) newEvent(loc history.Location, version int, kind history.EventKind) *history.Event {
	coord, _ := loc.LocTail()
	return &history.Event{
		Coordinate: coord,
		Version:    version,
		Kind:       kind,
		CreateTS:   d.now(),
	}
}

func writeEvent(tx kv.Tx, workflowID id.Id, loc history.Location, ev *history.Event) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	if len(buf) > kv.MaxValueSize {
		return fmt.Errorf("%s event at %s exceeds value size limit", ev.Kind, loc)
	}
	tx.Set(historyEventKey(workflowID, loc), buf)
	return nil
}

func decodeEvent(buf []byte) (*history.Event, error) {
	var ev history.Event
	if err := json.Unmarshal(buf, &ev); err != nil {
		return nil, fmt.Errorf("decode history event: %w", err)
	}
	return &ev, nil
}

// readEvent loads the event recorded at loc, or nil.
func readEvent(ctx context.Context, tx kv.Tx, workflowID id.Id, loc history.Location) (*history.Event, error) {
	buf, ok, err := getOpt(ctx, tx, historyEventKey(workflowID, loc), kv.Snapshot)
	if err != nil || !ok {
		return nil, err
	}
	return decodeEvent(buf)
}

// CommitActivityEvent records one activity attempt. The first attempt
// creates the event; retries append their error message; success sets the
// output.
func (d *KVDatabase) CommitActivityEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, eventID history.EventID, createTS int64, output json.RawMessage, errMsg string) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		ev, err := readEvent(ctx, tx, workflowID, loc)
		if err != nil {
			return err
		}
		if ev == nil || ev.Activity == nil {
			ev = d.newEvent(loc, version, history.KindActivity)
			ev.CreateTS = createTS
			ev.Activity = &history.ActivityEvent{EventID: eventID}
		}
		if errMsg != "" {
			n := len(ev.Activity.Errors)
			if !(kv.MaybeCommitted(ctx) && n > 0 && ev.Activity.Errors[n-1] == errMsg) {
				ev.Activity.Errors = append(ev.Activity.Errors, errMsg)
			}
		}
		if output != nil {
			ev.Activity.Output = output
		}
		return writeEvent(tx, workflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit activity event: %w", err)
	}
	return nil
}

// CommitMessageSendEvent records a broadcast message send.
func (d *KVDatabase) CommitMessageSendEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, tags map[string]string, name string) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		ev := d.newEvent(loc, version, history.KindMessageSend)
		ev.MessageSend = &history.MessageSendEvent{Name: name, Tags: tags}
		return writeEvent(tx, workflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit message send event: %w", err)
	}
	return nil
}

// PublishMessage stores the broadcast's tail. The bus publish itself stays
// with the caller; only the replayable tail lives here.
func (d *KVDatabase) PublishMessage(ctx context.Context, name string, tags map[string]string, body json.RawMessage, tailTTL time.Duration) error {
	now := d.now()
	rec, err := json.Marshal(MessageTail{
		Name:     name,
		Tags:     tags,
		Body:     body,
		CreateTS: now,
		ExpireTS: now + tailTTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("wfdb: encode message tail: %w", err)
	}
	err = kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(messageTailKey(name), rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("wfdb: publish message %s: %w", name, err)
	}
	return nil
}

// GetMessageTail returns the last broadcast under name within its TTL.
func (d *KVDatabase) GetMessageTail(ctx context.Context, name string) (*MessageTail, error) {
	tail, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (*MessageTail, error) {
		buf, ok, err := getOpt(ctx, tx, messageTailKey(name), kv.Snapshot)
		if err != nil || !ok {
			return nil, err
		}
		var t MessageTail
		if err := json.Unmarshal(buf, &t); err != nil {
			return nil, fmt.Errorf("decode message tail: %w", err)
		}
		return &t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wfdb: get message tail %s: %w", name, err)
	}
	if tail == nil || tail.ExpireTS <= d.now() {
		return nil, nil
	}
	return tail, nil
}

// CommitSleepEvent records the start of a sleep.
func (d *KVDatabase) CommitSleepEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, deadlineTS int64) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		ev := d.newEvent(loc, version, history.KindSleep)
		ev.Sleep = &history.SleepEvent{DeadlineTS: deadlineTS, State: history.SleepPending}
		return writeEvent(tx, workflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit sleep event: %w", err)
	}
	return nil
}

// UpdateSleepEventState transitions a recorded sleep's state.
func (d *KVDatabase) UpdateSleepEventState(ctx context.Context, workflowID id.Id, loc history.Location, state history.SleepState) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		ev, err := readEvent(ctx, tx, workflowID, loc)
		if err != nil {
			return err
		}
		if ev == nil || ev.Sleep == nil {
			return fmt.Errorf("no sleep event at %s", loc)
		}
		ev.Sleep.State = state
		return writeEvent(tx, workflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: update sleep event: %w", err)
	}
	return nil
}

// CommitBranchEvent records the spawn of a branch context.
func (d *KVDatabase) CommitBranchEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		return writeEvent(tx, workflowID, loc, d.newEvent(loc, version, history.KindBranch))
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit branch event: %w", err)
	}
	return nil
}

// CommitRemovedEvent records a tombstone for a dropped step.
func (d *KVDatabase) CommitRemovedEvent(ctx context.Context, workflowID id.Id, loc history.Location, kind history.EventKind, eventName string) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		ev := d.newEvent(loc, 1, history.KindRemoved)
		ev.Removed = &history.RemovedEvent{Kind: kind, Name: eventName}
		return writeEvent(tx, workflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit removed event: %w", err)
	}
	return nil
}

// CommitVersionCheckEvent records a version gate.
func (d *KVDatabase) CommitVersionCheckEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		return writeEvent(tx, workflowID, loc, d.newEvent(loc, version, history.KindVersionCheck))
	})
	if err != nil {
		return fmt.Errorf("wfdb: commit version check event: %w", err)
	}
	return nil
}

// UpsertLoopEvent writes the loop event and moves the previous iterations'
// events under its branch to forgotten history, trimming iterations older
// than the retention window.
func (d *KVDatabase) UpsertLoopEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, iteration uint64, state, output json.RawMessage) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		ev, err := readEvent(ctx, tx, workflowID, loc)
		if err != nil {
			return err
		}
		if ev == nil || ev.Loop == nil {
			ev = d.newEvent(loc, version, history.KindLoop)
			ev.Loop = &history.LoopEvent{}
		}
		ev.Loop.Iteration = iteration
		ev.Loop.State = state
		if output != nil {
			ev.Loop.Output = output
		}
		if err := writeEvent(tx, workflowID, loc, ev); err != nil {
			return err
		}

		if err := d.forgetPastIterations(ctx, tx, workflowID, loc, iteration); err != nil {
			return err
		}
		if iteration > d.cfg.ForgottenRetention {
			begin, end := forgottenIterRange(workflowID, loc, iteration-d.cfg.ForgottenRetention)
			tx.ClearRange(begin, end)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wfdb: upsert loop event: %w", err)
	}
	return nil
}

// forgetPastIterations moves events recorded under the loop's branch for
// iterations before current out of active history. Iteration i runs in the
// branch coordinate i+1, so the coordinate head identifies the iteration.
func (d *KVDatabase) forgetPastIterations(ctx context.Context, tx kv.Tx, workflowID id.Id, loopLoc history.Location, current uint64) error {
	loopKey := historyEventKey(workflowID, loopLoc)
	begin, end := historyLoopRange(workflowID, loopLoc)
	it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
	if err != nil {
		return err
	}
	rows, err := it.All()
	if err != nil {
		return err
	}

	for _, row := range rows {
		if string(row.Key) == string(loopKey) {
			continue
		}
		fullLoc, ok := unpackHistoryLocation(row.Key)
		if !ok || len(fullLoc) <= len(loopLoc) {
			continue
		}
		branchCoord := fullLoc[len(loopLoc)]
		if branchCoord.Head() == 0 || branchCoord.Head() > current {
			continue
		}
		iter := branchCoord.Head() - 1

		ev, err := decodeEvent(row.Value)
		if err != nil {
			return err
		}
		ev.Forgotten = true
		buf, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		tx.Clear(row.Key)
		tx.Set(forgottenEventKey(workflowID, loopLoc, iter, fullLoc), buf)
	}
	return nil
}

// GetWorkflowHistory returns the run's events in location order.
func (d *KVDatabase) GetWorkflowHistory(ctx context.Context, workflowID id.Id, includeForgotten bool) ([]HistoryEntry, error) {
	return kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) ([]HistoryEntry, error) {
		if _, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldName), kv.Snapshot); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}

		var entries []HistoryEntry
		begin, end := historyRange(workflowID)
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			loc, ok := unpackHistoryLocation(it.Key())
			if !ok {
				continue
			}
			ev, err := decodeEvent(it.Value())
			if err != nil {
				return nil, err
			}
			entries = append(entries, HistoryEntry{Location: loc, Event: ev})
		}
		if err := it.Err(); err != nil {
			return nil, err
		}

		if includeForgotten {
			begin, end = forgottenRange(workflowID)
			it, err = tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
			if err != nil {
				return nil, err
			}
			for it.Next() {
				t, err := root.Unpack(it.Key())
				if err != nil || len(t) != 7 {
					continue
				}
				locT, ok := t[6].(kv.Tuple)
				if !ok {
					continue
				}
				loc, ok := tupleLocation(locT)
				if !ok {
					continue
				}
				ev, err := decodeEvent(it.Value())
				if err != nil {
					return nil, err
				}
				entries = append(entries, HistoryEntry{Location: loc, Event: ev})
			}
			if err := it.Err(); err != nil {
				return nil, err
			}
			sortEntries(entries)
		}
		return entries, nil
	})
}

func sortEntries(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Location.Compare(entries[j].Location) < 0
	})
}
