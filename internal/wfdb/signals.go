package wfdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
)

// PublishSignal delivers a signal to a specific run.
func (d *KVDatabase) PublishSignal(ctx context.Context, rayID, toWorkflowID, signalID id.Id, name string, body json.RawMessage) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		return d.publishSignalInTx(ctx, tx, rayID, toWorkflowID, signalID, name, body)
	})
	if err != nil {
		return fmt.Errorf("wfdb: publish signal %s: %w", name, err)
	}
	d.WakeWorker(ctx)
	d.wakeForSignalDelivery(ctx, toWorkflowID)
	return nil
}

// publishSignalInTx parks the signal and converts an armed signal wake for
// its name into an immediate wake. The armed-wake read is serializable so a
// publish racing the target's suspending commit conflicts instead of
// stranding the run.
func (d *KVDatabase) publishSignalInTx(ctx context.Context, tx kv.Tx, rayID, toWorkflowID, signalID id.Id, name string, body json.RawMessage) error {
	if _, ok, err := getOpt(ctx, tx, workflowDataKey(toWorkflowID, fieldName), kv.Snapshot); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, toWorkflowID)
	}

	rec, err := json.Marshal(signalRecord{
		SignalID: signalID,
		Name:     name,
		RayID:    rayID,
		CreateTS: d.now(),
		Body:     body,
	})
	if err != nil {
		return err
	}
	tx.Set(pendingSignalKey(toWorkflowID, name, signalID), rec)

	if _, armed, err := getOpt(ctx, tx, wakeSignalKey(toWorkflowID, name), kv.Serializable); err != nil {
		return err
	} else if armed {
		d.wakeForSignal(tx, toWorkflowID, name)
	}
	return nil
}

// PublishTaggedSignal parks a signal for whichever matching run pulls it
// first.
func (d *KVDatabase) PublishTaggedSignal(ctx context.Context, rayID id.Id, tags map[string]string, signalID id.Id, name string, body json.RawMessage) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		return d.publishTaggedSignalInTx(ctx, tx, rayID, tags, signalID, name, body)
	})
	if err != nil {
		return fmt.Errorf("wfdb: publish tagged signal %s: %w", name, err)
	}
	d.WakeWorker(ctx)
	return nil
}

func (d *KVDatabase) publishTaggedSignalInTx(ctx context.Context, tx kv.Tx, rayID id.Id, tags map[string]string, signalID id.Id, name string, body json.RawMessage) error {
	rec, err := json.Marshal(signalRecord{
		SignalID: signalID,
		Name:     name,
		RayID:    rayID,
		CreateTS: d.now(),
		Tags:     tags,
		Body:     body,
	})
	if err != nil {
		return err
	}
	tx.Set(taggedSignalKey(name, signalID), rec)

	// Wake every armed run whose tags cover the signal's; delivery to
	// exactly one of them is decided at pull time by the ack key.
	begin, end := signalWakeIdxRange(name)
	it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Serializable)
	if err != nil {
		return err
	}
	rows, err := it.All()
	if err != nil {
		return err
	}
	for _, row := range rows {
		t, err := root.Unpack(row.Key)
		if err != nil || len(t) != 5 {
			continue
		}
		wfID, ok := t[4].(id.Id)
		if !ok {
			continue
		}
		wfTags, err := d.loadTags(ctx, tx, wfID, kv.Snapshot)
		if err != nil {
			return err
		}
		if tagsSuperset(wfTags, tags) {
			d.wakeForSignal(tx, wfID, name)
		}
	}
	return nil
}

func (d *KVDatabase) wakeForSignal(tx kv.Tx, workflowID id.Id, name string) {
	tx.Clear(wakeSignalKey(workflowID, name))
	tx.Clear(signalWakeIdxKey(name, workflowID))
	tx.Set(wakeImmediateKey(workflowID), nil)
	tx.Set(workflowDataKey(workflowID, fieldHasWake), flagSet)
}

// PublishSignalFromWorkflow is PublishSignal plus the sender's history
// event, committed atomically.
func (d *KVDatabase) PublishSignalFromWorkflow(ctx context.Context, fromWorkflowID id.Id, loc history.Location, version int, rayID, toWorkflowID, signalID id.Id, name string, body json.RawMessage) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		if err := d.publishSignalInTx(ctx, tx, rayID, toWorkflowID, signalID, name, body); err != nil {
			return err
		}
		ev := d.newEvent(loc, version, history.KindSignalSend)
		ev.SignalSend = &history.SignalSendEvent{SignalID: signalID, Name: name, WorkflowID: toWorkflowID}
		return writeEvent(tx, fromWorkflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: publish signal %s from workflow: %w", name, err)
	}
	d.WakeWorker(ctx)
	d.wakeForSignalDelivery(ctx, toWorkflowID)
	return nil
}

// PublishTaggedSignalFromWorkflow is PublishTaggedSignal plus the sender's
// history event, committed atomically.
func (d *KVDatabase) PublishTaggedSignalFromWorkflow(ctx context.Context, fromWorkflowID id.Id, loc history.Location, version int, rayID id.Id, tags map[string]string, signalID id.Id, name string, body json.RawMessage) error {
	err := kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		if err := d.publishTaggedSignalInTx(ctx, tx, rayID, tags, signalID, name, body); err != nil {
			return err
		}
		ev := d.newEvent(loc, version, history.KindSignalSend)
		ev.SignalSend = &history.SignalSendEvent{SignalID: signalID, Name: name, Tags: tags}
		return writeEvent(tx, fromWorkflowID, loc, ev)
	})
	if err != nil {
		return fmt.Errorf("wfdb: publish tagged signal %s from workflow: %w", name, err)
	}
	d.WakeWorker(ctx)
	return nil
}

// pendingCandidate is one deliverable signal found during a pull.
type pendingCandidate struct {
	rec    signalRecord
	key    []byte
	tagged bool
}

// PullNextSignal acknowledges and returns the oldest matching pending
// signal, recording the receive event at loc in the same transaction.
func (d *KVDatabase) PullNextSignal(ctx context.Context, workflowID id.Id, signalNames []string, loc history.Location, version int, lastTry bool) (*SignalData, error) {
	sig, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (*SignalData, error) {
		// A retried commit with unknown outcome may already have recorded
		// the receive.
		if kv.MaybeCommitted(ctx) {
			if ev, err := readEvent(ctx, tx, workflowID, loc); err != nil {
				return nil, err
			} else if ev != nil && ev.Signal != nil {
				return &SignalData{
					SignalID: ev.Signal.SignalID,
					Name:     ev.Signal.Name,
					CreateTS: ev.CreateTS,
					Body:     ev.Signal.Body,
				}, nil
			}
		}

		candidates, err := d.collectSignalCandidates(ctx, tx, workflowID, signalNames)
		if err != nil {
			return nil, err
		}

		for _, cand := range candidates {
			if cand.tagged {
				// The ack key arbitrates between runs pulling the same
				// tagged signal; the serializable read makes the losers
				// conflict and retry past it.
				if _, acked, err := getOpt(ctx, tx, signalAckKey(cand.rec.SignalID), kv.Serializable); err != nil {
					return nil, err
				} else if acked {
					continue
				}
				tx.Set(signalAckKey(cand.rec.SignalID), encInt64(d.now()))
				tx.Clear(cand.key)
			} else {
				if _, still, err := getOpt(ctx, tx, cand.key, kv.Serializable); err != nil {
					return nil, err
				} else if !still {
					continue
				}
				tx.Clear(cand.key)
			}

			ev := d.newEvent(loc, version, history.KindSignal)
			ev.Signal = &history.SignalEvent{SignalID: cand.rec.SignalID, Name: cand.rec.Name, Body: cand.rec.Body}
			if err := writeEvent(tx, workflowID, loc, ev); err != nil {
				return nil, err
			}
			return &SignalData{
				SignalID: cand.rec.SignalID,
				Name:     cand.rec.Name,
				CreateTS: cand.rec.CreateTS,
				Body:     cand.rec.Body,
			}, nil
		}

		if lastTry {
			// Arm the signal wakes inside the same transaction that
			// observed no pending match, so a concurrent publish either
			// sees the armed wake or conflicts with this commit.
			for _, name := range signalNames {
				tx.Set(wakeSignalKey(workflowID, name), nil)
				tx.Set(signalWakeIdxKey(name, workflowID), nil)
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wfdb: pull next signal: %w", err)
	}
	if sig == nil {
		return nil, ErrNoSignal
	}
	return sig, nil
}

// collectSignalCandidates gathers deliverable signals across the requested
// names, oldest first: targeted pending rows plus tagged rows whose tags
// the run's tags cover.
func (d *KVDatabase) collectSignalCandidates(ctx context.Context, tx kv.Tx, workflowID id.Id, signalNames []string) ([]pendingCandidate, error) {
	runTags, err := d.loadTags(ctx, tx, workflowID, kv.Snapshot)
	if err != nil {
		return nil, err
	}

	var candidates []pendingCandidate
	for _, name := range signalNames {
		begin, end := pendingSignalRange(workflowID, name)
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			var rec signalRecord
			if err := json.Unmarshal(it.Value(), &rec); err != nil {
				continue
			}
			candidates = append(candidates, pendingCandidate{rec: rec, key: append([]byte(nil), it.Key()...)})
		}
		if err := it.Err(); err != nil {
			return nil, err
		}

		begin, end = taggedSignalRange(name)
		it, err = tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			var rec signalRecord
			if err := json.Unmarshal(it.Value(), &rec); err != nil {
				continue
			}
			if len(rec.Tags) == 0 || !tagsSuperset(runTags, rec.Tags) {
				continue
			}
			candidates = append(candidates, pendingCandidate{rec: rec, key: append([]byte(nil), it.Key()...), tagged: true})
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rec.CreateTS != candidates[j].rec.CreateTS {
			return candidates[i].rec.CreateTS < candidates[j].rec.CreateTS
		}
		return bytes.Compare(candidates[i].rec.SignalID.Bytes(), candidates[j].rec.SignalID.Bytes()) < 0
	})
	return candidates, nil
}

// anySignalPending reports whether a deliverable signal already exists for
// one of the names, read serializably so the caller's commit conflicts
// with concurrent publishes.
func (d *KVDatabase) anySignalPending(ctx context.Context, tx kv.Tx, workflowID id.Id, signalNames []string) (bool, error) {
	runTags, err := d.loadTags(ctx, tx, workflowID, kv.Snapshot)
	if err != nil {
		return false, err
	}
	for _, name := range signalNames {
		begin, end := pendingSignalRange(workflowID, name)
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{Limit: 1}, kv.Serializable)
		if err != nil {
			return false, err
		}
		if it.Next() {
			return true, nil
		}
		if err := it.Err(); err != nil {
			return false, err
		}

		begin, end = taggedSignalRange(name)
		it, err = tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Serializable)
		if err != nil {
			return false, err
		}
		for it.Next() {
			var rec signalRecord
			if err := json.Unmarshal(it.Value(), &rec); err != nil {
				continue
			}
			if len(rec.Tags) == 0 || !tagsSuperset(runTags, rec.Tags) {
				continue
			}
			if _, acked, err := getOpt(ctx, tx, signalAckKey(rec.SignalID), kv.Snapshot); err != nil {
				return false, err
			} else if !acked {
				return true, nil
			}
		}
		if err := it.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}
