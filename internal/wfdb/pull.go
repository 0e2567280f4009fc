package wfdb

import (
	"context"
	"fmt"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
)

// wakeCandidate is one run found in the wake queues during a pull scan.
type wakeCandidate struct {
	workflowID id.Id
	wakeKey    []byte
	deadlineTS int64
}

// PullWorkflows leases up to the batch limit of ready runs.
//
// The lease transaction reads the wake queues with snapshot isolation and
// claims each run with serializable reads of its lease and wake keys, so
// two workers pulling concurrently conflict only on the runs they both
// claimed. History is loaded afterwards per run with snapshot reads, which
// keeps the lease transaction small.
func (d *KVDatabase) PullWorkflows(ctx context.Context, workerInstanceID id.Id, registeredNames []string) ([]*PulledWorkflow, error) {
	registered := make(map[string]struct{}, len(registeredNames))
	for _, n := range registeredNames {
		registered[n] = struct{}{}
	}

	leased, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) ([]*PulledWorkflow, error) {
		now := d.now()
		tx.Set(workerLastPingKey(workerInstanceID), encInt64(now))

		candidates, err := d.scanWakeQueues(ctx, tx, now)
		if err != nil {
			return nil, err
		}

		var out []*PulledWorkflow
		for _, cand := range candidates {
			if len(out) >= d.cfg.PullBatch {
				break
			}
			p, err := d.claimRun(ctx, tx, cand, workerInstanceID, registered, now)
			if err != nil {
				return nil, err
			}
			if p != nil {
				out = append(out, p)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wfdb: pull workflows: %w", err)
	}

	for _, p := range leased {
		p.History, err = d.loadHistory(ctx, p.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("wfdb: load history for %s: %w", p.WorkflowID, err)
		}
	}
	return leased, nil
}

// scanWakeQueues collects runs from the immediate queue and the elapsed
// part of the deadline queue, deduplicating on workflow id with the lowest
// deadline winning.
func (d *KVDatabase) scanWakeQueues(ctx context.Context, tx kv.Tx, now int64) ([]wakeCandidate, error) {
	var candidates []wakeCandidate
	seen := map[id.Id]int{}

	add := func(wfID id.Id, key []byte, deadlineTS int64) {
		if i, dup := seen[wfID]; dup {
			if deadlineTS < candidates[i].deadlineTS {
				candidates[i].deadlineTS = deadlineTS
			}
			return
		}
		seen[wfID] = len(candidates)
		candidates = append(candidates, wakeCandidate{workflowID: wfID, wakeKey: key, deadlineTS: deadlineTS})
	}

	begin, end := wakeImmediateRange()
	it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		if wfID, ok := unpackWakeKey(it.Key()); ok {
			add(wfID, append([]byte(nil), it.Key()...), 0)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	begin, end = wakeDeadlineRangeBefore(now + 1)
	it, err = tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		t, err := root.Unpack(it.Key())
		if err != nil || len(t) != 5 {
			continue
		}
		ts, _ := t[3].(int64)
		if wfID, ok := t[4].(id.Id); ok {
			add(wfID, append([]byte(nil), it.Key()...), ts)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// claimRun verifies one candidate is still pullable and writes its lease.
// Returns nil when the run is skipped (unregistered name, silenced,
// complete, or freshly leased elsewhere).
func (d *KVDatabase) claimRun(ctx context.Context, tx kv.Tx, cand wakeCandidate, workerInstanceID id.Id, registered map[string]struct{}, now int64) (*PulledWorkflow, error) {
	wfID := cand.workflowID

	name, ok, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldName), kv.Snapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Dangling wake entry for a purged run.
		tx.Clear(cand.wakeKey)
		return nil, nil
	}
	if _, found := registered[string(name)]; !found {
		return nil, nil
	}
	if _, silenced, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldSilenceTS), kv.Snapshot); err != nil {
		return nil, err
	} else if silenced {
		return nil, nil
	}
	if _, complete, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldOutput), kv.Snapshot); err != nil {
		return nil, err
	} else if complete {
		tx.Clear(cand.wakeKey)
		return nil, nil
	}

	// The lease read is serializable: two workers claiming the same run
	// conflict here, and exactly one commit wins.
	leaseVal, leasedNow, err := getOpt(ctx, tx, leaseKey(wfID), kv.Serializable)
	if err != nil {
		return nil, err
	}
	if leasedNow {
		holder, err := id.FromBytes(leaseVal)
		if err == nil {
			ping, ok, err := getOpt(ctx, tx, workerLastPingKey(holder), kv.Snapshot)
			if err != nil {
				return nil, err
			}
			if ok && now-decInt64(ping) <= d.cfg.LeaseTTL.Milliseconds() {
				return nil, nil
			}
		}
		// Stale lease, reclaim.
	}
	if err := tx.AddConflictRange(cand.wakeKey, kv.SingleKeyRangeEnd(cand.wakeKey), kv.ConflictRangeRead); err != nil {
		return nil, err
	}

	tx.Set(leaseKey(wfID), workerInstanceID.Bytes())
	tx.Clear(cand.wakeKey)
	tx.Clear(workflowDataKey(wfID, fieldHasWake))
	// The run may sit in both queues; drop the deadline entry too.
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldWakeDeadline), kv.Snapshot); err != nil {
		return nil, err
	} else if ok {
		tx.Clear(wakeDeadlineKey(decInt64(v), wfID))
	}
	tx.Clear(workflowDataKey(wfID, fieldWakeDeadline))

	p := &PulledWorkflow{
		WorkflowID:     wfID,
		Name:           string(name),
		WakeDeadlineTS: cand.deadlineTS,
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldCreateTS), kv.Snapshot); err != nil {
		return nil, err
	} else if ok {
		p.CreateTS = decInt64(v)
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldRayID), kv.Snapshot); err != nil {
		return nil, err
	} else if ok {
		if rayID, err := id.FromBytes(v); err == nil {
			p.RayID = rayID
		}
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldInput), kv.Snapshot); err != nil {
		return nil, err
	} else if ok {
		p.Input = append([]byte(nil), v...)
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldState), kv.Snapshot); err != nil {
		return nil, err
	} else if ok {
		p.State = append([]byte(nil), v...)
	}
	return p, nil
}

// loadHistory reads a run's active events into a replayable history.
func (d *KVDatabase) loadHistory(ctx context.Context, workflowID id.Id) (*history.History, error) {
	return kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (*history.History, error) {
		begin, end := historyRange(workflowID)
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return nil, err
		}
		hist := history.NewHistory()
		for it.Next() {
			loc, ok := unpackHistoryLocation(it.Key())
			if !ok || len(loc) == 0 {
				return nil, fmt.Errorf("malformed history key for %s", workflowID)
			}
			ev, err := decodeEvent(it.Value())
			if err != nil {
				return nil, err
			}
			hist.Insert(loc.Parent(), ev)
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		return hist, nil
	})
}

// UpdateWorkerPing refreshes the worker instance heartbeat.
func (d *KVDatabase) UpdateWorkerPing(ctx context.Context, workerInstanceID id.Id) error {
	return kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(workerLastPingKey(workerInstanceID), encInt64(d.now()))
		return nil
	})
}

// ClearExpiredLeases re-arms immediate wakes for runs whose leasing worker
// stopped pinging.
func (d *KVDatabase) ClearExpiredLeases(ctx context.Context) (int, error) {
	reclaimed, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (int, error) {
		now := d.now()
		begin, end := leaseRange()
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return 0, err
		}
		rows, err := it.All()
		if err != nil {
			return 0, err
		}

		n := 0
		for _, row := range rows {
			t, err := root.Unpack(row.Key)
			if err != nil || len(t) != 3 {
				continue
			}
			wfID, ok := t[2].(id.Id)
			if !ok {
				continue
			}
			holder, err := id.FromBytes(row.Value)
			if err == nil {
				ping, ok, err := getOpt(ctx, tx, workerLastPingKey(holder), kv.Snapshot)
				if err != nil {
					return 0, err
				}
				if ok && now-decInt64(ping) <= d.cfg.LeaseTTL.Milliseconds() {
					continue
				}
			}
			if _, silenced, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldSilenceTS), kv.Snapshot); err != nil {
				return 0, err
			} else if silenced {
				continue
			}

			// Conflict with the holder committing a release concurrently.
			if _, _, err := getOpt(ctx, tx, leaseKey(wfID), kv.Serializable); err != nil {
				return 0, err
			}
			tx.Clear(leaseKey(wfID))
			tx.Set(wakeImmediateKey(wfID), nil)
			tx.Set(workflowDataKey(wfID, fieldHasWake), flagSet)
			n++
		}
		return n, nil
	})
	if err != nil {
		return 0, fmt.Errorf("wfdb: clear expired leases: %w", err)
	}
	if reclaimed > 0 {
		d.log.Info("reclaimed expired leases", "count", reclaimed)
		d.WakeWorker(ctx)
	}
	return reclaimed, nil
}

// PublishMetrics captures the engine gauges under the metrics lock. The
// lock is a timestamped key; holding it means publishing until it expires.
func (d *KVDatabase) PublishMetrics(ctx context.Context, workerInstanceID id.Id) (*MetricsSnapshot, error) {
	acquired, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (bool, error) {
		now := d.now()
		v, held, err := getOpt(ctx, tx, metricsLockKey(), kv.Serializable)
		if err != nil {
			return false, err
		}
		if held && len(v) == 26 {
			holder, err := id.FromBytes(v[:18])
			expires := decInt64(v[18:])
			if err == nil && holder != workerInstanceID && now < expires {
				return false, nil
			}
		}
		lock := append(workerInstanceID.Bytes(), encInt64(now+d.cfg.MetricsLockTTL.Milliseconds())...)
		tx.Set(metricsLockKey(), lock)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wfdb: metrics lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	snap := &MetricsSnapshot{CapturedAtTS: d.now(), Gauges: map[string]map[string]int64{}}
	err = kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		begin, end := metricRange()
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return err
		}
		for it.Next() {
			gauge, name, ok := unpackMetricKey(it.Key())
			if !ok {
				continue
			}
			byName := snap.Gauges[gauge]
			if byName == nil {
				byName = map[string]int64{}
				snap.Gauges[gauge] = byName
			}
			byName[name] = decGauge(it.Value())
		}
		return it.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("wfdb: read metrics: %w", err)
	}
	return snap, nil
}
