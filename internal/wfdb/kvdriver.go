package wfdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
	"github.com/petrijr/chirp/pkg/ups"
)

// Config tunes the KV-backed driver.
type Config struct {
	// PullBatch bounds the runs leased per PullWorkflows call.
	PullBatch int
	// LeaseTTL is how long a lease stays fresh without a worker ping.
	LeaseTTL time.Duration
	// MetricsLockTTL is how long one worker holds the metrics lock.
	MetricsLockTTL time.Duration
	// ForgottenRetention is how many past loop iterations keep their
	// forgotten history.
	ForgottenRetention uint64

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PullBatch <= 0 {
		c.PullBatch = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.MetricsLockTTL <= 0 {
		c.MetricsLockTTL = 30 * time.Second
	}
	if c.ForgottenRetention == 0 {
		c.ForgottenRetention = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// KVDatabase implements Database on the transactional KV adapter.
type KVDatabase struct {
	db  kv.Driver
	bus ups.PubSub
	cfg Config
	log *slog.Logger

	// now is replaced in tests to control lease and sleep timing.
	now func() int64
}

var _ Database = (*KVDatabase)(nil)

// NewKV builds a Database over the given KV driver and bus.
func NewKV(db kv.Driver, bus ups.PubSub, cfg Config) *KVDatabase {
	cfg = cfg.withDefaults()
	return &KVDatabase{
		db:  db,
		bus: bus,
		cfg: cfg,
		log: cfg.Logger.With("component", "wfdb"),
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Close releases the KV driver. The bus is owned by the caller.
func (d *KVDatabase) Close() error {
	return d.db.Close()
}

// WakeSub subscribes to the worker wake channel.
func (d *KVDatabase) WakeSub(ctx context.Context) (*ups.Subscriber, error) {
	return d.bus.Subscribe(ctx, ups.SubjectWorkerWake)
}

// WakeWorker nudges all workers to pull immediately. Failures are logged,
// not surfaced: the tick loop re-pulls shortly anyway.
func (d *KVDatabase) WakeWorker(ctx context.Context) error {
	if err := d.bus.Publish(ctx, ups.SubjectWorkerWake, nil); err != nil {
		d.log.Warn("worker wake publish failed", "error", err)
	}
	return nil
}

// wakeForSignalDelivery publishes the per-workflow signal subject. Pure
// hint for external listeners; pull correctness comes from the wake
// indexes.
func (d *KVDatabase) wakeForSignalDelivery(ctx context.Context, workflowID id.Id) {
	if err := d.bus.Publish(ctx, ups.SignalSubject(workflowID.String()), nil); err != nil {
		d.log.Warn("signal wake publish failed", "workflow_id", workflowID, "error", err)
	}
}

// Value encodings. Timestamps and counters are fixed 8-byte big endian;
// gauge operands for atomic adds are little endian per the KV contract.
func encInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encGaugeDelta(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func decGauge(b []byte) int64 {
	padded := make([]byte, 8)
	copy(padded, b)
	return int64(binary.LittleEndian.Uint64(padded))
}

var flagSet = []byte{1}

// getOpt reads a key, mapping ErrKeyNotFound to absence.
func getOpt(ctx context.Context, tx kv.Tx, key []byte, iso kv.Isolation) ([]byte, bool, error) {
	v, err := tx.Get(ctx, key, iso)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func tagsSuperset(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// firstTag returns the lexicographically first tag pair, the most selective
// deterministic choice for index scans.
func firstTag(tags map[string]string) (k, v string, ok bool) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", "", false
	}
	sort.Strings(keys)
	return keys[0], tags[keys[0]], true
}

func (d *KVDatabase) addGauge(tx kv.Tx, gauge, workflowName string, delta int64) {
	tx.Atomic(metricKey(gauge, workflowName), encGaugeDelta(delta), kv.OpAdd)
}

// Engine gauge names.
const (
	gaugeTotal    = "workflow_total"
	gaugeComplete = "workflow_complete"
	gaugeDead     = "workflow_dead"
)

// DispatchWorkflow records a new run and arms its immediate wake.
func (d *KVDatabase) DispatchWorkflow(ctx context.Context, opts DispatchOptions) (id.Id, error) {
	if opts.Name == "" {
		return id.Nil, errors.New("wfdb: dispatch with empty workflow name")
	}
	if opts.WorkflowID.IsNil() {
		return id.Nil, errors.New("wfdb: dispatch with nil workflow id")
	}

	wfID, err := kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (id.Id, error) {
		return d.dispatchInTx(ctx, tx, opts)
	})
	if err != nil {
		return id.Nil, fmt.Errorf("wfdb: dispatch %s: %w", opts.Name, err)
	}

	d.WakeWorker(ctx)
	return wfID, nil
}

// dispatchInTx writes the run record, its indexes and its immediate wake.
// Shared with DispatchSubWorkflow.
func (d *KVDatabase) dispatchInTx(ctx context.Context, tx kv.Tx, opts DispatchOptions) (id.Id, error) {
	if opts.Unique {
		existing, err := d.findWorkflowInTx(ctx, tx, opts.Name, opts.Tags)
		if err != nil {
			return id.Nil, err
		}
		if !existing.IsNil() {
			return existing, nil
		}
	}
	if kv.MaybeCommitted(ctx) {
		_, dispatched, err := getOpt(ctx, tx, workflowDataKey(opts.WorkflowID, fieldName), kv.Serializable)
		if err != nil {
			return id.Nil, err
		}
		if dispatched {
			return opts.WorkflowID, nil
		}
	}

	wfID := opts.WorkflowID
	tx.Set(workflowDataKey(wfID, fieldName), []byte(opts.Name))
	tx.Set(workflowDataKey(wfID, fieldCreateTS), encInt64(d.now()))
	tx.Set(workflowDataKey(wfID, fieldRayID), opts.RayID.Bytes())
	if opts.Input != nil {
		tx.Set(workflowDataKey(wfID, fieldInput), opts.Input)
	}
	for k, v := range opts.Tags {
		tx.Set(workflowTagKey(wfID, k, v), nil)
		tx.Set(byNameKey(opts.Name, k, v, wfID), nil)
	}
	tx.Set(byNameNullKey(opts.Name, wfID), nil)

	tx.Set(wakeImmediateKey(wfID), nil)
	tx.Set(workflowDataKey(wfID, fieldHasWake), flagSet)

	d.addGauge(tx, gaugeTotal, opts.Name, 1)
	return wfID, nil
}

// GetWorkflow loads a run record.
func (d *KVDatabase) GetWorkflow(ctx context.Context, workflowID id.Id) (*WorkflowData, error) {
	return kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (*WorkflowData, error) {
		return d.loadWorkflow(ctx, tx, workflowID, kv.Snapshot)
	})
}

// loadWorkflow reads a run record with the given isolation. Serializable
// loads make the caller's transaction conflict with concurrent completion.
func (d *KVDatabase) loadWorkflow(ctx context.Context, tx kv.Tx, workflowID id.Id, iso kv.Isolation) (*WorkflowData, error) {
	name, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldName), iso)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	w := &WorkflowData{WorkflowID: workflowID, Name: string(name)}

	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldCreateTS), iso); err != nil {
		return nil, err
	} else if ok {
		w.CreateTS = decInt64(v)
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldRayID), iso); err != nil {
		return nil, err
	} else if ok {
		if rayID, err := id.FromBytes(v); err == nil {
			w.RayID = rayID
		}
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldInput), iso); err != nil {
		return nil, err
	} else if ok {
		w.Input = json.RawMessage(v)
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldState), iso); err != nil {
		return nil, err
	} else if ok {
		w.State = json.RawMessage(v)
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldOutput), iso); err != nil {
		return nil, err
	} else if ok {
		w.Output = json.RawMessage(v)
	}
	if v, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldError), iso); err != nil {
		return nil, err
	} else if ok {
		w.Error = string(v)
	}
	if _, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldHasWake), iso); err != nil {
		return nil, err
	} else {
		w.HasWakeCondition = ok
	}
	if _, ok, err := getOpt(ctx, tx, workflowDataKey(workflowID, fieldSilenceTS), iso); err != nil {
		return nil, err
	} else {
		w.Silenced = ok
	}

	leased, err := d.leaseFresh(ctx, tx, workflowID, iso)
	if err != nil {
		return nil, err
	}
	w.Leased = leased

	w.Tags, err = d.loadTags(ctx, tx, workflowID, iso)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// leaseFresh reports whether the run is leased by a still-pinging worker.
func (d *KVDatabase) leaseFresh(ctx context.Context, tx kv.Tx, workflowID id.Id, iso kv.Isolation) (bool, error) {
	lease, ok, err := getOpt(ctx, tx, leaseKey(workflowID), iso)
	if err != nil || !ok {
		return false, err
	}
	worker, err := id.FromBytes(lease)
	if err != nil {
		return false, nil
	}
	ping, ok, err := getOpt(ctx, tx, workerLastPingKey(worker), iso)
	if err != nil {
		return false, err
	}
	return ok && d.now()-decInt64(ping) <= d.cfg.LeaseTTL.Milliseconds(), nil
}

func (d *KVDatabase) loadTags(ctx context.Context, tx kv.Tx, workflowID id.Id, iso kv.Isolation) (map[string]string, error) {
	begin, end := workflowTagRange(workflowID)
	it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, iso)
	if err != nil {
		return nil, err
	}
	var tags map[string]string
	for it.Next() {
		t, err := root.Unpack(it.Key())
		if err != nil || len(t) != 6 {
			continue
		}
		k, _ := t[4].(string)
		v, _ := t[5].(string)
		if tags == nil {
			tags = map[string]string{}
		}
		tags[k] = v
	}
	return tags, it.Err()
}

// FindWorkflow returns the newest incomplete run matching name and tags.
func (d *KVDatabase) FindWorkflow(ctx context.Context, name string, tags map[string]string) (id.Id, error) {
	return kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) (id.Id, error) {
		return d.findWorkflowInTx(ctx, tx, name, tags)
	})
}

// findWorkflowInTx scans the lookup index for the first tag pair (or the
// sentinel row for tag-less lookups), then confirms the full tag set and
// that the run has not completed. The winning row is read serializably so
// unique dispatches racing each other conflict instead of double-creating.
func (d *KVDatabase) findWorkflowInTx(ctx context.Context, tx kv.Tx, name string, tags map[string]string) (id.Id, error) {
	var begin, end []byte
	if k, v, ok := firstTag(tags); ok {
		begin, end = byNameTagRange(name, k, v)
	} else {
		begin, end = byNameNullRange(name)
	}

	it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
	if err != nil {
		return id.Nil, err
	}
	rows, err := it.All()
	if err != nil {
		return id.Nil, err
	}

	best := id.Nil
	var bestTS int64 = -1
	for _, row := range rows {
		wfID, ok := unpackByNameKey(row.Key)
		if !ok {
			continue
		}
		if _, complete, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldOutput), kv.Snapshot); err != nil {
			return id.Nil, err
		} else if complete {
			continue
		}
		wfTags, err := d.loadTags(ctx, tx, wfID, kv.Snapshot)
		if err != nil {
			return id.Nil, err
		}
		if !tagsSuperset(wfTags, tags) {
			continue
		}
		v, _, err := getOpt(ctx, tx, workflowDataKey(wfID, fieldCreateTS), kv.Snapshot)
		if err != nil {
			return id.Nil, err
		}
		if ts := decInt64(v); ts > bestTS {
			best, bestTS = wfID, ts
		}
	}
	if !best.IsNil() {
		if _, _, err := getOpt(ctx, tx, workflowDataKey(best, fieldOutput), kv.Serializable); err != nil {
			return id.Nil, err
		}
	}
	return best, nil
}

// FindWorkflows lists runs for operator tooling.
func (d *KVDatabase) FindWorkflows(ctx context.Context, name string, tags map[string]string, state State, limit int) ([]*WorkflowData, error) {
	if limit <= 0 {
		limit = 100
	}
	return kv.RunResult(ctx, d.db, func(ctx context.Context, tx kv.Tx) ([]*WorkflowData, error) {
		var begin, end []byte
		if name != "" {
			begin, end = byNameNullRange(name)
		} else {
			begin, end = root.Sub("workflow", "by_name").Range()
		}
		it, err := tx.GetRange(ctx, begin, end, kv.RangeOptions{}, kv.Snapshot)
		if err != nil {
			return nil, err
		}
		rows, err := it.All()
		if err != nil {
			return nil, err
		}

		seen := map[id.Id]struct{}{}
		var out []*WorkflowData
		for _, row := range rows {
			t, err := root.Unpack(row.Key)
			if err != nil || len(t) != 6 {
				continue
			}
			// Each run has exactly one sentinel row; skip per-tag rows so
			// the full-index scan does not repeat runs.
			if k, _ := t[3].(string); k != "" {
				continue
			}
			wfID, ok := t[5].(id.Id)
			if !ok {
				continue
			}
			if _, dup := seen[wfID]; dup {
				continue
			}
			seen[wfID] = struct{}{}

			w, err := d.loadWorkflow(ctx, tx, wfID, kv.Snapshot)
			if err != nil {
				if errors.Is(err, ErrWorkflowNotFound) {
					continue
				}
				return nil, err
			}
			if !tagsSuperset(w.Tags, tags) {
				continue
			}
			if state != StateAny && w.DerivedState() != state {
				continue
			}
			out = append(out, w)
			if len(out) >= limit {
				break
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreateTS > out[j].CreateTS })
		return out, nil
	})
}

// UpdateWorkflowTags replaces the run's tags and its lookup index rows.
func (d *KVDatabase) UpdateWorkflowTags(ctx context.Context, workflowID id.Id, name string, tags map[string]string) error {
	return kv.Run(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		old, err := d.loadTags(ctx, tx, workflowID, kv.Serializable)
		if err != nil {
			return err
		}
		for k, v := range old {
			tx.Clear(workflowTagKey(workflowID, k, v))
			tx.Clear(byNameKey(name, k, v, workflowID))
		}
		for k, v := range tags {
			tx.Set(workflowTagKey(workflowID, k, v), nil)
			tx.Set(byNameKey(name, k, v, workflowID), nil)
		}
		return nil
	})
}
