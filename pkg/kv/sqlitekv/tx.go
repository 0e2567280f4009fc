package sqlitekv

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/petrijr/chirp/pkg/kv"
)

type overlayEntry struct {
	value   []byte
	deleted bool
}

type opKind int

const (
	opSet opKind = iota
	opClear
	opClearRange
	opAtomic
)

type txOp struct {
	kind       opKind
	key, param []byte
	atomic     kv.AtomicOp
	begin, end []byte
}

type tx struct {
	store       *Store
	snap        *sql.Tx
	readVersion int64

	// Read-your-writes overlay plus the ordered op log replayed at commit.
	overlay     map[string]overlayEntry
	clearRanges []kv.Range
	ops         []txOp

	readRanges     []kv.Range
	explicitWrites []kv.Range

	closed bool
}

var _ kv.Tx = (*tx)(nil)

func (t *tx) Get(ctx context.Context, key []byte, iso kv.Isolation) ([]byte, error) {
	if t.closed {
		return nil, kv.ErrTxClosed
	}
	if iso == kv.Serializable {
		t.readRanges = append(t.readRanges, kv.Range{Begin: key, End: kv.SingleKeyRangeEnd(key)})
	}

	if e, ok := t.overlay[string(key)]; ok {
		if e.deleted {
			return nil, kv.ErrKeyNotFound
		}
		return append([]byte{}, e.value...), nil
	}
	if t.inClearRange(key) {
		return nil, kv.ErrKeyNotFound
	}

	var value []byte
	err := t.snap.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: get: %w", err)
	}
	return value, nil
}

func (t *tx) GetRange(ctx context.Context, begin, end []byte, opts kv.RangeOptions, iso kv.Isolation) (*kv.RangeIter, error) {
	if t.closed {
		return nil, kv.ErrTxClosed
	}
	if iso == kv.Serializable {
		t.readRanges = append(t.readRanges, kv.Range{Begin: begin, End: end})
	}

	kvs, err := t.merged(ctx, begin, end)
	if err != nil {
		return nil, err
	}
	if opts.Reverse {
		for i, j := 0, len(kvs)-1; i < j; i, j = i+1, j-1 {
			kvs[i], kvs[j] = kvs[j], kvs[i]
		}
	}
	if opts.Limit > 0 && len(kvs) > opts.Limit {
		kvs = kvs[:opts.Limit]
	}
	return kv.NewRangeIter(kvs), nil
}

func (t *tx) GetKey(ctx context.Context, sel kv.KeySelector, iso kv.Isolation) ([]byte, error) {
	if t.closed {
		return nil, kv.ErrTxClosed
	}

	var resolved []byte
	switch sel.Offset {
	case 1:
		begin := sel.Key
		if sel.OrEqual {
			begin = kv.SingleKeyRangeEnd(sel.Key)
		}
		kvs, err := t.merged(ctx, begin, nil)
		if err != nil {
			return nil, err
		}
		if len(kvs) == 0 {
			return nil, kv.ErrKeyNotFound
		}
		resolved = kvs[0].Key
	case 0:
		end := sel.Key
		if sel.OrEqual {
			end = kv.SingleKeyRangeEnd(sel.Key)
		}
		kvs, err := t.merged(ctx, nil, end)
		if err != nil {
			return nil, err
		}
		if len(kvs) == 0 {
			return nil, kv.ErrKeyNotFound
		}
		resolved = kvs[len(kvs)-1].Key
	default:
		return nil, fmt.Errorf("sqlitekv: unsupported key selector offset %d", sel.Offset)
	}

	if iso == kv.Serializable {
		lo, hi := resolved, sel.Key
		if bytes.Compare(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		t.readRanges = append(t.readRanges, kv.Range{Begin: lo, End: kv.SingleKeyRangeEnd(hi)})
	}
	return resolved, nil
}

func (t *tx) Set(key, value []byte) {
	if t.closed {
		return
	}
	k := append([]byte{}, key...)
	v := append([]byte{}, value...)
	t.overlay[string(k)] = overlayEntry{value: v}
	t.ops = append(t.ops, txOp{kind: opSet, key: k, param: v})
}

func (t *tx) Clear(key []byte) {
	if t.closed {
		return
	}
	k := append([]byte{}, key...)
	t.overlay[string(k)] = overlayEntry{deleted: true}
	t.ops = append(t.ops, txOp{kind: opClear, key: k})
}

func (t *tx) ClearRange(begin, end []byte) {
	if t.closed {
		return
	}
	b := append([]byte{}, begin...)
	e := append([]byte{}, end...)
	for k := range t.overlay {
		if inRange([]byte(k), b, e) {
			delete(t.overlay, k)
		}
	}
	t.clearRanges = append(t.clearRanges, kv.Range{Begin: b, End: e})
	t.ops = append(t.ops, txOp{kind: opClearRange, begin: b, end: e})
}

func (t *tx) Atomic(key, param []byte, op kv.AtomicOp) {
	if t.closed {
		return
	}
	k := append([]byte{}, key...)
	p := append([]byte{}, param...)
	t.ops = append(t.ops, txOp{kind: opAtomic, key: k, param: p, atomic: op})

	// Best-effort read-your-writes for deterministic ops; versionstamped
	// results only exist after commit.
	if op != kv.OpSetVersionstampedKey && op != kv.OpSetVersionstampedValue {
		existing, err := t.Get(context.Background(), k, kv.Snapshot)
		if err != nil {
			existing = nil
		}
		t.overlay[string(k)] = overlayEntry{value: kv.ApplyAtomic(op, existing, p)}
	}
}

func (t *tx) AddConflictRange(begin, end []byte, kind kv.ConflictRangeKind) error {
	if t.closed {
		return kv.ErrTxClosed
	}
	r := kv.Range{Begin: append([]byte{}, begin...), End: append([]byte{}, end...)}
	if kind == kv.ConflictRangeRead {
		t.readRanges = append(t.readRanges, r)
	} else {
		t.explicitWrites = append(t.explicitWrites, r)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) (int64, error) {
	if t.closed {
		return 0, kv.ErrTxClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.closed = true
	t.snap.Rollback()
	return t.store.commit(ctx, t)
}

func (t *tx) Cancel() {
	if t.closed {
		return
	}
	t.closed = true
	t.snap.Rollback()
}

func (t *tx) inClearRange(key []byte) bool {
	for _, r := range t.clearRanges {
		if inRange(key, r.Begin, r.End) {
			return true
		}
	}
	return false
}

// merged returns the transaction's view of [begin, end) in ascending key
// order: the snapshot contents minus cleared ranges, patched by the
// overlay. A nil end means unbounded.
func (t *tx) merged(ctx context.Context, begin, end []byte) ([]kv.KeyValue, error) {
	query := "SELECT k, v FROM kv"
	var args []any
	switch {
	case begin != nil && end != nil:
		query += " WHERE k >= ? AND k < ?"
		args = append(args, begin, end)
	case begin != nil:
		query += " WHERE k >= ?"
		args = append(args, begin)
	case end != nil:
		query += " WHERE k < ?"
		args = append(args, end)
	}
	query += " ORDER BY k"

	rows, err := t.snap.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: range query: %w", err)
	}
	defer rows.Close()

	seen := map[string][]byte{}
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlitekv: range scan: %w", err)
		}
		if t.inClearRange(k) {
			continue
		}
		seen[string(k)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitekv: range rows: %w", err)
	}

	for k, e := range t.overlay {
		kb := []byte(k)
		if !inRange(kb, begin, end) {
			continue
		}
		if e.deleted {
			delete(seen, k)
		} else {
			seen[k] = e.value
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kv.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv.KeyValue{
			Key:   []byte(k),
			Value: append([]byte{}, seen[k]...),
		})
	}
	return out, nil
}

func inRange(key, begin, end []byte) bool {
	if begin != nil && bytes.Compare(key, begin) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

// applyOps replays the op log against the current committed state inside a
// SQL write transaction, returning the write ranges for the commit log.
func (t *tx) applyOps(ctx context.Context, wtx *sql.Tx, commitVersion int64) ([]kv.Range, error) {
	writes := append([]kv.Range{}, t.explicitWrites...)

	current := func(key []byte) ([]byte, error) {
		var v []byte
		err := wtx.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return v, err
	}
	put := func(key, value []byte) error {
		writes = append(writes, kv.Range{Begin: key, End: kv.SingleKeyRangeEnd(key)})
		_, err := wtx.ExecContext(ctx,
			"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
			key, value)
		return err
	}

	for _, op := range t.ops {
		switch op.kind {
		case opSet:
			if err := put(op.key, op.param); err != nil {
				return nil, err
			}
		case opClear:
			writes = append(writes, kv.Range{Begin: op.key, End: kv.SingleKeyRangeEnd(op.key)})
			if _, err := wtx.ExecContext(ctx, "DELETE FROM kv WHERE k = ?", op.key); err != nil {
				return nil, err
			}
		case opClearRange:
			writes = append(writes, kv.Range{Begin: op.begin, End: op.end})
			if _, err := wtx.ExecContext(ctx, "DELETE FROM kv WHERE k >= ? AND k < ?", op.begin, op.end); err != nil {
				return nil, err
			}
		case opAtomic:
			switch op.atomic {
			case kv.OpSetVersionstampedKey:
				data, offset, ok := kv.SplitVersionstampOperand(op.key)
				if !ok {
					return nil, fmt.Errorf("sqlitekv: malformed versionstamped key operand")
				}
				finalKey := append([]byte{}, data...)
				kv.FillVersionstamp(finalKey, offset, commitVersion)
				if err := put(finalKey, op.param); err != nil {
					return nil, err
				}
			case kv.OpSetVersionstampedValue:
				data, offset, ok := kv.SplitVersionstampOperand(op.param)
				if !ok {
					return nil, fmt.Errorf("sqlitekv: malformed versionstamped value operand")
				}
				finalValue := append([]byte{}, data...)
				kv.FillVersionstamp(finalValue, offset, commitVersion)
				if err := put(op.key, finalValue); err != nil {
					return nil, err
				}
			default:
				existing, err := current(op.key)
				if err != nil {
					return nil, err
				}
				if err := put(op.key, kv.ApplyAtomic(op.atomic, existing, op.param)); err != nil {
					return nil, err
				}
			}
		}
	}
	return writes, nil
}
