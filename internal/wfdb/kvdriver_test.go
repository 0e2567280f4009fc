package wfdb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
	"github.com/petrijr/chirp/pkg/kv/memkv"
	"github.com/petrijr/chirp/pkg/kv/sqlitekv"
	"github.com/petrijr/chirp/pkg/ups"
)

// testDB wraps a driver with a controllable clock.
type testDB struct {
	*KVDatabase
	clock int64
}

func (db *testDB) advance(d time.Duration) {
	db.clock += d.Milliseconds()
}

func newTestDB(t *testing.T, factory func(t *testing.T) kv.Driver) *testDB {
	t.Helper()
	d := NewKV(factory(t), ups.NewMemory(), Config{
		PullBatch: 50,
		LeaseTTL:  30 * time.Second,
	})
	db := &testDB{KVDatabase: d, clock: time.Now().UnixMilli()}
	d.now = func() int64 { return db.clock }
	t.Cleanup(func() { d.Close() })
	return db
}

func memFactory(t *testing.T) kv.Driver {
	return memkv.MustNew()
}

func sqliteFactory(t *testing.T) kv.Driver {
	db, err := sqlitekv.Open(context.Background(), filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	return db
}

func TestKVDatabaseMem(t *testing.T) {
	runDatabaseTests(t, memFactory)
}

func TestKVDatabaseSQLite(t *testing.T) {
	runDatabaseTests(t, sqliteFactory)
}

func runDatabaseTests(t *testing.T, factory func(t *testing.T) kv.Driver) {
	t.Run("DispatchAndGet", func(t *testing.T) { testDispatchAndGet(t, factory) })
	t.Run("UniqueDispatch", func(t *testing.T) { testUniqueDispatch(t, factory) })
	t.Run("PullLeasesOnce", func(t *testing.T) { testPullLeasesOnce(t, factory) })
	t.Run("PullFiltersNames", func(t *testing.T) { testPullFiltersNames(t, factory) })
	t.Run("CompleteWakesParent", func(t *testing.T) { testCompleteWakesParent(t, factory) })
	t.Run("CommitDead", func(t *testing.T) { testCommitDead(t, factory) })
	t.Run("SignalRoundTrip", func(t *testing.T) { testSignalRoundTrip(t, factory) })
	t.Run("SignalPublishBeforeCommit", func(t *testing.T) { testSignalPublishBeforeCommit(t, factory) })
	t.Run("TaggedSignalOnce", func(t *testing.T) { testTaggedSignalOnce(t, factory) })
	t.Run("SleepDeadline", func(t *testing.T) { testSleepDeadline(t, factory) })
	t.Run("ExpiredLeaseReclaim", func(t *testing.T) { testExpiredLeaseReclaim(t, factory) })
	t.Run("SilenceAndWake", func(t *testing.T) { testSilenceAndWake(t, factory) })
	t.Run("ActivityEventRetries", func(t *testing.T) { testActivityEventRetries(t, factory) })
	t.Run("LoopForgetsIterations", func(t *testing.T) { testLoopForgetsIterations(t, factory) })
	t.Run("FindWorkflows", func(t *testing.T) { testFindWorkflows(t, factory) })
	t.Run("MessageTail", func(t *testing.T) { testMessageTail(t, factory) })
	t.Run("MetricsLock", func(t *testing.T) { testMetricsLock(t, factory) })
	t.Run("HistoryRoundTrip", func(t *testing.T) { testHistoryRoundTrip(t, factory) })
}

func dispatch(t *testing.T, db *testDB, name string, tags map[string]string, input string) id.Id {
	t.Helper()
	wfID, err := db.DispatchWorkflow(context.Background(), DispatchOptions{
		WorkflowID: id.New(1),
		RayID:      id.New(1),
		Name:       name,
		Tags:       tags,
		Input:      json.RawMessage(input),
	})
	require.NoError(t, err)
	return wfID
}

func pull(t *testing.T, db *testDB, worker id.Id, names ...string) []*PulledWorkflow {
	t.Helper()
	pulled, err := db.PullWorkflows(context.Background(), worker, names)
	require.NoError(t, err)
	return pulled
}

func testDispatchAndGet(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "order", map[string]string{"region": "eu"}, `{"n":1}`)

	w, err := db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, "order", w.Name)
	assert.Equal(t, map[string]string{"region": "eu"}, w.Tags)
	assert.JSONEq(t, `{"n":1}`, string(w.Input))
	assert.True(t, w.HasWakeCondition)
	assert.Equal(t, StateSleeping, w.DerivedState())

	_, err = db.GetWorkflow(ctx, id.New(1))
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func testUniqueDispatch(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	first := dispatch(t, db, "cron", map[string]string{"job": "sweep"}, `{}`)

	again, err := db.DispatchWorkflow(ctx, DispatchOptions{
		WorkflowID: id.New(1),
		RayID:      id.New(1),
		Name:       "cron",
		Tags:       map[string]string{"job": "sweep"},
		Input:      json.RawMessage(`{}`),
		Unique:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Different tags never match.
	other, err := db.DispatchWorkflow(ctx, DispatchOptions{
		WorkflowID: id.New(1),
		RayID:      id.New(1),
		Name:       "cron",
		Tags:       map[string]string{"job": "compact"},
		Unique:     true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// Completion releases the unique slot.
	require.NoError(t, db.CompleteWorkflow(ctx, first, json.RawMessage(`"done"`)))
	replacement, err := db.DispatchWorkflow(ctx, DispatchOptions{
		WorkflowID: id.New(1),
		RayID:      id.New(1),
		Name:       "cron",
		Tags:       map[string]string{"job": "sweep"},
		Unique:     true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, replacement)
}

func testPullLeasesOnce(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)

	wfID := dispatch(t, db, "order", nil, `{"n":1}`)

	workerA, workerB := id.New(1), id.New(1)
	pulled := pull(t, db, workerA, "order")
	require.Len(t, pulled, 1)
	assert.Equal(t, wfID, pulled[0].WorkflowID)
	assert.Equal(t, "order", pulled[0].Name)
	assert.JSONEq(t, `{"n":1}`, string(pulled[0].Input))
	require.NotNil(t, pulled[0].History)
	assert.Equal(t, 0, pulled[0].History.Len())

	// The wake is consumed and the lease is fresh.
	assert.Empty(t, pull(t, db, workerB, "order"))

	w, err := db.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, w.DerivedState())
}

func testPullFiltersNames(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)

	dispatch(t, db, "order", nil, `{}`)
	billing := dispatch(t, db, "billing", nil, `{}`)

	pulled := pull(t, db, id.New(1), "billing")
	require.Len(t, pulled, 1)
	assert.Equal(t, billing, pulled[0].WorkflowID)

	// The unregistered run stays armed for a worker that knows it.
	pulled = pull(t, db, id.New(1), "order", "billing")
	require.Len(t, pulled, 1)
	assert.Equal(t, "order", pulled[0].Name)
}

func testCompleteWakesParent(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	parent := dispatch(t, db, "parent", nil, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "parent"), 1)

	child, err := db.DispatchSubWorkflow(ctx, parent, history.RootLocation().Join(history.Simple(1)), 1, DispatchOptions{
		WorkflowID: id.New(1),
		RayID:      id.New(1),
		Name:       "child",
		Input:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	// Parent suspends on the child.
	got, err := db.GetSubWorkflow(ctx, parent, child)
	require.NoError(t, err)
	assert.Nil(t, got.Output)
	require.NoError(t, db.CommitWorkflow(ctx, parent, WakeConditions{SubWorkflowID: child}, ""))
	assert.Empty(t, pull(t, db, worker, "parent"))

	require.Len(t, pull(t, db, worker, "child"), 1)
	require.NoError(t, db.CompleteWorkflow(ctx, child, json.RawMessage(`{"ok":true}`)))

	pulled := pull(t, db, worker, "parent")
	require.Len(t, pulled, 1)
	assert.Equal(t, parent, pulled[0].WorkflowID)

	// The dispatch event replayed into the parent's history.
	require.Equal(t, 1, pulled[0].History.Len())
	ev := pulled[0].History.Branch(history.RootLocation())[0]
	require.NotNil(t, ev.SubWorkflow)
	assert.Equal(t, child, ev.SubWorkflow.SubWorkflowID)

	got, err = db.GetSubWorkflow(ctx, parent, child)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))
}

func testCommitDead(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "order", nil, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "order"), 1)

	require.NoError(t, db.CommitWorkflow(ctx, wfID, WakeConditions{}, "boom"))

	w, err := db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, w.DerivedState())
	assert.Equal(t, "boom", w.Error)
	assert.Empty(t, pull(t, db, worker, "order"))

	// An operator wake revives it.
	require.NoError(t, db.WakeWorkflow(ctx, wfID))
	require.Len(t, pull(t, db, worker, "order"), 1)
}

func testSignalRoundTrip(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "waiter", nil, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "waiter"), 1)

	loc := history.RootLocation().Join(history.Simple(1))

	// No signal yet; the last try arms the wake.
	_, err := db.PullNextSignal(ctx, wfID, []string{"go"}, loc, 1, true)
	assert.ErrorIs(t, err, ErrNoSignal)
	require.NoError(t, db.CommitWorkflow(ctx, wfID, WakeConditions{Signals: []string{"go"}}, ""))
	assert.Empty(t, pull(t, db, worker, "waiter"))

	sigID := id.New(1)
	require.NoError(t, db.PublishSignal(ctx, id.New(1), wfID, sigID, "go", json.RawMessage(`{"ok":true}`)))

	pulled := pull(t, db, worker, "waiter")
	require.Len(t, pulled, 1)

	sig, err := db.PullNextSignal(ctx, wfID, []string{"go"}, loc, 1, false)
	require.NoError(t, err)
	assert.Equal(t, sigID, sig.SignalID)
	assert.Equal(t, "go", sig.Name)
	assert.JSONEq(t, `{"ok":true}`, string(sig.Body))

	// Consumed: a second pull finds nothing.
	_, err = db.PullNextSignal(ctx, wfID, []string{"go"}, history.RootLocation().Join(history.Simple(2)), 1, false)
	assert.ErrorIs(t, err, ErrNoSignal)
}

func testSignalPublishBeforeCommit(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "waiter", nil, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "waiter"), 1)

	// The signal lands between the listen and the suspending commit; the
	// commit must convert it into an immediate wake.
	require.NoError(t, db.PublishSignal(ctx, id.New(1), wfID, id.New(1), "go", nil))
	require.NoError(t, db.CommitWorkflow(ctx, wfID, WakeConditions{Signals: []string{"go"}}, ""))

	require.Len(t, pull(t, db, worker, "waiter"), 1)
}

func testTaggedSignalOnce(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	eu := dispatch(t, db, "waiter", map[string]string{"region": "eu"}, `{}`)
	us := dispatch(t, db, "waiter", map[string]string{"region": "us"}, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "waiter"), 2)

	sigID := id.New(1)
	require.NoError(t, db.PublishTaggedSignal(ctx, id.New(1), map[string]string{"region": "eu"}, sigID, "go", json.RawMessage(`1`)))

	loc := history.RootLocation().Join(history.Simple(1))

	// Only the run whose tags cover the signal's sees it.
	_, err := db.PullNextSignal(ctx, us, []string{"go"}, loc, 1, true)
	assert.ErrorIs(t, err, ErrNoSignal)

	sig, err := db.PullNextSignal(ctx, eu, []string{"go"}, loc, 1, false)
	require.NoError(t, err)
	assert.Equal(t, sigID, sig.SignalID)

	// Acked: a second matching run cannot take it again.
	eu2 := dispatch(t, db, "waiter", map[string]string{"region": "eu"}, `{}`)
	_, err = db.PullNextSignal(ctx, eu2, []string{"go"}, loc, 1, true)
	assert.ErrorIs(t, err, ErrNoSignal)
}

func testSleepDeadline(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "sleeper", nil, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "sleeper"), 1)

	deadline := db.clock + (5 * time.Second).Milliseconds()
	require.NoError(t, db.CommitWorkflow(ctx, wfID, WakeConditions{DeadlineTS: deadline}, ""))

	assert.Empty(t, pull(t, db, worker, "sleeper"))

	db.advance(6 * time.Second)
	pulled := pull(t, db, worker, "sleeper")
	require.Len(t, pulled, 1)
	assert.Equal(t, deadline, pulled[0].WakeDeadlineTS)
}

func testExpiredLeaseReclaim(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	dispatch(t, db, "order", nil, `{}`)
	crashed := id.New(1)
	require.Len(t, pull(t, db, crashed, "order"), 1)

	// Fresh lease: nothing to reclaim yet.
	n, err := db.ClearExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	db.advance(31 * time.Second)
	n, err = db.ClearExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pull(t, db, id.New(1), "order"), 1)
}

func testSilenceAndWake(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "order", nil, `{}`)
	require.NoError(t, db.SilenceWorkflow(ctx, wfID))

	worker := id.New(1)
	assert.Empty(t, pull(t, db, worker, "order"))

	w, err := db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, StateSilenced, w.DerivedState())

	require.NoError(t, db.WakeWorkflow(ctx, wfID))
	require.Len(t, pull(t, db, worker, "order"), 1)
}

func testActivityEventRetries(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "order", nil, `{}`)
	loc := history.RootLocation().Join(history.Simple(1))
	eventID := history.EventID{Name: "charge", InputHash: 42}

	require.NoError(t, db.CommitActivityEvent(ctx, wfID, loc, 1, eventID, db.clock, nil, "timeout"))
	require.NoError(t, db.CommitActivityEvent(ctx, wfID, loc, 1, eventID, db.clock, nil, "timeout"))
	require.NoError(t, db.CommitActivityEvent(ctx, wfID, loc, 1, eventID, db.clock, json.RawMessage(`"ok"`), ""))

	entries, err := db.GetWorkflowHistory(ctx, wfID, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev := entries[0].Event
	require.NotNil(t, ev.Activity)
	assert.Equal(t, eventID, ev.Activity.EventID)
	assert.Equal(t, []string{"timeout", "timeout"}, ev.Activity.Errors)
	assert.JSONEq(t, `"ok"`, string(ev.Activity.Output))
}

func testLoopForgetsIterations(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "looper", nil, `{}`)
	loopLoc := history.RootLocation().Join(history.Simple(1))

	require.NoError(t, db.UpsertLoopEvent(ctx, wfID, loopLoc, 1, 0, json.RawMessage(`0`), nil))

	// Iteration 0 runs in branch coordinate 1.
	iterLoc := loopLoc.Join(history.Coordinate{1, 1})
	require.NoError(t, db.CommitActivityEvent(ctx, wfID, iterLoc, 1, history.EventID{Name: "step"}, db.clock, json.RawMessage(`1`), ""))

	entries, err := db.GetWorkflowHistory(ctx, wfID, false)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Advancing to iteration 1 forgets iteration 0's events.
	require.NoError(t, db.UpsertLoopEvent(ctx, wfID, loopLoc, 1, 1, json.RawMessage(`1`), nil))

	entries, err = db.GetWorkflowHistory(ctx, wfID, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Event.Loop)
	assert.Equal(t, uint64(1), entries[0].Event.Loop.Iteration)

	entries, err = db.GetWorkflowHistory(ctx, wfID, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	forgotten := entries[1]
	assert.True(t, forgotten.Event.Forgotten)
	assert.Equal(t, iterLoc.String(), forgotten.Location.String())
}

func testFindWorkflows(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	a := dispatch(t, db, "order", map[string]string{"region": "eu"}, `{}`)
	dispatch(t, db, "order", map[string]string{"region": "us"}, `{}`)
	dispatch(t, db, "billing", nil, `{}`)
	require.NoError(t, db.CompleteWorkflow(ctx, a, json.RawMessage(`{}`)))

	all, err := db.FindWorkflows(ctx, "", nil, StateAny, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	orders, err := db.FindWorkflows(ctx, "order", nil, StateAny, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	eu, err := db.FindWorkflows(ctx, "order", map[string]string{"region": "eu"}, StateAny, 0)
	require.NoError(t, err)
	require.Len(t, eu, 1)
	assert.Equal(t, a, eu[0].WorkflowID)

	complete, err := db.FindWorkflows(ctx, "order", nil, StateComplete, 0)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, a, complete[0].WorkflowID)
}

func testMessageTail(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	tail, err := db.GetMessageTail(ctx, "deploys")
	require.NoError(t, err)
	assert.Nil(t, tail)

	body := json.RawMessage(`{"version":"v1"}`)
	require.NoError(t, db.PublishMessage(ctx, "deploys", map[string]string{"env": "prod"}, body, time.Minute))

	tail, err = db.GetMessageTail(ctx, "deploys")
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, "deploys", tail.Name)
	assert.Equal(t, "prod", tail.Tags["env"])
	assert.JSONEq(t, string(body), string(tail.Body))

	// A later publish replaces the tail.
	require.NoError(t, db.PublishMessage(ctx, "deploys", nil, json.RawMessage(`{"version":"v2"}`), time.Minute))
	tail, err = db.GetMessageTail(ctx, "deploys")
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.JSONEq(t, `{"version":"v2"}`, string(tail.Body))

	db.advance(2 * time.Minute)
	tail, err = db.GetMessageTail(ctx, "deploys")
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func testMetricsLock(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	a := dispatch(t, db, "order", nil, `{}`)
	dispatch(t, db, "order", nil, `{}`)
	require.NoError(t, db.CompleteWorkflow(ctx, a, json.RawMessage(`{}`)))

	holder, other := id.New(1), id.New(1)
	snap, err := db.PublishMetrics(ctx, holder)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Gauges["workflow_total"]["order"])
	assert.Equal(t, int64(1), snap.Gauges["workflow_complete"]["order"])

	// The lock excludes other workers until it expires.
	snap, err = db.PublishMetrics(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, snap)

	db.advance(31 * time.Second)
	snap, err = db.PublishMetrics(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func testHistoryRoundTrip(t *testing.T, factory func(t *testing.T) kv.Driver) {
	db := newTestDB(t, factory)
	ctx := context.Background()

	wfID := dispatch(t, db, "order", nil, `{}`)
	worker := id.New(1)
	require.Len(t, pull(t, db, worker, "order"), 1)

	root := history.RootLocation()
	require.NoError(t, db.CommitActivityEvent(ctx, wfID, root.Join(history.Simple(1)), 1, history.EventID{Name: "a"}, db.clock, json.RawMessage(`1`), ""))
	require.NoError(t, db.CommitBranchEvent(ctx, wfID, root.Join(history.Simple(2)), 1))
	require.NoError(t, db.CommitSleepEvent(ctx, wfID, root.Join(history.Simple(2)).Join(history.Simple(1)), 1, db.clock+1000))
	require.NoError(t, db.CommitVersionCheckEvent(ctx, wfID, root.Join(history.Simple(3)), 2))

	require.NoError(t, db.CommitWorkflow(ctx, wfID, WakeConditions{Immediate: true}, ""))
	pulled := pull(t, db, worker, "order")
	require.Len(t, pulled, 1)

	hist := pulled[0].History
	require.Equal(t, 4, hist.Len())

	rootBranch := hist.Branch(root)
	require.Len(t, rootBranch, 3)
	assert.Equal(t, history.KindActivity, rootBranch[0].Kind)
	assert.Equal(t, history.KindBranch, rootBranch[1].Kind)
	assert.Equal(t, history.KindVersionCheck, rootBranch[2].Kind)
	assert.Equal(t, 2, rootBranch[2].Version)

	nested := hist.Branch(root.Join(history.Simple(2)))
	require.Len(t, nested, 1)
	require.NotNil(t, nested[0].Sleep)
	assert.Equal(t, history.SleepPending, nested[0].Sleep.State)

	// Errors returned for unknown runs, not empty histories.
	_, err := db.GetWorkflowHistory(ctx, id.New(1), false)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.False(t, errors.Is(err, ErrNoSignal))
}
