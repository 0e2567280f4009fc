package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/engine"
	"github.com/petrijr/chirp/pkg/kv/memkv"
	"github.com/petrijr/chirp/pkg/ups"
)

type harness struct {
	db  wfdb.Database
	eng *engine.Engine
	w   *Worker
}

func newHarness(t *testing.T, reg *engine.Registry) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := ups.NewMemory()
	db := wfdb.NewKV(memkv.MustNew(), bus, wfdb.Config{Logger: log})
	t.Cleanup(func() { _ = db.Close() })

	cfg := engine.Config{
		TickInterval: 10 * time.Millisecond,
		Logger:       log,
	}
	eng := engine.New(cfg, db, bus, reg)
	return &harness{db: db, eng: eng, w: New(cfg, db, eng)}
}

func (h *harness) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
	return cancel
}

func TestWorkerExecutesDispatchedRuns(t *testing.T) {
	ctx := context.Background()
	var ran atomic.Int64

	reg := engine.NewRegistry()
	engine.MustRegisterWorkflow(reg, "job", func(c *engine.Ctx, n int) (int, error) {
		ran.Add(1)
		return n + 1, nil
	})

	h := newHarness(t, reg)
	h.start(t)

	wfID, err := h.eng.Dispatch(ctx, "job", 41, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := h.db.GetWorkflow(ctx, wfID)
		return err == nil && wf.Output != nil
	}, 5*time.Second, 10*time.Millisecond)

	wf, err := h.db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(wf.Output))
	require.Equal(t, int64(1), ran.Load())
}

func TestWorkerResumesSuspendedRuns(t *testing.T) {
	ctx := context.Background()

	reg := engine.NewRegistry()
	engine.MustRegisterWorkflow(reg, "nap", func(c *engine.Ctx, _ struct{}) (string, error) {
		if err := c.Sleep(30 * time.Millisecond); err != nil {
			return "", err
		}
		return "rested", nil
	})

	h := newHarness(t, reg)
	h.start(t)

	wfID, err := h.eng.Dispatch(ctx, "nap", struct{}{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := h.db.GetWorkflow(ctx, wfID)
		return err == nil && wf.Output != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTwoWorkersShareTheLoad(t *testing.T) {
	ctx := context.Background()
	var ran atomic.Int64

	reg := engine.NewRegistry()
	engine.MustRegisterWorkflow(reg, "task", func(c *engine.Ctx, n int) (int, error) {
		ran.Add(1)
		return n, nil
	})

	h := newHarness(t, reg)
	w2 := New(engine.Config{
		TickInterval: 10 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, h.db, h.eng)

	h.start(t)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = w2.Run(ctx2) }()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := h.eng.Dispatch(ctx, "task", i, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		wfs, err := h.db.FindWorkflows(ctx, "task", nil, wfdb.StateComplete, n+1)
		return err == nil && len(wfs) == n
	}, 10*time.Second, 20*time.Millisecond)

	// Leasing guarantees each run executed exactly once even with two
	// workers pulling.
	require.Equal(t, int64(n), ran.Load())
}
