package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/engine"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/ups"
)

// metricsInterval is how often a worker attempts to publish the engine
// gauges. The database's metrics lock keeps concurrent workers from
// publishing duplicates.
const metricsInterval = 15 * time.Second

// drainTimeout bounds how long shutdown waits for in-flight runs before
// cancelling them. Cancelled runs keep their committed history and are
// re-pulled once their lease expires.
const drainTimeout = 30 * time.Second

// Worker pulls runnable workflows from the database and executes them
// through the engine. Run any number of workers against the same database;
// leases keep each run on one worker at a time.
type Worker struct {
	cfg        engine.Config
	db         wfdb.Database
	eng        *engine.Engine
	log        *slog.Logger
	instanceID id.Id

	// OnMetrics, when set, receives each snapshot this worker captures.
	OnMetrics func(*wfdb.MetricsSnapshot)
}

// New builds a worker over the given database and engine.
func New(cfg engine.Config, db wfdb.Database, eng *engine.Engine) *Worker {
	cfg = cfg.WithDefaults()
	instanceID := id.New(cfg.DC)
	return &Worker{
		cfg:        cfg,
		db:         db,
		eng:        eng,
		log:        cfg.Logger.With("component", "worker", "worker_id", instanceID),
		instanceID: instanceID,
	}
}

// InstanceID returns the worker's instance id, as seen in lease records.
func (w *Worker) InstanceID() id.Id { return w.instanceID }

// Run executes the worker loop until ctx is cancelled, then drains
// in-flight runs. It returns the cause of an unrecoverable loop failure,
// or nil on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	wakeSub, err := w.db.WakeSub(ctx)
	if err != nil {
		return err
	}
	defer wakeSub.Close()

	if err := w.db.UpdateWorkerPing(ctx, w.instanceID); err != nil {
		return err
	}
	w.log.Info("worker started", "workflows", w.eng.Registry().Names())

	// Runs execute under their own context so a shutdown can drain them
	// instead of killing them mid-slice.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	var runs sync.WaitGroup

	wake := make(chan struct{}, 1)
	g, loopCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			if _, err := wakeSub.Next(loopCtx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, ups.ErrUnsubscribed) {
					return nil
				}
				return err
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.TickInterval)
		defer ticker.Stop()
		for {
			if err := w.pullAndExecute(loopCtx, runCtx, &runs); err != nil {
				return err
			}
			select {
			case <-loopCtx.Done():
				return nil
			case <-wake:
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error { return w.pingLoop(loopCtx) })
	g.Go(func() error { return w.gcLoop(loopCtx) })
	g.Go(func() error { return w.metricsLoop(loopCtx) })

	err = g.Wait()
	w.drain(&runs, cancelRuns)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (w *Worker) pullAndExecute(ctx, runCtx context.Context, runs *sync.WaitGroup) error {
	pulled, err := w.db.PullWorkflows(ctx, w.instanceID, w.eng.Registry().Names())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("pull failed", "error", err)
		return nil
	}
	for _, run := range pulled {
		runs.Add(1)
		go func(run *wfdb.PulledWorkflow) {
			defer runs.Done()
			if err := w.eng.ExecuteRun(runCtx, run); err != nil {
				w.log.Warn("run slice failed",
					"workflow", run.Name, "workflow_id", run.WorkflowID, "error", err)
			}
		}(run)
	}
	return nil
}

func (w *Worker) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := w.db.UpdateWorkerPing(ctx, w.instanceID); err != nil && ctx.Err() == nil {
			w.log.Warn("worker ping failed", "error", err)
		}
	}
}

func (w *Worker) gcLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.LeaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		reclaimed, err := w.db.ClearExpiredLeases(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("lease gc failed", "error", err)
			continue
		}
		if reclaimed > 0 {
			w.log.Info("reclaimed expired leases", "count", reclaimed)
		}
	}
}

func (w *Worker) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		snap, err := w.db.PublishMetrics(ctx, w.instanceID)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("metrics publish failed", "error", err)
			}
			continue
		}
		if snap == nil {
			// Another worker holds the metrics lock.
			continue
		}
		if w.OnMetrics != nil {
			w.OnMetrics(snap)
		}
	}
}

// drain waits for in-flight runs up to drainTimeout, then cancels them.
func (w *Worker) drain(runs *sync.WaitGroup, cancelRuns context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("worker stopped")
	case <-time.After(drainTimeout):
		w.log.Warn("drain timed out, cancelling in-flight runs")
		cancelRuns()
		<-done
	}
}
