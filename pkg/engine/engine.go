// Package engine runs durable workflows. A workflow is a registered Go
// function that executes in replayable slices: every side effect it takes
// through its Ctx is recorded as a history event, and when the run is pulled
// again after a suspension or a crash, recorded steps return their stored
// results instead of re-executing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/ups"
)

// Engine executes workflow run slices against the workflow database.
type Engine struct {
	cfg Config
	db  wfdb.Database
	bus ups.PubSub
	reg *Registry
	log *slog.Logger
	now func() int64
}

// New builds an engine over the given database, bus and registry.
func New(cfg Config, db wfdb.Database, bus ups.PubSub, reg *Registry) *Engine {
	cfg = cfg.WithDefaults()
	return &Engine{
		cfg: cfg,
		db:  db,
		bus: bus,
		reg: reg,
		log: cfg.Logger.With("component", "engine"),
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Registry returns the engine's workflow registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Dispatch starts a new top-level run of the named workflow and returns its
// id. The run executes on whichever worker pulls it.
func (e *Engine) Dispatch(ctx context.Context, workflow string, input any, tags map[string]string) (id.Id, error) {
	return e.dispatch(ctx, workflow, input, tags, false)
}

// DispatchUnique is Dispatch, except an existing incomplete run with the
// same name and tags is returned instead of starting a second one.
func (e *Engine) DispatchUnique(ctx context.Context, workflow string, input any, tags map[string]string) (id.Id, error) {
	return e.dispatch(ctx, workflow, input, tags, true)
}

func (e *Engine) dispatch(ctx context.Context, workflow string, input any, tags map[string]string, unique bool) (id.Id, error) {
	if _, ok := e.reg.Handler(workflow); !ok {
		return id.Nil, fmt.Errorf("engine: workflow %q is not registered", workflow)
	}
	body, err := json.Marshal(input)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: encode %s input: %v", ErrSerialization, workflow, err)
	}
	wfID, err := e.db.DispatchWorkflow(ctx, wfdb.DispatchOptions{
		WorkflowID: id.New(e.cfg.DC),
		RayID:      id.New(e.cfg.DC),
		Name:       workflow,
		Tags:       tags,
		Input:      body,
		Unique:     unique,
	})
	if err != nil {
		return id.Nil, err
	}
	if err := e.db.WakeWorker(ctx); err != nil {
		e.log.Warn("worker wake publish failed", "error", err)
	}
	return wfID, nil
}

// ExecuteRun executes one slice of a pulled run: it replays the loaded
// history through the handler, then commits the outcome. The call returns
// once the run completes, suspends, or dies.
func (e *Engine) ExecuteRun(ctx context.Context, run *wfdb.PulledWorkflow) error {
	log := e.log.With("workflow", run.Name, "workflow_id", run.WorkflowID, "ray_id", run.RayID)

	handler, ok := e.reg.Handler(run.Name)
	if !ok {
		// PullWorkflows filters on registered names, so this is a pull/
		// deregister race. Leave the run for a worker that has the handler.
		return e.db.CommitWorkflow(ctx, run.WorkflowID, wfdb.WakeConditions{Immediate: true}, "")
	}

	c := &Ctx{
		ctx:        ctx,
		cfg:        e.cfg,
		db:         e.db,
		bus:        e.bus,
		log:        log,
		workflowID: run.WorkflowID,
		name:       run.Name,
		rayID:      run.RayID,
		input:      run.Input,
		state:      run.State,
		cursor:     history.NewCursor(run.History, history.RootLocation()),
		version:    1,
		now:        e.now,
	}

	started := time.Now()
	output, err := handler(c)
	if err == nil {
		err = c.cursor.CheckClear()
	}

	switch {
	case err == nil:
		if err := e.db.CompleteWorkflow(ctx, run.WorkflowID, output); err != nil {
			return err
		}
		log.Debug("workflow complete", "elapsed", time.Since(started))
		return nil

	case isSuspend(err):
		s, _ := asSuspend(err)
		if err := e.db.CommitWorkflow(ctx, run.WorkflowID, s.wake, ""); err != nil {
			return err
		}
		log.Debug("workflow suspended", "wake", s.wake, "elapsed", time.Since(started))
		return nil

	default:
		// History divergence and serialization failures are deterministic:
		// retrying replays into the same wall. Either way the run goes dead
		// until an operator wakes it.
		if errors.Is(err, history.ErrHistoryDiverged) || errors.Is(err, ErrSerialization) {
			log.Error("workflow dead", "error", err)
		} else {
			log.Warn("workflow dead", "error", err)
		}
		if commitErr := e.db.CommitWorkflow(ctx, run.WorkflowID, wfdb.WakeConditions{}, err.Error()); commitErr != nil {
			return commitErr
		}
		return nil
	}
}

func isSuspend(err error) bool {
	_, ok := asSuspend(err)
	return ok
}
