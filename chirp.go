package chirp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/chirp/internal/wfdb"
	"github.com/petrijr/chirp/pkg/admin"
	"github.com/petrijr/chirp/pkg/cache"
	"github.com/petrijr/chirp/pkg/engine"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
	"github.com/petrijr/chirp/pkg/kv/memkv"
	"github.com/petrijr/chirp/pkg/kv/sqlitekv"
	"github.com/petrijr/chirp/pkg/ups"
	"github.com/petrijr/chirp/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/engine.

type (
	Ctx           = engine.Ctx
	Config        = engine.Config
	Registry      = engine.Registry
	ActivityDef   = engine.ActivityDef
	ActivityError = engine.ActivityError
	Engine        = engine.Engine
	Worker        = worker.Worker
	Cache         = cache.Cache
	Id            = id.Id
)

// Re-export common helpers.

var (
	NewRegistry      = engine.NewRegistry
	Terminal         = engine.Terminal
	ErrSerialization = engine.ErrSerialization
)

// RegisterWorkflow registers a typed workflow function under name.
func RegisterWorkflow[I, O any](r *Registry, name string, fn func(c *Ctx, input I) (O, error)) error {
	return engine.RegisterWorkflow(r, name, fn)
}

// MustRegisterWorkflow is RegisterWorkflow that panics on error.
func MustRegisterWorkflow[I, O any](r *Registry, name string, fn func(c *Ctx, input I) (O, error)) {
	engine.MustRegisterWorkflow(r, name, fn)
}

// Activity executes fn durably: it runs at most once per run and input, is
// retried with backoff on retryable errors, and replays its recorded result
// on later slices.
func Activity[I, O any](c *Ctx, def ActivityDef, input I, fn func(ctx context.Context, input I) (O, error)) (O, error) {
	return engine.Activity(c, def, input, fn)
}

// Listen waits for the next signal with the given name.
func Listen[T any](c *Ctx, name string) (T, error) {
	return engine.Listen[T](c, name)
}

// ListenWithTimeout waits for a signal for at most timeout, returning
// received=false when the timeout elapses first.
func ListenWithTimeout[T any](c *Ctx, timeout time.Duration, name string) (T, bool, error) {
	return engine.ListenWithTimeout[T](c, timeout, name)
}

// Dispatch starts a child workflow without waiting for it.
func Dispatch[I any](c *Ctx, workflow string, input I, tags map[string]string) (Id, error) {
	return engine.Dispatch(c, workflow, input, tags)
}

// Output starts a child workflow and waits for its output.
func Output[I, O any](c *Ctx, workflow string, input I, tags map[string]string) (O, error) {
	return engine.Output[I, O](c, workflow, input, tags)
}

// Join runs branches concurrently and waits for all of them.
func Join(c *Ctx, branches ...func(*Ctx) error) error {
	return engine.Join(c, branches...)
}

// Loop runs fn durably until it returns a non-nil output.
func Loop[S, O any](c *Ctx, initial S, fn func(c *Ctx, state *S) (*O, error)) (O, error) {
	return engine.Loop(c, initial, fn)
}

// Platform wires a workflow database, pub/sub bus, engine, worker and cache
// together. Construct one per process with a backend constructor below.
type Platform struct {
	Engine *engine.Engine
	Worker *worker.Worker
	Cache  *cache.Cache

	cfg Config
	db  wfdb.Database
	bus ups.PubSub
}

// NewMemory returns a platform backed entirely by in-process stores.
// Nothing survives a restart; best for tests and examples.
func NewMemory(cfg Config, reg *Registry) *Platform {
	cfg = cfg.WithDefaults()
	bus := ups.NewMemory()
	return assemble(cfg, reg, memkv.MustNew(), bus, cache.NewMemory())
}

// NewSQLite returns a platform with durable workflow state in a SQLite
// database at path. The bus and cache stay in-process, so this suits a
// single-node deployment.
func NewSQLite(ctx context.Context, path string, cfg Config, reg *Registry) (*Platform, error) {
	cfg = cfg.WithDefaults()
	store, err := sqlitekv.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, reg, store, ups.NewMemory(), cache.NewMemory()), nil
}

// Options carries the externally-owned backends for multi-node
// deployments.
type Options struct {
	// KV stores workflow state. Required.
	KV kv.Driver
	// Bus carries wakes, messages and purges between nodes. Defaults to an
	// in-process bus.
	Bus ups.PubSub
	// Redis, when set, backs the cache layer. Defaults to an in-process
	// cache.
	Redis *redis.Client
}

// New assembles a platform from externally-owned backends.
func New(cfg Config, reg *Registry, opts Options) *Platform {
	cfg = cfg.WithDefaults()
	bus := opts.Bus
	if bus == nil {
		bus = ups.NewMemory()
	}
	var cacheDriver cache.Driver = cache.NewMemory()
	if opts.Redis != nil {
		cacheDriver = cache.NewRedis(opts.Redis)
	}
	return assemble(cfg, reg, opts.KV, bus, cacheDriver)
}

func assemble(cfg Config, reg *Registry, store kv.Driver, bus ups.PubSub, cacheDriver cache.Driver) *Platform {
	db := wfdb.NewKV(store, bus, wfdb.Config{
		PullBatch: cfg.WorkerPullBatch,
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    cfg.Logger,
	})
	eng := engine.New(cfg, db, bus, reg)
	return &Platform{
		Engine: eng,
		Worker: worker.New(cfg, db, eng),
		Cache: cache.New(cacheDriver, bus, cache.Config{
			RateLimitDisabled: cfg.RateLimitDisabled,
			Logger:            cfg.Logger,
		}),
		cfg: cfg,
		db:  db,
		bus: bus,
	}
}

// Run executes the worker loop and the cache purge listener until ctx is
// cancelled.
func (p *Platform) Run(ctx context.Context) error {
	purgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = p.Cache.HandlePurges(purgeCtx) }()
	return p.Worker.Run(ctx)
}

// Dispatch starts a new run of the named workflow.
func (p *Platform) Dispatch(ctx context.Context, workflow string, input any, tags map[string]string) (Id, error) {
	return p.Engine.Dispatch(ctx, workflow, input, tags)
}

// DispatchUnique starts a run unless an incomplete one with the same name
// and tags exists, in which case that run's id is returned.
func (p *Platform) DispatchUnique(ctx context.Context, workflow string, input any, tags map[string]string) (Id, error) {
	return p.Engine.DispatchUnique(ctx, workflow, input, tags)
}

// Signal publishes a signal to a specific run.
func (p *Platform) Signal(ctx context.Context, workflowID Id, name string, body any) (Id, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return id.Nil, err
	}
	sigID := id.New(p.cfg.DC)
	if err := p.db.PublishSignal(ctx, id.New(p.cfg.DC), workflowID, sigID, name, buf); err != nil {
		return id.Nil, err
	}
	return sigID, nil
}

// MessageTail returns the body of the most recent broadcast under name, for
// subscribers that missed the live publish. ok is false once the tail TTL
// lapses or when nothing was published.
func (p *Platform) MessageTail(ctx context.Context, name string) (json.RawMessage, bool, error) {
	tail, err := p.db.GetMessageTail(ctx, name)
	if err != nil || tail == nil {
		return nil, false, err
	}
	return tail.Body, true, nil
}

// WorkflowOutput returns the run's output once complete, or ok=false while
// it is still running.
func (p *Platform) WorkflowOutput(ctx context.Context, workflowID Id) (json.RawMessage, bool, error) {
	wf, err := p.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}
	return wf.Output, wf.Output != nil, nil
}

// AdminHandler returns the operator HTTP API, ready to mount.
func (p *Platform) AdminHandler() http.Handler {
	return admin.New(p.db, p.cfg.DC, p.cfg.Logger).Router()
}

// Close releases the database and the bus.
func (p *Platform) Close() error {
	dbErr := p.db.Close()
	busErr := p.bus.Close()
	cacheErr := p.Cache.Close()
	if dbErr != nil {
		return dbErr
	}
	if busErr != nil {
		return busErr
	}
	return cacheErr
}
