// Package chirp provides a durable, replayable workflow engine for Go.
//
// Chirp is designed for backend services that need reliable long-lived
// operations: sagas, provisioning flows, approval chains, retries that
// survive crashes. Workflow state lives in a transactional ordered-KV
// store; workers are stateless and horizontally scalable; cross-worker
// coordination happens over a small pub/sub bus.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Workflow
//  2. Activity
//  3. Signal
//  4. Worker
//  5. Platform
//
// # Workflow
//
// A workflow is a registered Go function executed in replayable slices.
// Every side effect it takes through its Ctx is recorded as a history
// event; when a run resumes after a suspension or a crash, recorded steps
// return their stored results instead of re-executing. Workflow code must
// therefore be deterministic: same history, same behavior. Non-deterministic
// work belongs inside activities.
//
//	chirp.MustRegisterWorkflow(reg, "order", func(c *chirp.Ctx, o Order) (Receipt, error) {
//	    charge, err := chirp.Activity(c, chirp.ActivityDef{Name: "charge"}, o, chargeCard)
//	    if err != nil {
//	        return Receipt{}, err
//	    }
//	    approval, err := chirp.Listen[Approval](c, "approve")
//	    if err != nil {
//	        return Receipt{}, err
//	    }
//	    return makeReceipt(charge, approval), nil
//	})
//
// Workflows compose: they dispatch sub-workflows, join concurrent branches,
// loop durably over persisted state, sleep for days, and gate new code
// paths behind version checks so old histories keep replaying.
//
// # Activity
//
// An Activity wraps one non-deterministic side effect: an HTTP call, a DB
// write, anything that must happen at most once per run. Activities are
// retried with backoff on failure; a Terminal error stops the retries and
// surfaces at the call site.
//
// # Signal
//
// Signals carry data into running workflows, addressed by run id or by
// tags. Listen suspends the run until a matching signal arrives; the
// suspension costs nothing while it waits. Messages are the non-durable
// counterpart, broadcast over the bus to whoever is listening right now.
//
// # Worker
//
// A Worker leases runnable runs from the database and executes their
// slices. Leases plus heartbeats guarantee each run executes on at most
// one worker at a time; run any number of workers for throughput and
// failover.
//
// # Platform
//
// Platform bundles the database, bus, engine, worker and cache behind
// backend constructors:
//
//   - NewMemory: everything in-process, best for tests
//   - NewSQLite: durable single-node state on modernc.org/sqlite
//   - New: bring your own KV driver, Postgres-backed bus and Redis cache
//     for multi-node deployments
//
// A minimal setup:
//
//	p := chirp.NewMemory(chirp.Config{}, reg)
//	go p.Run(ctx)
//	id, _ := p.Dispatch(ctx, "order", order, nil)
//
// The operator surface (list, inspect, silence, wake, signal, history) is
// an HTTP handler from AdminHandler.
//
// For examples, see the /examples directory.
package chirp
