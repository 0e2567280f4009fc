// Package worker provides the background worker that drives chirp workflows
// forward.
//
// Workers lease runnable workflow runs from the database, execute their
// slices through the engine, and commit the outcome. They are long-lived
// components that typically run in dedicated goroutines or processes, and
// multiple workers can safely operate on the same database to scale
// processing.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Pulling runs whose wake conditions are met, on a tick and on wake
//     notifications from the pub/sub bus
//   - Executing run slices concurrently through the engine
//   - Heartbeating its worker instance record so its leases stay fresh
//   - Reclaiming leases left behind by workers that stopped pinging
//   - Publishing engine metrics under the shared metrics lock
//
// # Leasing
//
// Every pulled run is leased to the pulling worker. A lease stays valid as
// long as the worker's instance ping is fresh; when a worker dies, its
// leases expire and any worker's lease gc re-arms the affected runs. A run
// is therefore executed by at most one worker at a time, and by some worker
// eventually.
//
// # Shutdown
//
// Cancelling the context passed to Run stops pulling and drains in-flight
// runs. Runs still executing after the drain timeout are cancelled; their
// committed history is preserved and they resume on another worker once
// their lease expires.
//
// Most applications construct workers via the chirp package, which wires
// the database, bus, engine and worker together with sensible defaults.
package worker
