package wfdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/ups"
)

var (
	// ErrWorkflowNotFound is returned for lookups of unknown run ids.
	ErrWorkflowNotFound = errors.New("wfdb: workflow not found")

	// ErrNoSignal is returned by PullNextSignal when no pending signal
	// matches. The caller decides whether to poll again or suspend.
	ErrNoSignal = errors.New("wfdb: no matching signal")
)

// DispatchOptions parameterizes a new run.
type DispatchOptions struct {
	WorkflowID id.Id
	RayID      id.Id
	Name       string
	Tags       map[string]string
	Input      json.RawMessage

	// Unique reuses an existing incomplete run with the same name and tags
	// instead of creating a new one.
	Unique bool
}

// HistoryEntry pairs a recorded event with its absolute location, for
// operator tooling.
type HistoryEntry struct {
	Location history.Location
	Event    *history.Event
}

// MetricsSnapshot is one worker's view of the engine gauges, taken under
// the metrics lock so only one worker per deployment publishes at a time.
type MetricsSnapshot struct {
	CapturedAtTS int64
	// Gauges maps gauge name to per-workflow-name counts.
	Gauges map[string]map[string]int64
}

// Database is the workflow storage driver. All methods are safe for
// concurrent use.
type Database interface {
	// DispatchWorkflow records a new run with an immediate wake condition
	// and returns its id. With Unique set, an existing incomplete run with
	// the same name and tags is returned instead of creating one.
	DispatchWorkflow(ctx context.Context, opts DispatchOptions) (id.Id, error)

	// GetWorkflow loads a run record.
	GetWorkflow(ctx context.Context, workflowID id.Id) (*WorkflowData, error)

	// FindWorkflow returns the newest incomplete run matching name whose
	// tags are a superset of tags, or id.Nil if none exists.
	FindWorkflow(ctx context.Context, name string, tags map[string]string) (id.Id, error)

	// FindWorkflows lists runs for operator tooling, filtered by name, tag
	// superset and derived state. Empty name matches all names; StateAny
	// matches all states.
	FindWorkflows(ctx context.Context, name string, tags map[string]string, state State, limit int) ([]*WorkflowData, error)

	// PullWorkflows leases up to the batch limit of runs whose wake
	// conditions are met and whose name is registered, refreshing the
	// worker instance ping, and returns them with history loaded.
	PullWorkflows(ctx context.Context, workerInstanceID id.Id, registeredNames []string) ([]*PulledWorkflow, error)

	// CompleteWorkflow records the run's output, wakes any parent runs
	// awaiting it and releases the lease.
	CompleteWorkflow(ctx context.Context, workflowID id.Id, output json.RawMessage) error

	// CommitWorkflow persists the wake conditions of a suspended run (and
	// its error, if the slice produced one), releases the lease and wakes
	// the workers.
	CommitWorkflow(ctx context.Context, workflowID id.Id, wake WakeConditions, wfError string) error

	// PublishSignal delivers a signal to a specific run, converting an
	// armed signal-wake for its name into an immediate wake.
	PublishSignal(ctx context.Context, rayID, toWorkflowID, signalID id.Id, name string, body json.RawMessage) error

	// PublishTaggedSignal parks a signal for whichever run with a matching
	// tag superset pulls it first.
	PublishTaggedSignal(ctx context.Context, rayID id.Id, tags map[string]string, signalID id.Id, name string, body json.RawMessage) error

	// PublishSignalFromWorkflow is PublishSignal plus the sender's history
	// event, in one transaction.
	PublishSignalFromWorkflow(ctx context.Context, fromWorkflowID id.Id, loc history.Location, version int, rayID, toWorkflowID, signalID id.Id, name string, body json.RawMessage) error

	// PublishTaggedSignalFromWorkflow is PublishTaggedSignal plus the
	// sender's history event, in one transaction.
	PublishTaggedSignalFromWorkflow(ctx context.Context, fromWorkflowID id.Id, loc history.Location, version int, rayID id.Id, tags map[string]string, signalID id.Id, name string, body json.RawMessage) error

	// PullNextSignal acknowledges and returns the oldest pending signal for
	// the run matching one of signalNames, writing the receive event at
	// loc. With lastTry set and no match, it arms signal wakes for
	// signalNames before returning ErrNoSignal.
	PullNextSignal(ctx context.Context, workflowID id.Id, signalNames []string, loc history.Location, version int, lastTry bool) (*SignalData, error)

	// GetSubWorkflow loads a child run for an awaiting parent. If the child
	// is incomplete it arms a sub-workflow wake for the parent, so a
	// completion racing this read still wakes it.
	GetSubWorkflow(ctx context.Context, workflowID, subWorkflowID id.Id) (*WorkflowData, error)

	// DispatchSubWorkflow is DispatchWorkflow plus the parent's history
	// event, in one transaction.
	DispatchSubWorkflow(ctx context.Context, parentID id.Id, loc history.Location, version int, opts DispatchOptions) (id.Id, error)

	// UpdateWorkflowTags replaces the run's tags and its lookup index rows.
	UpdateWorkflowTags(ctx context.Context, workflowID id.Id, name string, tags map[string]string) error

	// UpdateWorkflowState stores the run's opaque state blob for operator
	// inspection.
	UpdateWorkflowState(ctx context.Context, workflowID id.Id, state json.RawMessage) error

	// CommitActivityEvent records one activity attempt: the first write
	// creates the event, retries append their error, success sets the
	// output.
	CommitActivityEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, eventID history.EventID, createTS int64, output json.RawMessage, errMsg string) error

	// CommitMessageSendEvent records a broadcast message send.
	CommitMessageSendEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, tags map[string]string, name string) error

	// PublishMessage stores the broadcast's tail so late subscribers can
	// observe the most recent message under name until tailTTL lapses.
	PublishMessage(ctx context.Context, name string, tags map[string]string, body json.RawMessage, tailTTL time.Duration) error

	// GetMessageTail returns the last broadcast under name, or nil when
	// none was published within its tail TTL.
	GetMessageTail(ctx context.Context, name string) (*MessageTail, error)

	// CommitSleepEvent records the start of a sleep with its deadline.
	CommitSleepEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, deadlineTS int64) error

	// UpdateSleepEventState transitions a recorded sleep between Pending,
	// Completed and Interrupted.
	UpdateSleepEventState(ctx context.Context, workflowID id.Id, loc history.Location, state history.SleepState) error

	// CommitBranchEvent records the spawn of a branch context.
	CommitBranchEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int) error

	// CommitRemovedEvent records a tombstone for a step removed from the
	// workflow code.
	CommitRemovedEvent(ctx context.Context, workflowID id.Id, loc history.Location, kind history.EventKind, eventName string) error

	// CommitVersionCheckEvent records a version gate.
	CommitVersionCheckEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int) error

	// UpsertLoopEvent writes the loop event's state, output and iteration
	// counter. Events recorded under the loop's branch for earlier
	// iterations are moved to forgotten history, keeping the most recent
	// iterations only.
	UpsertLoopEvent(ctx context.Context, workflowID id.Id, loc history.Location, version int, iteration uint64, state, output json.RawMessage) error

	// GetWorkflowHistory returns the run's events in location order, for
	// operator tooling. Forgotten events are included on request, flagged.
	GetWorkflowHistory(ctx context.Context, workflowID id.Id, includeForgotten bool) ([]HistoryEntry, error)

	// SilenceWorkflow marks a run so it is never pulled again.
	SilenceWorkflow(ctx context.Context, workflowID id.Id) error

	// WakeWorkflow force-arms an immediate wake, reviving dead or silenced
	// runs.
	WakeWorkflow(ctx context.Context, workflowID id.Id) error

	// UpdateWorkerPing refreshes the worker instance heartbeat.
	UpdateWorkerPing(ctx context.Context, workerInstanceID id.Id) error

	// ClearExpiredLeases re-arms immediate wakes for runs whose leasing
	// worker stopped pinging, and reports how many it reclaimed.
	ClearExpiredLeases(ctx context.Context) (int, error)

	// PublishMetrics captures the engine gauges under the metrics lock.
	// It returns nil when another worker holds the lock.
	PublishMetrics(ctx context.Context, workerInstanceID id.Id) (*MetricsSnapshot, error)

	// WakeSub subscribes to the worker wake channel.
	WakeSub(ctx context.Context) (*ups.Subscriber, error)

	// WakeWorker nudges all workers to pull immediately.
	WakeWorker(ctx context.Context) error

	Close() error
}
