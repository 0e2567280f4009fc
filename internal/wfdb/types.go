// Package wfdb is the workflow storage layer: a Database interface and its
// driver over the transactional KV adapter. It owns the run records, event
// history, wake conditions, leases, signals and engine metrics.
package wfdb

import (
	"encoding/json"

	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
)

// State is the derived lifecycle state of a run.
type State int

const (
	// StateAny matches every state in queries.
	StateAny State = iota
	StateRunning
	StateSleeping
	StateDead
	StateSilenced
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateDead:
		return "Dead"
	case StateSilenced:
		return "Silenced"
	case StateComplete:
		return "Complete"
	default:
		return "Any"
	}
}

// ParseState maps the admin API's state strings back to a State.
func ParseState(s string) (State, bool) {
	switch s {
	case "":
		return StateAny, true
	case "Running":
		return StateRunning, true
	case "Sleeping":
		return StateSleeping, true
	case "Dead":
		return StateDead, true
	case "Silenced":
		return StateSilenced, true
	case "Complete":
		return StateComplete, true
	}
	return StateAny, false
}

// WorkflowData is a run record snapshot.
type WorkflowData struct {
	WorkflowID id.Id
	Name       string
	CreateTS   int64
	RayID      id.Id
	Tags       map[string]string
	Input      json.RawMessage
	// State is the run's mutable state blob, distinct from its input.
	State  json.RawMessage
	Output json.RawMessage
	Error  string

	HasWakeCondition bool
	Silenced         bool
	Leased           bool
}

// DerivedState classifies the run for operator queries.
func (w *WorkflowData) DerivedState() State {
	switch {
	case w.Output != nil:
		return StateComplete
	case w.Silenced:
		return StateSilenced
	case w.Leased:
		return StateRunning
	case w.Error != "" && !w.HasWakeCondition:
		return StateDead
	default:
		return StateSleeping
	}
}

// PulledWorkflow is a leased run handed to the worker, with its replayable
// history loaded.
type PulledWorkflow struct {
	WorkflowID     id.Id
	Name           string
	CreateTS       int64
	RayID          id.Id
	Input          json.RawMessage
	State          json.RawMessage
	WakeDeadlineTS int64 // unix ms, 0 if none

	History *history.History
}

// SignalData is a delivered signal.
type SignalData struct {
	SignalID id.Id
	Name     string
	CreateTS int64
	Body     json.RawMessage
}

// MessageTail is the most recent broadcast message under a name, kept until
// its TTL lapses so late subscribers can observe it.
type MessageTail struct {
	Name     string            `json:"name"`
	Tags     map[string]string `json:"tags,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	CreateTS int64             `json:"create_ts"`
	ExpireTS int64             `json:"expire_ts"`
}

// WakeConditions is the set of triggers that return a suspended run to the
// pull set.
type WakeConditions struct {
	Immediate     bool
	DeadlineTS    int64 // unix ms, 0 if none
	Signals       []string
	SubWorkflowID id.Id
}

// Any reports whether at least one wake condition is set.
func (w WakeConditions) Any() bool {
	return w.Immediate || w.DeadlineTS != 0 || len(w.Signals) > 0 || !w.SubWorkflowID.IsNil()
}

// signalRecord is the stored form of a pending signal.
type signalRecord struct {
	SignalID id.Id             `json:"signal_id"`
	Name     string            `json:"name"`
	RayID    id.Id             `json:"ray_id"`
	CreateTS int64             `json:"create_ts"`
	Tags     map[string]string `json:"tags,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
}
