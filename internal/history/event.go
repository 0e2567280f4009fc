package history

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/chirp/pkg/id"
)

// EventKind discriminates history event payloads.
type EventKind int

const (
	KindActivity EventKind = iota + 1
	KindSignal
	KindSignalSend
	KindMessageSend
	KindSubWorkflow
	KindLoop
	KindSleep
	KindBranch
	KindRemoved
	KindVersionCheck
	// KindEmpty marks a slot consumed by a forgotten or compacted event.
	// The cursor treats it as absent.
	KindEmpty
)

func (k EventKind) String() string {
	switch k {
	case KindActivity:
		return "activity"
	case KindSignal:
		return "signal"
	case KindSignalSend:
		return "signal send"
	case KindMessageSend:
		return "message send"
	case KindSubWorkflow:
		return "sub workflow"
	case KindLoop:
		return "loop"
	case KindSleep:
		return "sleep"
	case KindBranch:
		return "branch"
	case KindRemoved:
		return "removed"
	case KindVersionCheck:
		return "version check"
	case KindEmpty:
		return "empty"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// EventID identifies an activity invocation: its registered name plus a
// hash of the canonical JSON input.
type EventID struct {
	Name      string `json:"name"`
	InputHash uint64 `json:"input_hash"`
}

func (e EventID) String() string { return fmt.Sprintf("%s#%x", e.Name, e.InputHash) }

// ActivityEvent records an executed activity.
type ActivityEvent struct {
	EventID EventID         `json:"event_id"`
	Output  json.RawMessage `json:"output,omitempty"`
	// Errors holds the messages of failed attempts preceding the recorded
	// outcome.
	Errors []string `json:"errors,omitempty"`
}

// SignalEvent records a received signal.
type SignalEvent struct {
	SignalID id.Id           `json:"signal_id"`
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// SignalSendEvent records a signal published to another workflow.
type SignalSendEvent struct {
	SignalID id.Id  `json:"signal_id"`
	Name     string `json:"name"`
	// WorkflowID is the target for direct sends; zero for tagged sends.
	WorkflowID id.Id             `json:"workflow_id,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// MessageSendEvent records a message published on the bus.
type MessageSendEvent struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags,omitempty"`
}

// SubWorkflowEvent records a dispatched child workflow.
type SubWorkflowEvent struct {
	SubWorkflowID id.Id  `json:"sub_workflow_id"`
	Name          string `json:"name"`
}

// LoopEvent records a durable loop: its persisted state and iteration
// counter, and the output once the loop breaks.
type LoopEvent struct {
	State     json.RawMessage `json:"state,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Iteration uint64          `json:"iteration"`
}

// SleepState tracks how a sleep ended.
type SleepState int

const (
	SleepPending SleepState = iota
	SleepCompleted
	// SleepInterrupted marks a sleep cut short by a signal arriving during
	// a listen-with-timeout.
	SleepInterrupted
)

// SleepEvent records a durable timer.
type SleepEvent struct {
	DeadlineTS int64      `json:"deadline_ts"` // unix milliseconds
	State      SleepState `json:"state"`
}

// RemovedEvent is the tombstone left when a workflow version dropped a step.
type RemovedEvent struct {
	Kind EventKind `json:"kind"`
	Name string    `json:"name,omitempty"`
}

// Event is one entry in a branch's history.
type Event struct {
	Coordinate Coordinate `json:"coordinate"`
	Version    int        `json:"version"`
	Kind       EventKind  `json:"kind"`
	CreateTS   int64      `json:"create_ts"` // unix milliseconds
	Forgotten  bool       `json:"forgotten,omitempty"`

	Activity    *ActivityEvent    `json:"activity,omitempty"`
	Signal      *SignalEvent      `json:"signal,omitempty"`
	SignalSend  *SignalSendEvent  `json:"signal_send,omitempty"`
	MessageSend *MessageSendEvent `json:"message_send,omitempty"`
	SubWorkflow *SubWorkflowEvent `json:"sub_workflow,omitempty"`
	Loop        *LoopEvent        `json:"loop,omitempty"`
	Sleep       *SleepEvent       `json:"sleep,omitempty"`
	Removed     *RemovedEvent     `json:"removed,omitempty"`
}

// describe names the event for divergence messages.
func (e *Event) describe() string {
	switch e.Kind {
	case KindActivity:
		if e.Activity != nil {
			return fmt.Sprintf("activity %s", e.Activity.EventID)
		}
	case KindSignalSend:
		if e.SignalSend != nil {
			return fmt.Sprintf("signal send %q", e.SignalSend.Name)
		}
	case KindMessageSend:
		if e.MessageSend != nil {
			return fmt.Sprintf("message send %q", e.MessageSend.Name)
		}
	case KindSubWorkflow:
		if e.SubWorkflow != nil {
			return fmt.Sprintf("sub workflow %q", e.SubWorkflow.Name)
		}
	case KindSignal:
		if e.Signal != nil {
			return fmt.Sprintf("signal %q", e.Signal.Name)
		}
	case KindRemoved:
		if e.Removed != nil {
			if e.Removed.Name != "" {
				return fmt.Sprintf("removed %s %q", e.Removed.Kind, e.Removed.Name)
			}
			return fmt.Sprintf("removed %s", e.Removed.Kind)
		}
	}
	return e.Kind.String()
}

// name returns the registered name carried by the event, if any.
func (e *Event) name() string {
	switch e.Kind {
	case KindActivity:
		if e.Activity != nil {
			return e.Activity.EventID.Name
		}
	case KindSignal:
		if e.Signal != nil {
			return e.Signal.Name
		}
	case KindSignalSend:
		if e.SignalSend != nil {
			return e.SignalSend.Name
		}
	case KindMessageSend:
		if e.MessageSend != nil {
			return e.MessageSend.Name
		}
	case KindSubWorkflow:
		if e.SubWorkflow != nil {
			return e.SubWorkflow.Name
		}
	}
	return ""
}
