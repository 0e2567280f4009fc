package wfdb

import (
	"github.com/petrijr/chirp/internal/history"
	"github.com/petrijr/chirp/pkg/id"
	"github.com/petrijr/chirp/pkg/kv"
)

// Keyspace layout, packed with the KV adapter's tuple encoding under the
// "chirp" subspace:
//
//	(workflow, data, <wf_id>, <field>)                   run record fields
//	(workflow, data, <wf_id>, tag, <k>, <v>)             tag set
//	(workflow, data, <wf_id>, wake_signal, <name>)       armed signal names
//	(workflow, data, <wf_id>, history, <loc>)            active events
//	(workflow, data, <wf_id>, forgotten, <loop loc>, <iter>, <loc>)
//	(workflow, by_name, <name>, <k>, <v>, <wf_id>)       lookup index
//	(workflow, lease, <wf_id>)                           active leases
//	(workflow, wake, immediate, <wf_id>)                 ready queue
//	(workflow, wake, deadline, <ts>, <wf_id>)            time queue
//	(workflow, wake, signal, <name>, <wf_id>)            signal-wake index
//	(workflow, wake, sub_workflow, <sub_id>, <wf_id>)    child-wake index
//	(signal, pending, <target_wf>, <name>, <sig_id>)     pending signal
//	(signal, tagged, <name>, <sig_id>)                   tagged pending signal
//	(signal, ack, <sig_id>)                              ack timestamp
//	(message, tail, <name>)                              last broadcast
//	(worker_instance, data, <wi_id>, last_ping)          lease heartbeat
//	(worker_instance, metrics_lock)                      metrics lock
//	(metric, <gauge>, <workflow_name>)                   engine gauges
//
// Tag-less runs keep a sentinel row in the by_name index (empty key and
// value) so name-only lookups work uniformly.
var root = kv.NewSubspace(kv.Tuple{"chirp"})

// Run record field names.
const (
	fieldName         = "name"
	fieldCreateTS     = "create_ts"
	fieldRayID        = "ray_id"
	fieldInput        = "input"
	fieldState        = "state"
	fieldOutput       = "output"
	fieldError        = "error"
	fieldWakeDeadline = "wake_deadline"
	fieldHasWake      = "has_wake_condition"
	fieldSilenceTS    = "silence_ts"
)

func workflowDataKey(workflowID id.Id, field string) []byte {
	return root.Pack(kv.Tuple{"workflow", "data", workflowID, field})
}

func workflowTagKey(workflowID id.Id, k, v string) []byte {
	return root.Pack(kv.Tuple{"workflow", "data", workflowID, "tag", k, v})
}

func workflowTagRange(workflowID id.Id) ([]byte, []byte) {
	return root.Sub("workflow", "data", workflowID, "tag").Range()
}

func wakeSignalKey(workflowID id.Id, signal string) []byte {
	return root.Pack(kv.Tuple{"workflow", "data", workflowID, "wake_signal", signal})
}

func wakeSignalRange(workflowID id.Id) ([]byte, []byte) {
	return root.Sub("workflow", "data", workflowID, "wake_signal").Range()
}

// locationTuple encodes a location as nested tuples so that packed keys
// sort in location order.
func locationTuple(loc history.Location) kv.Tuple {
	out := make(kv.Tuple, 0, len(loc))
	for _, coord := range loc {
		inner := make(kv.Tuple, 0, len(coord))
		for _, n := range coord {
			inner = append(inner, int64(n))
		}
		out = append(out, inner)
	}
	return out
}

func tupleLocation(t kv.Tuple) (history.Location, bool) {
	loc := make(history.Location, 0, len(t))
	for _, el := range t {
		inner, ok := el.(kv.Tuple)
		if !ok {
			return nil, false
		}
		coord := make(history.Coordinate, 0, len(inner))
		for _, n := range inner {
			i, ok := n.(int64)
			if !ok || i < 0 {
				return nil, false
			}
			coord = append(coord, uint64(i))
		}
		loc = append(loc, coord)
	}
	return loc, true
}

// Active history keys splice each coordinate in as its own nested tuple so
// that a loop location's packed key is a byte prefix of every key under it.
func historyEventKey(workflowID id.Id, loc history.Location) []byte {
	t := kv.Tuple{"workflow", "data", workflowID, "history"}
	return root.Pack(append(t, locationTuple(loc)...))
}

func historyRange(workflowID id.Id) ([]byte, []byte) {
	return root.Sub("workflow", "data", workflowID, "history").Range()
}

// historyLoopRange bounds the active events recorded under a loop location.
func historyLoopRange(workflowID id.Id, loopLoc history.Location) ([]byte, []byte) {
	elems := append(kv.Tuple{"workflow", "data", workflowID, "history"}, locationTuple(loopLoc)...)
	return root.Sub(elems...).Range()
}

// unpackHistoryLocation recovers the event location from an active history
// key.
func unpackHistoryLocation(key []byte) (history.Location, bool) {
	t, err := root.Unpack(key)
	if err != nil || len(t) < 5 {
		return nil, false
	}
	return tupleLocation(t[4:])
}

func forgottenEventKey(workflowID id.Id, loopLoc history.Location, iteration uint64, loc history.Location) []byte {
	return root.Pack(kv.Tuple{
		"workflow", "data", workflowID, "forgotten",
		locationTuple(loopLoc), int64(iteration), locationTuple(loc),
	})
}

func forgottenRange(workflowID id.Id) ([]byte, []byte) {
	return root.Sub("workflow", "data", workflowID, "forgotten").Range()
}

// forgottenIterRange bounds iterations [0, before) of one loop, for
// trimming old forgotten history.
func forgottenIterRange(workflowID id.Id, loopLoc history.Location, before uint64) ([]byte, []byte) {
	sub := root.Sub("workflow", "data", workflowID, "forgotten", locationTuple(loopLoc))
	return sub.Pack(kv.Tuple{int64(0)}), sub.Pack(kv.Tuple{int64(before)})
}

// by_name index. Tag-less runs use empty key/value strings as a sentinel so
// every run has at least one row.
func byNameKey(name, k, v string, workflowID id.Id) []byte {
	return root.Pack(kv.Tuple{"workflow", "by_name", name, k, v, workflowID})
}

func byNameNullKey(name string, workflowID id.Id) []byte {
	return byNameKey(name, "", "", workflowID)
}

func byNameTagRange(name, k, v string) ([]byte, []byte) {
	return root.Sub("workflow", "by_name", name, k, v).Range()
}

func byNameNullRange(name string) ([]byte, []byte) {
	return byNameTagRange(name, "", "")
}

func unpackByNameKey(key []byte) (workflowID id.Id, ok bool) {
	t, err := root.Unpack(key)
	if err != nil || len(t) != 6 {
		return id.Id{}, false
	}
	wfID, ok := t[5].(id.Id)
	return wfID, ok
}

// Leases are indexed separately from the run record so the expired-lease
// sweep scans only leased runs.
func leaseKey(workflowID id.Id) []byte {
	return root.Pack(kv.Tuple{"workflow", "lease", workflowID})
}

func leaseRange() ([]byte, []byte) {
	return root.Sub("workflow", "lease").Range()
}

// Wake condition queues.
func wakeImmediateKey(workflowID id.Id) []byte {
	return root.Pack(kv.Tuple{"workflow", "wake", "immediate", workflowID})
}

func wakeImmediateRange() ([]byte, []byte) {
	return root.Sub("workflow", "wake", "immediate").Range()
}

func wakeDeadlineKey(deadlineTS int64, workflowID id.Id) []byte {
	return root.Pack(kv.Tuple{"workflow", "wake", "deadline", deadlineTS, workflowID})
}

// wakeDeadlineRangeBefore bounds deadline queue entries with ts < before.
func wakeDeadlineRangeBefore(before int64) ([]byte, []byte) {
	sub := root.Sub("workflow", "wake", "deadline")
	begin, _ := sub.Range()
	return begin, sub.Pack(kv.Tuple{before})
}

func unpackWakeKey(key []byte) (workflowID id.Id, ok bool) {
	t, err := root.Unpack(key)
	if err != nil || len(t) < 4 {
		return id.Id{}, false
	}
	wfID, ok := t[len(t)-1].(id.Id)
	return wfID, ok
}

func signalWakeIdxKey(signal string, workflowID id.Id) []byte {
	return root.Pack(kv.Tuple{"workflow", "wake", "signal", signal, workflowID})
}

func signalWakeIdxRange(signal string) ([]byte, []byte) {
	return root.Sub("workflow", "wake", "signal", signal).Range()
}

func subWorkflowWakeIdxKey(subWorkflowID, workflowID id.Id) []byte {
	return root.Pack(kv.Tuple{"workflow", "wake", "sub_workflow", subWorkflowID, workflowID})
}

func subWorkflowWakeIdxRange(subWorkflowID id.Id) ([]byte, []byte) {
	return root.Sub("workflow", "wake", "sub_workflow", subWorkflowID).Range()
}

// Signals.
func pendingSignalKey(targetWorkflowID id.Id, name string, signalID id.Id) []byte {
	return root.Pack(kv.Tuple{"signal", "pending", targetWorkflowID, name, signalID})
}

func pendingSignalRange(targetWorkflowID id.Id, name string) ([]byte, []byte) {
	return root.Sub("signal", "pending", targetWorkflowID, name).Range()
}

func taggedSignalKey(name string, signalID id.Id) []byte {
	return root.Pack(kv.Tuple{"signal", "tagged", name, signalID})
}

func taggedSignalRange(name string) ([]byte, []byte) {
	return root.Sub("signal", "tagged", name).Range()
}

func signalAckKey(signalID id.Id) []byte {
	return root.Pack(kv.Tuple{"signal", "ack", signalID})
}

// Message tails keep the most recent broadcast per name so late subscribers
// can observe it until the tail TTL lapses.
func messageTailKey(name string) []byte {
	return root.Pack(kv.Tuple{"message", "tail", name})
}

// Worker instances.
func workerLastPingKey(workerInstanceID id.Id) []byte {
	return root.Pack(kv.Tuple{"worker_instance", "data", workerInstanceID, "last_ping"})
}

func metricsLockKey() []byte {
	return root.Pack(kv.Tuple{"worker_instance", "metrics_lock"})
}

// Metric gauges, incremented with atomic adds.
func metricKey(gauge, workflowName string) []byte {
	return root.Pack(kv.Tuple{"metric", gauge, workflowName})
}

func metricRange() ([]byte, []byte) {
	return root.Sub("metric").Range()
}

func unpackMetricKey(key []byte) (gauge, workflowName string, ok bool) {
	t, err := root.Unpack(key)
	if err != nil || len(t) != 3 {
		return "", "", false
	}
	g, ok1 := t[1].(string)
	n, ok2 := t[2].(string)
	return g, n, ok1 && ok2
}
