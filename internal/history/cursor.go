package history

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrHistoryDiverged is returned when the workflow body produced a step
	// that does not match the recorded history at the same location.
	ErrHistoryDiverged = errors.New("history diverged")
	// ErrLatentHistory is returned when the body finished but recorded
	// events remain unconsumed.
	ErrLatentHistory = errors.New("latent history found")
)

// History holds the recorded events of a run grouped by branch location,
// each branch sorted by coordinate.
type History struct {
	branches map[string][]*Event
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{branches: map[string][]*Event{}}
}

// Insert places an event into its branch, keeping coordinate order.
func (h *History) Insert(loc Location, ev *Event) {
	key := loc.String()
	branch := h.branches[key]
	i := sort.Search(len(branch), func(i int) bool {
		return branch[i].Coordinate.Compare(ev.Coordinate) >= 0
	})
	branch = append(branch, nil)
	copy(branch[i+1:], branch[i:])
	branch[i] = ev
	h.branches[key] = branch
}

// Branch returns the events recorded directly under loc.
func (h *History) Branch(loc Location) []*Event {
	return h.branches[loc.String()]
}

// Len returns the total number of events.
func (h *History) Len() int {
	n := 0
	for _, b := range h.branches {
		n += len(b)
	}
	return n
}

// Outcome classifies a cursor comparison.
type Outcome int

const (
	// OutcomeReplay means a matching event exists; consume its recording.
	OutcomeReplay Outcome = iota
	// OutcomeInsertion means the recorded event has a lower version, so a
	// new event may be inserted before it.
	OutcomeInsertion
	// OutcomeNew means history is exhausted at this location.
	OutcomeNew
)

// Cursor walks one branch of history, comparing the replayed body against
// recorded events. It never mutates the history.
type Cursor struct {
	hist *History
	root Location
	idx  int

	// prev is the coordinate of the last consumed step. A zero coordinate
	// exists only here, as the left-most bound before the first event.
	prev Coordinate
}

// NewCursor positions a cursor at the start of the branch rooted at root.
func NewCursor(hist *History, root Location) *Cursor {
	return &Cursor{hist: hist, root: root, prev: Simple(0)}
}

// Root returns the branch location this cursor walks.
func (c *Cursor) Root() Location { return c.root }

// History returns the underlying history, for branching cursors off it.
func (c *Cursor) History() *History { return c.hist }

// CurrentCoord returns the coordinate for the cursor's position. Past the
// end of recorded history the coordinate extrapolates from the last event's
// head; on an empty branch it counts from 1, leaving 0.x free for version
// changes inserted before the first event.
func (c *Cursor) CurrentCoord() Coordinate {
	return c.coordAt(c.idx)
}

func (c *Cursor) coordAt(idx int) Coordinate {
	branch := c.hist.Branch(c.root)
	if idx < len(branch) {
		return append(Coordinate{}, branch[idx].Coordinate...)
	}
	if len(branch) > 0 {
		head := branch[len(branch)-1].Coordinate.Head()
		return Simple(head + uint64(idx-len(branch)) + 1)
	}
	return Simple(uint64(idx) + 1)
}

// CurrentLocation returns the cursor's position as an absolute location.
func (c *Cursor) CurrentLocation() Location {
	return c.root.Join(c.CurrentCoord())
}

// LocationFor returns the location to record the next step at, given the
// comparison outcome. Insertions pick a coordinate between the previous and
// current ones by cardinality.
func (c *Cursor) LocationFor(outcome Outcome) Location {
	curr := c.CurrentCoord()
	if outcome != OutcomeInsertion {
		return c.root.Join(curr)
	}

	prev := c.prev
	var coord Coordinate
	switch {
	case len(prev) < len(curr):
		// prev + .0.1 (2.3 -> 2.3.0.1)
		coord = append(append(append(Coordinate{}, prev...), 0), 1)
	case len(prev) == len(curr):
		// prev + .1 (8 -> 8.1)
		coord = append(append(Coordinate{}, prev...), 1)
	default:
		// Increment tail (1.2 -> 1.3)
		coord = prev.WithTail(prev.Tail() + 1)
	}
	return c.root.Join(coord)
}

// CurrentEvent returns the recorded event at the cursor, or nil past the
// end. Empty placeholder events count as absent.
func (c *Cursor) CurrentEvent() *Event {
	branch := c.hist.Branch(c.root)
	if c.idx >= len(branch) {
		return nil
	}
	ev := branch[c.idx]
	if ev.Kind == KindEmpty {
		return nil
	}
	return ev
}

// Inc advances past the current position without consuming a location.
func (c *Cursor) Inc() {
	c.prev = c.CurrentCoord()
	c.idx++
}

// Update advances the cursor after a step was recorded at location (which
// must come from LocationFor). Replayed locations advance the history
// index; inserted ones only move the previous-coordinate bound.
func (c *Cursor) Update(location Location) {
	tail, ok := location.LocTail()
	if !ok {
		panic("history: update with empty location")
	}
	if tail.Equal(c.CurrentCoord()) {
		c.idx++
	}
	c.prev = tail
}

// CheckClear verifies no recorded events remain past the cursor.
func (c *Cursor) CheckClear() error {
	branch := c.hist.Branch(c.root)
	if c.idx >= len(branch) {
		return nil
	}
	latent := len(branch) - c.idx
	names := ""
	for i, ev := range branch[c.idx:] {
		if i > 0 {
			names += ", "
		}
		names += ev.describe()
	}
	plural := "s"
	if latent == 1 {
		plural = ""
	}
	return fmt.Errorf("%w: expected %d more event%s in root %s: %s",
		ErrLatentHistory, latent, plural, c.root, names)
}

// compare runs the shared version gate. It returns the current event when
// the step should consult it, or an outcome that bypasses it.
func (c *Cursor) compare(version int, found string) (Outcome, *Event, error) {
	ev := c.CurrentEvent()
	if ev == nil {
		return OutcomeNew, nil, nil
	}
	if version > ev.Version {
		return OutcomeInsertion, nil, nil
	}
	if version < ev.Version {
		return 0, nil, fmt.Errorf("%w: expected %s v%d at %s, found %s v%d",
			ErrHistoryDiverged, ev.describe(), ev.Version, c.CurrentLocation(), found, version)
	}
	return OutcomeReplay, ev, nil
}

// CompareActivity matches the cursor against an activity invocation.
func (c *Cursor) CompareActivity(version int, eventID EventID) (Outcome, *ActivityEvent, error) {
	outcome, ev, err := c.compare(version, fmt.Sprintf("activity %q", eventID.Name))
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindActivity || ev.Activity == nil {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found activity %q",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation(), eventID.Name)
	}
	if ev.Activity.EventID != eventID {
		return 0, nil, fmt.Errorf("%w: expected activity %s at %s, found activity %s",
			ErrHistoryDiverged, ev.Activity.EventID, c.CurrentLocation(), eventID)
	}
	return OutcomeReplay, ev.Activity, nil
}

// CompareSignal matches the cursor against a signal receive.
func (c *Cursor) CompareSignal(version int) (Outcome, *SignalEvent, error) {
	outcome, ev, err := c.compare(version, "signal")
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindSignal || ev.Signal == nil {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found signal",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation())
	}
	return OutcomeReplay, ev.Signal, nil
}

// CompareSignalSend matches the cursor against a signal send.
func (c *Cursor) CompareSignalSend(version int, name string) (Outcome, *SignalSendEvent, error) {
	outcome, ev, err := c.compare(version, fmt.Sprintf("signal send %q", name))
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindSignalSend || ev.SignalSend == nil || ev.SignalSend.Name != name {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found signal send %q",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation(), name)
	}
	return OutcomeReplay, ev.SignalSend, nil
}

// CompareMsg matches the cursor against a message send.
func (c *Cursor) CompareMsg(version int, name string) (Outcome, *MessageSendEvent, error) {
	outcome, ev, err := c.compare(version, fmt.Sprintf("message send %q", name))
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindMessageSend || ev.MessageSend == nil || ev.MessageSend.Name != name {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found message send %q",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation(), name)
	}
	return OutcomeReplay, ev.MessageSend, nil
}

// CompareSubWorkflow matches the cursor against a sub-workflow dispatch.
func (c *Cursor) CompareSubWorkflow(version int, name string) (Outcome, *SubWorkflowEvent, error) {
	outcome, ev, err := c.compare(version, fmt.Sprintf("sub workflow %q", name))
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindSubWorkflow || ev.SubWorkflow == nil || ev.SubWorkflow.Name != name {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found sub workflow %q",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation(), name)
	}
	return OutcomeReplay, ev.SubWorkflow, nil
}

// CompareLoop matches the cursor against a loop.
func (c *Cursor) CompareLoop(version int) (Outcome, *LoopEvent, error) {
	outcome, ev, err := c.compare(version, "loop")
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindLoop || ev.Loop == nil {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found loop",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation())
	}
	return OutcomeReplay, ev.Loop, nil
}

// CompareSleep matches the cursor against a sleep.
func (c *Cursor) CompareSleep(version int) (Outcome, *SleepEvent, error) {
	outcome, ev, err := c.compare(version, "sleep")
	if err != nil || outcome != OutcomeReplay {
		return outcome, nil, err
	}
	if ev.Kind != KindSleep || ev.Sleep == nil {
		return 0, nil, fmt.Errorf("%w: expected %s at %s, found sleep",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation())
	}
	return OutcomeReplay, ev.Sleep, nil
}

// CompareBranch matches the cursor against a branch marker.
func (c *Cursor) CompareBranch(version int) (Outcome, error) {
	outcome, ev, err := c.compare(version, "branch")
	if err != nil || outcome != OutcomeReplay {
		return outcome, err
	}
	if ev.Kind != KindBranch {
		return 0, fmt.Errorf("%w: expected %s at %s, found branch",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation())
	}
	return OutcomeReplay, nil
}

// CompareLoopBranch looks up the branch marker for a loop iteration by
// coordinate. Loops have sparse histories after forgetting, so the marker
// is found by value rather than cursor position.
func (c *Cursor) CompareLoopBranch(iteration uint64) (bool, error) {
	coordinate := Simple(iteration + 1)
	for _, ev := range c.hist.Branch(c.root) {
		if !ev.Coordinate.Equal(coordinate) {
			continue
		}
		if ev.Kind != KindBranch {
			return false, fmt.Errorf("%w: expected %s at %s, found branch",
				ErrHistoryDiverged, ev.describe(), c.CurrentLocation())
		}
		return true, nil
	}
	return false, nil
}

// CompareRemoved matches the cursor against a step dropped in the current
// workflow version. A recorded tombstone or the original event both match;
// anything else diverges. Returns whether an event was consumed.
func (c *Cursor) CompareRemoved(kind EventKind, name string) (bool, error) {
	ev := c.CurrentEvent()
	if ev == nil {
		return false, nil
	}

	valid := false
	if ev.Kind == KindRemoved && ev.Removed != nil {
		valid = ev.Removed.Kind == kind && ev.Removed.Name == name
	} else if ev.Kind == kind {
		switch kind {
		case KindSignal, KindLoop, KindSleep, KindBranch:
			valid = true
		default:
			valid = ev.name() == name
		}
	}
	if !valid {
		if name != "" {
			return false, fmt.Errorf("%w: expected %s at %s, found removed %s %q",
				ErrHistoryDiverged, ev.describe(), c.CurrentLocation(), kind, name)
		}
		return false, fmt.Errorf("%w: expected %s at %s, found removed %s",
			ErrHistoryDiverged, ev.describe(), c.CurrentLocation(), kind)
	}
	return true, nil
}

// CompareVersionCheck inspects the current event for a version check.
// Returns whether an event exists, whether it is a version check, and its
// version.
func (c *Cursor) CompareVersionCheck() (present bool, isCheck bool, version int) {
	ev := c.CurrentEvent()
	if ev == nil {
		return false, false, 0
	}
	return true, ev.Kind == KindVersionCheck, ev.Version
}
