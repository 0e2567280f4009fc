// Package history models the event history of a workflow run: locations in
// the execution tree, typed events, and the replay cursor that compares a
// running workflow body against its recorded past.
package history

import (
	"fmt"
	"strings"
)

// Coordinate addresses one event within a branch. Coordinates order
// lexicographically, which lets an event be inserted between two existing
// ones by extending the dotted form (2.1 sorts between 2 and 3, 2.1.1
// between 2.1 and 2.2).
type Coordinate []uint64

// Simple returns a single-integer coordinate.
func Simple(n uint64) Coordinate { return Coordinate{n} }

// Head returns the first integer of the coordinate.
func (c Coordinate) Head() uint64 { return c[0] }

// Tail returns the last integer of the coordinate.
func (c Coordinate) Tail() uint64 { return c[len(c)-1] }

// WithTail returns a copy with the last integer replaced.
func (c Coordinate) WithTail(t uint64) Coordinate {
	out := append(Coordinate{}, c...)
	out[len(out)-1] = t
	return out
}

// Compare orders coordinates lexicographically.
func (c Coordinate) Compare(other Coordinate) int {
	for i := 0; i < len(c) && i < len(other); i++ {
		switch {
		case c[i] < other[i]:
			return -1
		case c[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(c) < len(other):
		return -1
	case len(c) > len(other):
		return 1
	}
	return 0
}

// Equal reports coordinate equality.
func (c Coordinate) Equal(other Coordinate) bool { return c.Compare(other) == 0 }

func (c Coordinate) String() string {
	parts := make([]string, len(c))
	for i, n := range c {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ".")
}

// Location is the path of coordinates from the run's root to a branch.
type Location []Coordinate

// RootLocation is the location of the top-level branch.
func RootLocation() Location { return Location{} }

// Join returns the location extended by one coordinate.
func (l Location) Join(c Coordinate) Location {
	out := make(Location, 0, len(l)+1)
	out = append(out, l...)
	return append(out, c)
}

// LocTail returns the last coordinate, or false for the root location.
func (l Location) LocTail() (Coordinate, bool) {
	if len(l) == 0 {
		return nil, false
	}
	return l[len(l)-1], true
}

// Parent returns the location with the last coordinate removed.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return l
	}
	return append(Location{}, l[:len(l)-1]...)
}

// Compare orders locations lexicographically coordinate by coordinate.
func (l Location) Compare(other Location) int {
	for i := 0; i < len(l) && i < len(other); i++ {
		if c := l[i].Compare(other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(l) < len(other):
		return -1
	case len(l) > len(other):
		return 1
	}
	return 0
}

// Equal reports location equality.
func (l Location) Equal(other Location) bool { return l.Compare(other) == 0 }

func (l Location) String() string {
	if len(l) == 0 {
		return "{}"
	}
	parts := make([]string, len(l))
	for i, c := range l {
		ints := make([]string, len(c))
		for j, n := range c {
			ints[j] = fmt.Sprintf("%d", n)
		}
		parts[i] = "{" + strings.Join(ints, ",") + "}"
	}
	return strings.Join(parts, ".")
}
