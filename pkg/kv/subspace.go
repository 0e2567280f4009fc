package kv

import (
	"bytes"
	"fmt"
)

// Subspace is a fixed key prefix under which tuple-packed keys live. All
// domain keyspaces (workflow records, history, signals, cache entries) are
// declared as subspaces so their keys sort together and range scans stay
// cheap.
type Subspace struct {
	prefix []byte
}

// NewSubspace creates a subspace rooted at the packed form of the tuple.
func NewSubspace(t Tuple) Subspace {
	return Subspace{prefix: t.Pack()}
}

// Sub returns a child subspace with the elements appended.
func (s Subspace) Sub(elems ...any) Subspace {
	return Subspace{prefix: append(append([]byte{}, s.prefix...), Tuple(elems).Pack()...)}
}

// Pack encodes the tuple under the subspace prefix.
func (s Subspace) Pack(t Tuple) []byte {
	return append(append([]byte{}, s.prefix...), t.Pack()...)
}

// PackWithVersionstamp encodes a tuple containing one incomplete
// versionstamp under the subspace prefix.
func (s Subspace) PackWithVersionstamp(t Tuple) ([]byte, error) {
	return t.PackWithVersionstamp(s.prefix)
}

// Unpack strips the subspace prefix and decodes the remaining tuple.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	if !s.Contains(key) {
		return nil, fmt.Errorf("kv: key outside subspace")
	}
	return Unpack(key[len(s.prefix):])
}

// Contains reports whether the key lies inside the subspace.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Bytes returns the raw prefix.
func (s Subspace) Bytes() []byte {
	return append([]byte{}, s.prefix...)
}

// Range returns the [begin, end) bounds covering every key in the subspace.
func (s Subspace) Range() (begin, end []byte) {
	begin = append([]byte{}, s.prefix...)
	end = append(append([]byte{}, s.prefix...), 0xff)
	return begin, end
}
