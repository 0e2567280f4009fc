// Package id provides datacenter-labeled identifiers for workflows,
// signals, rays and worker instances.
//
// Every generated id embeds the label of the datacenter it was created in,
// so any component holding an id can route requests to the owning
// datacenter without a lookup.
package id

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Id is a datacenter-labeled unique identifier.
//
// The zero value is the nil id. Ids are comparable and usable as map keys.
type Id struct {
	dc uint16
	u  uuid.UUID
}

// Nil is the zero id.
var Nil Id

// New generates a new random id labeled with the given datacenter.
func New(dc uint16) Id {
	return Id{dc: dc, u: uuid.New()}
}

// DC returns the datacenter label embedded in the id.
func (i Id) DC() uint16 {
	return i.dc
}

// IsNil reports whether the id is the zero id.
func (i Id) IsNil() bool {
	return i == Nil
}

// String renders the id as "<dc>-<uuid>", e.g. "0001-9f2c...".
func (i Id) String() string {
	return fmt.Sprintf("%04x-%s", i.dc, i.u)
}

// Bytes returns the 18-byte binary form: big-endian dc label followed by
// the 16 uuid bytes. Byte order matches String order.
func (i Id) Bytes() []byte {
	b := make([]byte, 18)
	b[0] = byte(i.dc >> 8)
	b[1] = byte(i.dc)
	copy(b[2:], i.u[:])
	return b
}

// FromBytes parses the 18-byte binary form produced by Bytes.
func FromBytes(b []byte) (Id, error) {
	if len(b) != 18 {
		return Nil, fmt.Errorf("id: invalid length %d", len(b))
	}
	var i Id
	i.dc = uint16(b[0])<<8 | uint16(b[1])
	copy(i.u[:], b[2:])
	return i, nil
}

// Parse parses the string form produced by String.
func Parse(s string) (Id, error) {
	dcStr, uStr, ok := strings.Cut(s, "-")
	if !ok || len(dcStr) != 4 {
		return Nil, fmt.Errorf("id: malformed id %q", s)
	}
	dcBytes, err := hex.DecodeString(dcStr)
	if err != nil {
		return Nil, fmt.Errorf("id: malformed dc label in %q: %w", s, err)
	}
	u, err := uuid.Parse(uStr)
	if err != nil {
		return Nil, fmt.Errorf("id: malformed uuid in %q: %w", s, err)
	}
	return Id{dc: uint16(dcBytes[0])<<8 | uint16(dcBytes[1]), u: u}, nil
}

// Less reports whether i sorts before other in byte order.
func (i Id) Less(other Id) bool {
	return bytes.Compare(i.Bytes(), other.Bytes()) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (i Id) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Id) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
