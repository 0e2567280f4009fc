package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/petrijr/chirp/pkg/id"
)

// Tuple is an ordered sequence of elements that packs into a byte string
// whose lexicographic order matches the element-wise order of the tuple.
//
// Supported element types: nil, []byte, string, int, int64, uint64, bool,
// uuid.UUID, id.Id, Versionstamp and nested Tuple.
type Tuple []any

// Type codes. The integer codes are chosen so that packed negative
// integers sort before zero and zero before positives.
const (
	codeNil    = 0x00
	codeBytes  = 0x01
	codeString = 0x02
	codeNested = 0x05
	codeIntZer = 0x14 // negatives occupy 0x0c-0x13, positives 0x15-0x1c
	codeFalse  = 0x26
	codeTrue   = 0x27
	codeUUID   = 0x30
	codeId     = 0x32 // chirp extension: 18-byte datacenter-labeled id
	codeVstamp = 0x33
)

// Versionstamp is a 12-byte value ordered by commit version: a 10-byte
// transaction version assigned by the store at commit time, followed by a
// 2-byte user version for ordering within one transaction.
type Versionstamp struct {
	TxVersion   [10]byte
	UserVersion uint16
}

var incompleteTxVersion = [10]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IncompleteVersionstamp returns a placeholder versionstamp to be filled in
// by the store at commit, for use with PackWithVersionstamp.
func IncompleteVersionstamp(userVersion uint16) Versionstamp {
	return Versionstamp{TxVersion: incompleteTxVersion, UserVersion: userVersion}
}

// IsIncomplete reports whether the transaction version is the placeholder.
func (v Versionstamp) IsIncomplete() bool {
	return v.TxVersion == incompleteTxVersion
}

// Bytes returns the 12-byte encoding.
func (v Versionstamp) Bytes() []byte {
	b := make([]byte, 12)
	copy(b, v.TxVersion[:])
	binary.BigEndian.PutUint16(b[10:], v.UserVersion)
	return b
}

// CompleteVersionstamp builds a versionstamp from a commit version.
func CompleteVersionstamp(commitVersion int64, userVersion uint16) Versionstamp {
	var v Versionstamp
	binary.BigEndian.PutUint64(v.TxVersion[:8], uint64(commitVersion))
	// Bytes 8-9 are the batch order within a commit version; single-writer
	// drivers leave them zero.
	v.UserVersion = userVersion
	return v
}

// Pack encodes the tuple. Panics on unsupported element types, mirroring
// the fail-fast behavior expected of key construction bugs.
func (t Tuple) Pack() []byte {
	packCount.Add(1)
	out, err := t.pack(nil, false)
	if err != nil {
		panic(err)
	}
	return out
}

// PackWithVersionstamp encodes the tuple, which must contain exactly one
// incomplete Versionstamp, and appends the 4-byte little-endian offset of
// the placeholder as required by the versionstamped atomic ops. The prefix
// is prepended before the packed bytes and included in offset math.
func (t Tuple) PackWithVersionstamp(prefix []byte) ([]byte, error) {
	packCount.Add(1)
	body, err := t.pack(nil, true)
	if err != nil {
		return nil, err
	}
	pos := findIncomplete(body)
	if pos < 0 {
		return nil, errors.New("kv: tuple has no incomplete versionstamp")
	}
	out := make([]byte, 0, len(prefix)+len(body)+4)
	out = append(out, prefix...)
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(prefix)+pos))
	return out, nil
}

func findIncomplete(b []byte) int {
	for i := 0; i+13 <= len(b); i++ {
		if b[i] == codeVstamp && [10]byte(b[i+1:i+11]) == incompleteTxVersion {
			return i + 1
		}
	}
	return -1
}

func (t Tuple) pack(out []byte, allowIncomplete bool) ([]byte, error) {
	var err error
	for _, el := range t {
		out, err = packElement(out, el, allowIncomplete)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func packElement(out []byte, el any, allowIncomplete bool) ([]byte, error) {
	switch v := el.(type) {
	case nil:
		return append(out, codeNil), nil
	case []byte:
		return packBytes(append(out, codeBytes), v), nil
	case string:
		return packBytes(append(out, codeString), []byte(v)), nil
	case int:
		return packInt(out, int64(v)), nil
	case int64:
		return packInt(out, v), nil
	case uint64:
		return packUint(out, v), nil
	case bool:
		if v {
			return append(out, codeTrue), nil
		}
		return append(out, codeFalse), nil
	case uuid.UUID:
		out = append(out, codeUUID)
		return append(out, v[:]...), nil
	case id.Id:
		out = append(out, codeId)
		return append(out, v.Bytes()...), nil
	case Versionstamp:
		if v.IsIncomplete() && !allowIncomplete {
			return nil, errors.New("kv: incomplete versionstamp outside PackWithVersionstamp")
		}
		out = append(out, codeVstamp)
		return append(out, v.Bytes()...), nil
	case Tuple:
		out = append(out, codeNested)
		for _, inner := range v {
			if inner == nil {
				// Escaped nil inside a nested tuple.
				out = append(out, codeNil, 0xff)
				continue
			}
			var err error
			out, err = packElement(out, inner, allowIncomplete)
			if err != nil {
				return nil, err
			}
		}
		return append(out, 0x00), nil
	default:
		return nil, fmt.Errorf("kv: unsupported tuple element type %T", el)
	}
}

func packBytes(out, b []byte) []byte {
	for _, c := range b {
		out = append(out, c)
		if c == 0x00 {
			out = append(out, 0xff)
		}
	}
	return append(out, 0x00)
}

func packInt(out []byte, n int64) []byte {
	if n >= 0 {
		return packUint(out, uint64(n))
	}
	m := uint64(-n)
	size := byteLen(m)
	out = append(out, byte(codeIntZer-size))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, m)
	for _, c := range buf[8-size:] {
		out = append(out, ^c)
	}
	return out
}

func packUint(out []byte, m uint64) []byte {
	if m == 0 {
		return append(out, codeIntZer)
	}
	size := byteLen(m)
	out = append(out, byte(codeIntZer+size))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, m)
	return append(out, buf[8-size:]...)
}

func byteLen(m uint64) int {
	n := 1
	for m > 0xff {
		m >>= 8
		n++
	}
	return n
}

// Unpack decodes a packed tuple. Integers decode as int64 (or uint64 when
// above math.MaxInt64), byte strings as []byte, strings as string.
func Unpack(b []byte) (Tuple, error) {
	unpackCount.Add(1)
	t, rest, err := unpack(b, false)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("kv: %d trailing bytes after tuple", len(rest))
	}
	return t, nil
}

func unpack(b []byte, nested bool) (Tuple, []byte, error) {
	var t Tuple
	for len(b) > 0 {
		code := b[0]
		if nested && code == 0x00 {
			if len(b) >= 2 && b[1] == 0xff {
				// Escaped nil element.
				t = append(t, nil)
				b = b[2:]
				continue
			}
			// Terminator.
			return t, b[1:], nil
		}
		el, rest, err := unpackElement(b)
		if err != nil {
			return nil, nil, err
		}
		t = append(t, el)
		b = rest
	}
	if nested {
		return nil, nil, errors.New("kv: unterminated nested tuple")
	}
	return t, b, nil
}

func unpackElement(b []byte) (any, []byte, error) {
	code := b[0]
	b = b[1:]
	switch {
	case code == codeNil:
		return nil, b, nil
	case code == codeBytes:
		raw, rest, err := unpackBytes(b)
		return raw, rest, err
	case code == codeString:
		raw, rest, err := unpackBytes(b)
		return string(raw), rest, err
	case code == codeNested:
		inner, rest, err := unpack(b, true)
		return inner, rest, err
	case code == codeIntZer:
		return int64(0), b, nil
	case code > codeIntZer && code <= codeIntZer+8:
		size := int(code - codeIntZer)
		if len(b) < size {
			return nil, nil, errors.New("kv: truncated integer")
		}
		var m uint64
		for _, c := range b[:size] {
			m = m<<8 | uint64(c)
		}
		if m > math.MaxInt64 {
			return m, b[size:], nil
		}
		return int64(m), b[size:], nil
	case code >= codeIntZer-8 && code < codeIntZer:
		size := int(codeIntZer - code)
		if len(b) < size {
			return nil, nil, errors.New("kv: truncated integer")
		}
		var m uint64
		for _, c := range b[:size] {
			m = m<<8 | uint64(^c)
		}
		return -int64(m), b[size:], nil
	case code == codeFalse:
		return false, b, nil
	case code == codeTrue:
		return true, b, nil
	case code == codeUUID:
		if len(b) < 16 {
			return nil, nil, errors.New("kv: truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], b[:16])
		return u, b[16:], nil
	case code == codeId:
		if len(b) < 18 {
			return nil, nil, errors.New("kv: truncated id")
		}
		parsed, err := id.FromBytes(b[:18])
		if err != nil {
			return nil, nil, err
		}
		return parsed, b[18:], nil
	case code == codeVstamp:
		if len(b) < 12 {
			return nil, nil, errors.New("kv: truncated versionstamp")
		}
		var v Versionstamp
		copy(v.TxVersion[:], b[:10])
		v.UserVersion = binary.BigEndian.Uint16(b[10:12])
		return v, b[12:], nil
	default:
		return nil, nil, fmt.Errorf("kv: unknown tuple type code 0x%02x", code)
	}
}

func unpackBytes(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xff {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, errors.New("kv: unterminated byte string")
}
