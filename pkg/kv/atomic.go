package kv

import (
	"bytes"
	"encoding/binary"
)

// AtomicOp identifies an atomic mutation applied at commit time.
type AtomicOp int

const (
	OpAdd AtomicOp = iota
	OpMin
	OpMax
	OpBitAnd
	OpBitOr
	OpBitXor
	OpByteMin
	OpByteMax
	OpAppendIfFits
	OpSetVersionstampedKey
	OpSetVersionstampedValue
)

// MaxValueSize bounds values for OpAppendIfFits.
const MaxValueSize = 100_000

// ApplyAtomic computes the result of an atomic op against the existing
// value. existing is nil when the key is absent. Shared by the drivers so
// their semantics cannot drift.
//
// Arithmetic ops use little-endian unsigned integers; the operand length
// determines the result length, and a missing existing value is treated as
// zeros of the operand length (FDB semantics).
func ApplyAtomic(op AtomicOp, existing, param []byte) []byte {
	switch op {
	case OpAdd:
		return littleEndianAdd(existing, param)
	case OpMin:
		if existing == nil {
			return clone(param)
		}
		if littleEndianLess(param, existing) {
			return clone(param)
		}
		return padTrunc(existing, len(param))
	case OpMax:
		if existing == nil {
			return clone(param)
		}
		if littleEndianLess(existing, param) {
			return clone(param)
		}
		return padTrunc(existing, len(param))
	case OpBitAnd:
		if existing == nil {
			// No existing value: AND against implicit zeros.
			return make([]byte, len(param))
		}
		return bitwise(existing, param, func(a, b byte) byte { return a & b })
	case OpBitOr:
		return bitwise(existing, param, func(a, b byte) byte { return a | b })
	case OpBitXor:
		return bitwise(existing, param, func(a, b byte) byte { return a ^ b })
	case OpByteMin:
		if existing == nil || bytes.Compare(param, existing) < 0 {
			return clone(param)
		}
		return clone(existing)
	case OpByteMax:
		if existing == nil || bytes.Compare(param, existing) > 0 {
			return clone(param)
		}
		return clone(existing)
	case OpAppendIfFits:
		if len(existing)+len(param) > MaxValueSize {
			return clone(existing)
		}
		return append(clone(existing), param...)
	default:
		return clone(param)
	}
}

// SplitVersionstampOperand separates a versionstamped-op operand into the
// data bytes and the placeholder offset encoded in its trailing 4 bytes.
func SplitVersionstampOperand(param []byte) (data []byte, offset int, ok bool) {
	if len(param) < 4 {
		return nil, 0, false
	}
	offset = int(binary.LittleEndian.Uint32(param[len(param)-4:]))
	data = param[:len(param)-4]
	if offset < 0 || offset+10 > len(data) {
		return nil, 0, false
	}
	return data, offset, true
}

// FillVersionstamp writes the commit version into the placeholder at
// offset, in place.
func FillVersionstamp(data []byte, offset int, commitVersion int64) {
	binary.BigEndian.PutUint64(data[offset:offset+8], uint64(commitVersion))
	data[offset+8] = 0
	data[offset+9] = 0
}

func littleEndianAdd(existing, param []byte) []byte {
	out := make([]byte, len(param))
	var carry uint16
	for i := 0; i < len(param); i++ {
		var e byte
		if i < len(existing) {
			e = existing[i]
		}
		sum := uint16(e) + uint16(param[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

func littleEndianLess(a, b []byte) bool {
	n := max(len(a), len(b))
	for i := n - 1; i >= 0; i-- {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func bitwise(existing, param []byte, f func(a, b byte) byte) []byte {
	out := make([]byte, len(param))
	for i := range param {
		var e byte
		if i < len(existing) {
			e = existing[i]
		}
		out[i] = f(e, param[i])
	}
	return out
}

func padTrunc(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
