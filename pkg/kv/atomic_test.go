package kv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func le64(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func TestApplyAtomicAdd(t *testing.T) {
	got := ApplyAtomic(OpAdd, le64(40), le64(2))
	if !bytes.Equal(got, le64(42)) {
		t.Fatalf("add: got %x", got)
	}

	// Missing existing value counts as zero.
	got = ApplyAtomic(OpAdd, nil, le64(7))
	if !bytes.Equal(got, le64(7)) {
		t.Fatalf("add missing: got %x", got)
	}

	// Carry across bytes.
	got = ApplyAtomic(OpAdd, []byte{0xff, 0x00}, []byte{0x01, 0x00})
	if !bytes.Equal(got, []byte{0x00, 0x01}) {
		t.Fatalf("add carry: got %x", got)
	}
}

func TestApplyAtomicMinMax(t *testing.T) {
	if got := ApplyAtomic(OpMin, le64(10), le64(3)); !bytes.Equal(got, le64(3)) {
		t.Fatalf("min: got %x", got)
	}
	if got := ApplyAtomic(OpMax, le64(10), le64(3)); !bytes.Equal(got, le64(10)) {
		t.Fatalf("max: got %x", got)
	}
	if got := ApplyAtomic(OpMax, nil, le64(3)); !bytes.Equal(got, le64(3)) {
		t.Fatalf("max missing: got %x", got)
	}
}

func TestApplyAtomicBitwise(t *testing.T) {
	if got := ApplyAtomic(OpBitOr, []byte{0b1010}, []byte{0b0101}); !bytes.Equal(got, []byte{0b1111}) {
		t.Fatalf("or: got %x", got)
	}
	if got := ApplyAtomic(OpBitAnd, []byte{0b1010}, []byte{0b0110}); !bytes.Equal(got, []byte{0b0010}) {
		t.Fatalf("and: got %x", got)
	}
	if got := ApplyAtomic(OpBitXor, []byte{0b1010}, []byte{0b0110}); !bytes.Equal(got, []byte{0b1100}) {
		t.Fatalf("xor: got %x", got)
	}
}

func TestApplyAtomicByteMinMax(t *testing.T) {
	if got := ApplyAtomic(OpByteMin, []byte("bb"), []byte("ba")); !bytes.Equal(got, []byte("ba")) {
		t.Fatalf("byte_min: got %q", got)
	}
	if got := ApplyAtomic(OpByteMax, []byte("bb"), []byte("ba")); !bytes.Equal(got, []byte("bb")) {
		t.Fatalf("byte_max: got %q", got)
	}
}

func TestApplyAtomicAppendIfFits(t *testing.T) {
	if got := ApplyAtomic(OpAppendIfFits, []byte("ab"), []byte("cd")); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("append: got %q", got)
	}

	big := make([]byte, MaxValueSize)
	if got := ApplyAtomic(OpAppendIfFits, big, []byte("x")); !bytes.Equal(got, big) {
		t.Fatalf("append over limit should keep existing value")
	}
}
