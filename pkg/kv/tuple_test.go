package kv

import (
	"bytes"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/chirp/pkg/id"
)

func TestTupleRoundTrip(t *testing.T) {
	u := uuid.New()
	wfID := id.New(2)

	in := Tuple{
		nil,
		[]byte{0x00, 0x01, 0xff},
		"hello\x00world",
		int64(0),
		int64(42),
		int64(-42),
		int64(1 << 40),
		uint64(1<<63 + 5),
		true,
		false,
		u,
		wfID,
		Tuple{"nested", nil, int64(7)},
	}

	out, err := Unpack(in.Pack())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestTupleOrderMatchesElementOrder(t *testing.T) {
	tuples := []Tuple{
		{int64(-500)},
		{int64(-1)},
		{int64(0)},
		{int64(1)},
		{int64(255)},
		{int64(256)},
		{int64(1 << 30)},
		{[]byte{0x00}},
		{[]byte{0x00, 0x00}},
		{[]byte{0x01}},
		{"a"},
		{"a", int64(1)},
		{"a", int64(2)},
		{"b"},
	}

	packed := make([][]byte, len(tuples))
	for i, tp := range tuples {
		packed[i] = tp.Pack()
	}
	if !sort.SliceIsSorted(packed, func(i, j int) bool {
		return bytes.Compare(packed[i], packed[j]) < 0
	}) {
		t.Fatalf("packed tuples not in element order")
	}
}

func TestPackWithVersionstamp(t *testing.T) {
	tp := Tuple{"history", IncompleteVersionstamp(3)}
	key, err := tp.PackWithVersionstamp([]byte("pfx"))
	require.NoError(t, err)

	data, offset, ok := SplitVersionstampOperand(key)
	require.True(t, ok)

	FillVersionstamp(data, offset, 99)

	decoded, err := Unpack(data[3:]) // strip "pfx"
	require.NoError(t, err)
	vs, isVs := decoded[1].(Versionstamp)
	require.True(t, isVs)
	require.False(t, vs.IsIncomplete())
	require.Equal(t, uint16(3), vs.UserVersion)
	require.Equal(t, CompleteVersionstamp(99, 3), vs)
}

func TestPackWithVersionstampRequiresPlaceholder(t *testing.T) {
	if _, err := (Tuple{"no-stamp"}).PackWithVersionstamp(nil); err == nil {
		t.Fatalf("expected error without incomplete versionstamp")
	}
}

func TestSubspace(t *testing.T) {
	root := NewSubspace(Tuple{"workflow"})
	data := root.Sub("data")

	key := data.Pack(Tuple{"abc", int64(4)})
	require.True(t, data.Contains(key))
	require.True(t, root.Contains(key))

	out, err := data.Unpack(key)
	require.NoError(t, err)
	require.Equal(t, Tuple{"abc", int64(4)}, out)

	begin, end := data.Range()
	require.True(t, bytes.Compare(begin, key) <= 0)
	require.True(t, bytes.Compare(key, end) < 0)

	other := root.Sub("wake")
	require.False(t, other.Contains(key))
	if _, err := other.Unpack(key); err == nil {
		t.Fatalf("expected unpack outside subspace to fail")
	}
}
