package mr

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSerializeDeserializeRoundTrip is the round-trip law from spec.md §8:
// parse_mr_tuple(format_mr_tuple(m)) == m.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	local := &MR{name: "mr-1", kind: Remote, addr: 0xdeadbeef, length: 512, lkey: 0x1234, rkey: 0x5678}
	text := local.Serialize()

	parsed, r := DeserializeRemote(text)
	require.Nil(t, r)
	assert.Equal(t, "mr-1", parsed.Name())
	assert.Equal(t, uint64(0xdeadbeef), parsed.Addr())
	assert.Equal(t, uint64(512), parsed.Length())
	assert.Equal(t, uint32(0x1234), parsed.LKey())
	assert.Equal(t, uint32(0x5678), parsed.RKey())
	assert.Equal(t, Remote, parsed.Kind())
}

func TestSerializeFormat(t *testing.T) {
	m := &MR{name: "x", kind: Remote, addr: 16, length: 32, lkey: 48, rkey: 64}
	assert.Equal(t, "x:10:20:30:40", m.Serialize())
}

func TestDeserializeAcceptsWhitespace(t *testing.T) {
	parsed, r := DeserializeRemote("mr-1 10 20 30 40")
	require.Nil(t, r)
	assert.Equal(t, uint64(0x10), parsed.Addr())
}

func TestDeserializeWrongFieldCount(t *testing.T) {
	_, r := DeserializeRemote("name:1:2:3")
	require.NotNil(t, r)
}

func TestAlignedBufferIsAligned(t *testing.T) {
	buf := alignedBuffer(513)
	assert.Len(t, buf, 513)
	assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%alignment)
}
