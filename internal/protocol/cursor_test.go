package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorBuildAndRead(t *testing.T) {
	c := NewByteCursor(4)
	c.WriteUint8(0xAB).
		WriteUint16(0x1234).
		WriteUint32(0xDEADBEEF).
		WriteUint64(0x0102030405060708).
		WriteBool(true).
		WriteBytes([]byte("xyz")).
		WriteUTF16String("héllo")

	assert.Equal(t, []byte{0xAB, 0x12, 0x34, 0xDE, 0xAD, 0xBE, 0xEF}, c.Bytes()[:7])

	u8, err := c.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), u8)

	u16, err := c.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u32, err := c.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := c.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	b, err := c.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)

	raw, err := c.ReadBytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), raw)

	s, err := c.ReadUTF16String()
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	assert.Zero(t, c.Len())
}

func TestCursorReadNeverPassesWriteOffset(t *testing.T) {
	c := NewByteCursor(16)
	c.WriteUint16(7)

	_, err := c.ReadUint32()
	assert.ErrorIs(t, err, ErrCursorUnderflow)
	assert.Equal(t, 2, c.Len(), "failed read must not consume")

	v, err := c.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), v)

	_, err = c.ReadUint8()
	assert.ErrorIs(t, err, ErrCursorUnderflow)
}

func TestCursorUTF16StringRejectsOversizedLength(t *testing.T) {
	c := NewByteCursor(8)
	c.WriteUint32(100).WriteBytes([]byte{1, 0})
	_, err := c.ReadUTF16String()
	assert.ErrorIs(t, err, ErrCursorUnderflow)
}

func TestCursorRawBufferOperations(t *testing.T) {
	c := NewByteCursor(8)
	assert.Equal(t, 8, c.FreeCapacity())

	n := copy(c.FreeTail(), []byte{1, 2, 3, 4, 5, 6})
	c.CommitWrite(n)
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, 2, c.FreeCapacity())

	c.ConsumeRead(4)
	assert.Equal(t, []byte{5, 6}, c.Bytes())

	c.Compact()
	assert.Equal(t, 0, c.ReadOffset())
	assert.Equal(t, 2, c.WriteOffset())
	assert.Equal(t, []byte{5, 6}, c.Bytes())
	assert.Equal(t, 6, c.FreeCapacity())

	c.Grow(20)
	assert.GreaterOrEqual(t, c.FreeCapacity(), 20)
	assert.Equal(t, []byte{5, 6}, c.Bytes())

	c.Reset()
	assert.Zero(t, c.Len())
	assert.Equal(t, c.Cap(), c.FreeCapacity())
}

func TestCursorCommitWritePanicsOnOverflow(t *testing.T) {
	c := NewByteCursor(4)
	assert.Panics(t, func() { c.CommitWrite(5) })
	assert.Panics(t, func() { c.ConsumeRead(1) })
}

func TestCursorZeroValueGrows(t *testing.T) {
	var c ByteCursor
	c.WriteUint32(1).WriteUint32(2)
	assert.Equal(t, 8, c.Len())
}

func TestCursorPeekDoesNotConsume(t *testing.T) {
	c := NewReadCursor([]byte{9, 8, 7})
	p, err := c.Peek(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8}, p)
	assert.Equal(t, 3, c.Len())
}
