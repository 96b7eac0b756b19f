// Package protocol implements the login transport wire format: a byte
// cursor used both as payload builder and as raw socket buffer, the
// encrypted frame codec, payload compression and the opcode table.
// Multi-byte numeric fields are big-endian unless noted otherwise.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// DefaultCursorSize is the initial capacity used when none is given.
const DefaultCursorSize = 4096

var ErrCursorUnderflow = errors.New("read past end of cursor")

// ByteCursor is a growable byte store with independent read and write
// offsets. Writes always extend the store when needed; reads never pass
// the write offset. The zero value is ready to use.
//
// Layout: buf[0:r] consumed, buf[r:w] unread, buf[w:] free tail.
type ByteCursor struct {
	buf []byte
	r   int
	w   int
}

// NewByteCursor creates an empty cursor with the given initial capacity.
func NewByteCursor(size int) *ByteCursor {
	if size <= 0 {
		size = DefaultCursorSize
	}
	return &ByteCursor{buf: make([]byte, size)}
}

// NewReadCursor wraps data for reading. The cursor takes ownership of data.
func NewReadCursor(data []byte) *ByteCursor {
	return &ByteCursor{buf: data, w: len(data)}
}

// ---- Raw buffer operations ----

// Len returns the number of unread bytes. O(1).
func (c *ByteCursor) Len() int {
	return c.w - c.r
}

// Cap returns the size of the backing store. O(1).
func (c *ByteCursor) Cap() int {
	return len(c.buf)
}

// ReadOffset returns the current read offset. O(1).
func (c *ByteCursor) ReadOffset() int {
	return c.r
}

// WriteOffset returns the current write offset. O(1).
func (c *ByteCursor) WriteOffset() int {
	return c.w
}

// Bytes returns the unread region without consuming it. The slice aliases
// the store and is valid until the next mutating call. O(1).
func (c *ByteCursor) Bytes() []byte {
	return c.buf[c.r:c.w]
}

// FreeCapacity returns the number of bytes that fit after the write
// offset without growing. O(1).
func (c *ByteCursor) FreeCapacity() int {
	return len(c.buf) - c.w
}

// FreeTail returns the writable region after the write offset, for direct
// socket reads. Follow with CommitWrite. O(1).
func (c *ByteCursor) FreeTail() []byte {
	return c.buf[c.w:]
}

// CommitWrite advances the write offset by n bytes previously written into
// FreeTail. It panics if n exceeds FreeCapacity. O(1).
func (c *ByteCursor) CommitWrite(n int) {
	if n < 0 || n > c.FreeCapacity() {
		panic(fmt.Sprintf("protocol: CommitWrite(%d) with %d bytes free", n, c.FreeCapacity()))
	}
	c.w += n
}

// ConsumeRead advances the read offset by n bytes. It panics if n exceeds
// Len. O(1).
func (c *ByteCursor) ConsumeRead(n int) {
	if n < 0 || n > c.Len() {
		panic(fmt.Sprintf("protocol: ConsumeRead(%d) with %d bytes unread", n, c.Len()))
	}
	c.r += n
}

// Compact moves the unread region to offset 0. O(Len).
func (c *ByteCursor) Compact() {
	if c.r == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.r:c.w])
	c.r = 0
	c.w = n
}

// Grow ensures at least n bytes of free capacity, compacting first and
// reallocating only if that is not enough. Amortized O(Len).
func (c *ByteCursor) Grow(n int) {
	if c.FreeCapacity() >= n {
		return
	}
	c.Compact()
	if c.FreeCapacity() >= n {
		return
	}
	newCap := 2 * len(c.buf)
	if need := c.w + n; newCap < need {
		newCap = need
	}
	buf := make([]byte, newCap)
	copy(buf, c.buf[:c.w])
	c.buf = buf
}

// Reset discards all content, keeping the store. O(1).
func (c *ByteCursor) Reset() {
	c.r = 0
	c.w = 0
}

// Peek returns the next n unread bytes without consuming them.
func (c *ByteCursor) Peek(n int) ([]byte, error) {
	if n < 0 || n > c.Len() {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrCursorUnderflow, n, c.Len())
	}
	return c.buf[c.r : c.r+n], nil
}

// ---- Builder ----

func (c *ByteCursor) extend(n int) []byte {
	c.Grow(n)
	b := c.buf[c.w : c.w+n]
	c.w += n
	return b
}

// WriteUint8 appends a single byte.
func (c *ByteCursor) WriteUint8(v uint8) *ByteCursor {
	c.extend(1)[0] = v
	return c
}

// WriteUint16 appends v big-endian.
func (c *ByteCursor) WriteUint16(v uint16) *ByteCursor {
	binary.BigEndian.PutUint16(c.extend(2), v)
	return c
}

// WriteUint32 appends v big-endian.
func (c *ByteCursor) WriteUint32(v uint32) *ByteCursor {
	binary.BigEndian.PutUint32(c.extend(4), v)
	return c
}

// WriteInt32 appends v big-endian.
func (c *ByteCursor) WriteInt32(v int32) *ByteCursor {
	return c.WriteUint32(uint32(v))
}

// WriteUint64 appends v big-endian.
func (c *ByteCursor) WriteUint64(v uint64) *ByteCursor {
	binary.BigEndian.PutUint64(c.extend(8), v)
	return c
}

// WriteBool appends 1 or 0.
func (c *ByteCursor) WriteBool(v bool) *ByteCursor {
	if v {
		return c.WriteUint8(1)
	}
	return c.WriteUint8(0)
}

// WriteBytes appends raw bytes.
func (c *ByteCursor) WriteBytes(data []byte) *ByteCursor {
	copy(c.extend(len(data)), data)
	return c
}

// WriteUTF16String appends s as a byte-length-prefixed UTF-16LE string.
// Format: [byteLen:4][code units...]
func (c *ByteCursor) WriteUTF16String(s string) *ByteCursor {
	units := utf16.Encode([]rune(s))
	c.WriteUint32(uint32(2 * len(units)))
	b := c.extend(2 * len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return c
}

// ---- Reader ----

// ReadBytes consumes and returns the next n bytes. The slice aliases the
// store.
func (c *ByteCursor) ReadBytes(n int) ([]byte, error) {
	b, err := c.Peek(n)
	if err != nil {
		return nil, err
	}
	c.r += n
	return b, nil
}

// ReadUint8 consumes one byte.
func (c *ByteCursor) ReadUint8() (uint8, error) {
	b, err := c.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool consumes one byte and reports whether it is non-zero.
func (c *ByteCursor) ReadBool() (bool, error) {
	v, err := c.ReadUint8()
	return v != 0, err
}

// ReadUint16 consumes a big-endian uint16.
func (c *ByteCursor) ReadUint16() (uint16, error) {
	b, err := c.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 consumes a big-endian uint32.
func (c *ByteCursor) ReadUint32() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 consumes a big-endian uint64.
func (c *ByteCursor) ReadUint64() (uint64, error) {
	b, err := c.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadUTF16String consumes a string written by WriteUTF16String.
func (c *ByteCursor) ReadUTF16String() (string, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return "", err
	}
	if n%2 != 0 {
		return "", fmt.Errorf("odd utf-16 byte length %d", n)
	}
	if int64(n) > int64(c.Len()) {
		return "", fmt.Errorf("%w: string of %d bytes, have %d", ErrCursorUnderflow, n, c.Len())
	}
	b, _ := c.ReadBytes(int(n))
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

// String returns a short description for debugging.
func (c *ByteCursor) String() string {
	return fmt.Sprintf("ByteCursor[r=%d w=%d cap=%d]: %x", c.r, c.w, len(c.buf), c.Bytes())
}
