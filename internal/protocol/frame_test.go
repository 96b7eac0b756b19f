package protocol

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcemu-project/gcemu/internal/crypto"
	"github.com/gcemu-project/gcemu/internal/security"
)

func TestMain(m *testing.M) {
	if err := crypto.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestSA(t *testing.T, spi uint16) *security.Association {
	t.Helper()
	sa, err := security.NewAssociation(spi, bytes.Repeat([]byte{0x11}, 8), bytes.Repeat([]byte{0x22}, 8))
	require.NoError(t, err)
	return sa
}

// sealInner wraps an arbitrary decrypted block into a correctly
// authenticated frame.
func sealInner(t *testing.T, sa *security.Association, inner []byte) []byte {
	t.Helper()
	sealed, err := sa.Encrypt(inner)
	require.NoError(t, err)

	c := NewByteCursor(0)
	c.WriteUint16(0).WriteUint16(sealed.SPI).WriteUint32(sealed.SequenceNumber).
		WriteBytes(sealed.IV).WriteBytes(sealed.Ciphertext)
	c.WriteBytes(sa.ComputeICV(c.Bytes()[2:]))
	data := c.Bytes()
	binary.BigEndian.PutUint16(data, uint16(len(data)))
	return data
}

func TestFrameRoundTrip(t *testing.T) {
	sa := newTestSA(t, 0x4242)
	codec := NewZlibCodec()

	for _, compressed := range []bool{false, true} {
		for _, n := range []int{0, 1, 8, 8191} {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			data, err := EncodeFrame(sa, OpVerifyAccountReq, compressed, payload, codec)
			require.NoError(t, err)
			assert.Equal(t, len(data), int(binary.BigEndian.Uint16(data)), "size field")

			f, err := DecodeFrame(data, sa, codec)
			require.NoError(t, err, "n=%d compressed=%v", n, compressed)
			assert.Equal(t, OpVerifyAccountReq, f.Opcode)
			assert.Equal(t, compressed, f.Compressed)
			assert.Equal(t, payload, f.Payload, "n=%d compressed=%v", n, compressed)
			assert.Equal(t, uint32(n), f.PayloadLength)
			assert.Equal(t, sa.SPI(), f.SPI)
		}
	}
}

func TestFrameSequenceNumbersIncrease(t *testing.T) {
	sa := newTestSA(t, 1)
	var last uint32
	for i := 0; i < 5; i++ {
		data, err := EncodeFrame(sa, OpHeartBeatNot, false, nil, nil)
		require.NoError(t, err)
		h, err := ParseHeader(data)
		require.NoError(t, err)
		assert.Greater(t, h.SequenceNumber, last)
		last = h.SequenceNumber
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	sa := newTestSA(t, 1)
	_, err := DecodeFrame(make([]byte, MinFrameSize-1), sa, nil)
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	sa := newTestSA(t, 1)
	data, err := EncodeFrame(sa, OpHeartBeatNot, false, []byte("abc"), nil)
	require.NoError(t, err)

	_, err = DecodeFrame(append(data, 0), sa, nil)
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestDecodeRejectsTamperedFrame(t *testing.T) {
	sa := newTestSA(t, 1)
	data, err := EncodeFrame(sa, OpVerifyAccountReq, false, []byte("credentials"), nil)
	require.NoError(t, err)

	for _, pos := range []int{3, 5, 9, HeaderSize, len(data) - TrailerSize - 1, len(data) - 1} {
		tampered := append([]byte(nil), data...)
		tampered[pos] ^= 0x80
		_, err := DecodeFrame(tampered, sa, nil)
		assert.Error(t, err, "byte %d", pos)
		if pos != 3 {
			assert.ErrorIs(t, err, ErrAuthentication, "byte %d", pos)
		}
	}
}

func TestDecodeRejectsWrongAssociation(t *testing.T) {
	sa := newTestSA(t, 1)
	other := newTestSA(t, 2)
	data, err := EncodeFrame(sa, OpHeartBeatNot, false, nil, nil)
	require.NoError(t, err)

	_, err = DecodeFrame(data, other, nil)
	assert.ErrorIs(t, err, ErrSPIMismatch)

	sameSPI, err := security.NewAssociation(1, bytes.Repeat([]byte{0x99}, 8), bytes.Repeat([]byte{0x22}, 8))
	require.NoError(t, err)
	_, err = DecodeFrame(data, sameSPI, nil)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecodeRejectsOverlongPayloadLength(t *testing.T) {
	sa := newTestSA(t, 1)
	inner := NewByteCursor(0)
	inner.WriteUint16(OpHeartBeatNot).WriteUint32(500).WriteBool(false).WriteBytes([]byte("tiny"))

	_, err := DecodeFrame(sealInner(t, sa, inner.Bytes()), sa, nil)
	assert.ErrorIs(t, err, ErrPayloadLength)
}

func TestDecodeRejectsDecompressedSizeMismatch(t *testing.T) {
	sa := newTestSA(t, 1)
	codec := NewZlibCodec()
	payload := bytes.Repeat([]byte("abc"), 50)
	body, err := codec.Compress(payload)
	require.NoError(t, err)

	for _, claimed := range []uint32{uint32(len(payload)) - 1, uint32(len(payload)) + 1} {
		inner := NewByteCursor(0)
		inner.WriteUint16(OpVerifyAccountReq).WriteUint32(uint32(len(payload))).WriteBool(true)
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], claimed)
		inner.WriteBytes(size[:]).WriteBytes(body)

		_, err := DecodeFrame(sealInner(t, sa, inner.Bytes()), sa, codec)
		assert.ErrorIs(t, err, ErrDecompression, "claimed %d", claimed)
	}
}

func TestDecodeRejectsGarbageCompressedBody(t *testing.T) {
	sa := newTestSA(t, 1)
	inner := NewByteCursor(0)
	inner.WriteUint16(OpVerifyAccountReq).WriteUint32(10).WriteBool(true).
		WriteBytes([]byte{10, 0, 0, 0}).WriteBytes([]byte("not zlib at all"))

	_, err := DecodeFrame(sealInner(t, sa, inner.Bytes()), sa, NewZlibCodec())
	assert.ErrorIs(t, err, ErrDecompression)
}

func TestDecodeRejectsZeroedFrame(t *testing.T) {
	sa := newTestSA(t, 1)
	_, err := DecodeFrame(make([]byte, MinFrameSize), sa, nil)
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestPeekFrameSize(t *testing.T) {
	sa := newTestSA(t, 1)
	data, err := EncodeFrame(sa, OpHeartBeatNot, false, []byte("hello"), nil)
	require.NoError(t, err)

	_, err = PeekFrameSize(data[:1])
	assert.ErrorIs(t, err, ErrIncompleteFrame)

	snapshot := append([]byte(nil), data[:len(data)-1]...)
	size, err := PeekFrameSize(snapshot)
	assert.ErrorIs(t, err, ErrIncompleteFrame)
	assert.Equal(t, len(data), size)
	assert.Equal(t, data[:len(data)-1], snapshot, "peek must not modify input")

	size, err = PeekFrameSize(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), size)

	_, err = PeekFrameSize([]byte{0, 5, 1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestReadWriteFrameStream(t *testing.T) {
	sa := newTestSA(t, 1)
	a, err := EncodeFrame(sa, OpHeartBeatNot, false, nil, nil)
	require.NoError(t, err)
	b, err := EncodeFrame(sa, OpWaitTimeNot, false, []byte{0, 0, 0, 3}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, a))
	require.NoError(t, WriteFrame(&buf, b))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestOpcodeName(t *testing.T) {
	assert.Equal(t, "ENU_VERIFY_ACCOUNT_REQ", OpcodeName(OpVerifyAccountReq))
	assert.Equal(t, "UNKNOWN_0x00FF", OpcodeName(0xFF))
}
