package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gcemu-project/gcemu/internal/crypto"
	"github.com/gcemu-project/gcemu/internal/security"
)

// Frame layout:
//
//	Header:  size:2 spi:2 seq:4 iv:8
//	Payload: opcode:2 payloadLength:4 isCompressed:1 [decompressedSize:4 LE] body   (encrypted)
//	Trailer: icv:10
const (
	HeaderSize        = 2 + 2 + 4 + crypto.IVSize
	PayloadPrefixSize = 2 + 4
	TrailerSize       = security.ICVSize
	MinFrameSize      = HeaderSize + PayloadPrefixSize + TrailerSize
	MaxFrameSize      = math.MaxUint16

	// MaxDecompressedSize caps the size a compressed frame may claim.
	MaxDecompressedSize = 1 << 20

	payloadHeaderSize    = PayloadPrefixSize + 1
	decompressedSizeSize = 4
	compressedTailSkip   = 3
)

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrIncompleteFrame = errors.New("incomplete frame")
	ErrFrameSize       = errors.New("frame size mismatch")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrAuthentication  = errors.New("frame authentication failed")
	ErrReplay          = errors.New("replayed sequence number")
	ErrSPIMismatch     = errors.New("frame spi does not match association")
	ErrPayloadLength   = errors.New("invalid payload length")
)

// Header is the cleartext frame header.
type Header struct {
	Size           uint16
	SPI            uint16
	SequenceNumber uint32
	IV             [crypto.IVSize]byte
}

// Frame is a decoded frame.
type Frame struct {
	Header
	Opcode        uint16
	PayloadLength uint32
	Compressed    bool
	Payload       []byte
	ICV           [TrailerSize]byte
}

// ParseHeader reads the cleartext header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	h.Size = binary.BigEndian.Uint16(data[0:2])
	h.SPI = binary.BigEndian.Uint16(data[2:4])
	h.SequenceNumber = binary.BigEndian.Uint32(data[4:8])
	copy(h.IV[:], data[8:HeaderSize])
	return h, nil
}

// PeekFrameSize inspects the start of a stream buffer and returns the size
// of the next frame. It returns ErrIncompleteFrame while the size field or
// the declared number of bytes has not fully arrived, and ErrFrameTooShort
// when the declared size can never hold a valid frame. It never consumes
// input.
func PeekFrameSize(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrIncompleteFrame
	}
	size := int(binary.BigEndian.Uint16(buf))
	if size < MinFrameSize {
		return 0, fmt.Errorf("%w: declared %d bytes, minimum %d", ErrFrameTooShort, size, MinFrameSize)
	}
	if len(buf) < size {
		return size, ErrIncompleteFrame
	}
	return size, nil
}

// EncodeFrame builds a complete wire frame for opcode and payload under sa.
// When compressed is set the payload is deflated with comp.
func EncodeFrame(sa *security.Association, opcode uint16, compressed bool, payload []byte, comp Compressor) ([]byte, error) {
	inner := NewByteCursor(payloadHeaderSize + decompressedSizeSize + len(payload))
	inner.WriteUint16(opcode).
		WriteUint32(uint32(len(payload))).
		WriteBool(compressed)

	if compressed {
		if comp == nil {
			return nil, errors.New("compressed frame requires a compressor")
		}
		body, err := comp.Compress(payload)
		if err != nil {
			return nil, err
		}
		var size [decompressedSizeSize]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
		inner.WriteBytes(size[:]).WriteBytes(body)
	} else {
		inner.WriteBytes(payload)
	}

	sealed, err := sa.Encrypt(inner.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	total := HeaderSize + len(sealed.Ciphertext) + TrailerSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	out := NewByteCursor(total)
	out.WriteUint16(0).
		WriteUint16(sealed.SPI).
		WriteUint32(sealed.SequenceNumber).
		WriteBytes(sealed.IV).
		WriteBytes(sealed.Ciphertext)

	data := out.Bytes()
	icv := sa.ComputeICV(data[2:])
	out.WriteBytes(icv)

	data = out.Bytes()
	binary.BigEndian.PutUint16(data[0:2], uint16(len(data)))
	return data, nil
}

// DecodeFrame authenticates, decrypts and parses one complete frame. The
// ICV is verified before anything inside the encrypted block is read.
// Replay checks are left to the caller.
func DecodeFrame(data []byte, sa *security.Association, decomp Decompressor) (*Frame, error) {
	if len(data) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes, minimum %d", ErrFrameTooShort, len(data), MinFrameSize)
	}

	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.Size) != len(data) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrFrameSize, h.Size, len(data))
	}
	if h.SPI != sa.SPI() {
		return nil, fmt.Errorf("%w: frame %d, association %d", ErrSPIMismatch, h.SPI, sa.SPI())
	}

	f := &Frame{Header: h}
	trailerAt := len(data) - TrailerSize
	copy(f.ICV[:], data[trailerAt:])

	if !sa.VerifyICV(data[2:trailerAt], f.ICV[:]) {
		return nil, ErrAuthentication
	}

	plain, err := sa.Decrypt(data[HeaderSize:trailerAt], h.IV[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	if len(plain) < payloadHeaderSize {
		return nil, fmt.Errorf("%w: decrypted block of %d bytes", ErrFrameTooShort, len(plain))
	}

	f.Opcode = binary.BigEndian.Uint16(plain[0:2])
	f.PayloadLength = binary.BigEndian.Uint32(plain[2:6])
	f.Compressed = plain[6] != 0

	if f.PayloadLength == 0 {
		f.Payload = []byte{}
		return f, nil
	}

	if !f.Compressed {
		end := uint64(payloadHeaderSize) + uint64(f.PayloadLength)
		if end > uint64(len(plain)) {
			return nil, fmt.Errorf("%w: %d bytes declared, %d available", ErrPayloadLength, f.PayloadLength, len(plain)-payloadHeaderSize)
		}
		f.Payload = plain[payloadHeaderSize:end]
		return f, nil
	}

	start := payloadHeaderSize + decompressedSizeSize
	end := len(plain) - compressedTailSkip
	if end < start {
		return nil, fmt.Errorf("%w: compressed block of %d bytes", ErrPayloadLength, len(plain))
	}
	b := plain[payloadHeaderSize:start]
	expected := uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
	if expected > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed size %d exceeds limit", ErrDecompression, expected)
	}
	if decomp == nil {
		return nil, fmt.Errorf("%w: no decompressor configured", ErrDecompression)
	}

	body, err := decomp.Decompress(plain[start:end], int(expected))
	if err != nil {
		if errors.Is(err, ErrDecompression) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	f.Payload = body
	return f, nil
}
